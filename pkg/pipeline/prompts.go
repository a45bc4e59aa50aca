package pipeline

import (
	"fmt"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
)

// PromptBuilder turns a vocabulary entry (and, for stage 2, stage 1's
// parsed output) into the text sent to the model. Prompt content is
// explicitly out of scope for the concurrency core; this is the single
// seam a caller overrides to change wording without touching the
// executor.
type PromptBuilder interface {
	Stage1(entry domain.VocabularyEntry) (systemPrompt, prompt string)
	Stage2(entry domain.VocabularyEntry, stage1 Stage1Output) (systemPrompt, prompt string)
}

// DefaultPrompts renders the two presets named in original_source's
// examples (nuance-creator, nuance-flashcard-generator) as plain JSON
// request bodies.
type DefaultPrompts struct{}

func (DefaultPrompts) Stage1(entry domain.VocabularyEntry) (string, string) {
	system := "You are a Korean linguistics expert. Respond with a single JSON object matching the Stage1Output schema: term_number, term, ipa, pos, primary_meaning, other_meanings, metaphor, metaphor_noun, metaphor_action, suggested_location, anchor_object, anchor_sensory, explanation, usage_context, comparison{vs,nuance}, homonyms[], korean_keywords[]."
	prompt := fmt.Sprintf(`{"position":%d,"term":%q,"type":%q}`, entry.Position, entry.Term, entry.Kind)
	return system, prompt
}

func (DefaultPrompts) Stage2(entry domain.VocabularyEntry, stage1 Stage1Output) (string, string) {
	system := "You are a Korean flashcard writer. Respond with tab-separated rows: position, term, term_number, tab_name, primer, front, back, tags, honorific_level — one row per sense."
	prompt := fmt.Sprintf(`{"position":%d,"term":%q,"type":%q,"stage1_result":{"term":%q,"primary_meaning":%q,"pos":%q}}`,
		entry.Position, entry.Term, entry.Kind, stage1.Term, stage1.PrimaryMeaning, stage1.PartOfSpeech)
	return system, prompt
}
