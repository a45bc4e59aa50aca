package pipeline

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// Comparison captures a stage-1 "this term vs. that term" nuance note.
type Comparison struct {
	Vs     string `json:"vs"`
	Nuance string `json:"nuance"`
}

// Homonym documents one same-sound, different-meaning term flagged by
// stage 1.
type Homonym struct {
	Hanja          string `json:"hanja"`
	Reading        string `json:"reading"`
	Meaning        string `json:"meaning"`
	Differentiator string `json:"differentiator"`
}

// Stage1Output is the parsed JSON response from the first model call: a
// nuanced linguistic breakdown of the term that stage 2 turns into
// flashcard rows.
type Stage1Output struct {
	TermNumber        int        `json:"term_number"`
	Term              string     `json:"term"`
	IPA               string     `json:"ipa"`
	PartOfSpeech      string     `json:"pos"`
	PrimaryMeaning    string     `json:"primary_meaning"`
	OtherMeanings     string     `json:"other_meanings"`
	Metaphor          string     `json:"metaphor"`
	MetaphorNoun      string     `json:"metaphor_noun"`
	MetaphorAction    string     `json:"metaphor_action"`
	SuggestedLocation string     `json:"suggested_location"`
	AnchorObject      string     `json:"anchor_object"`
	AnchorSensory     string     `json:"anchor_sensory"`
	Explanation       string     `json:"explanation"`
	UsageContext      string     `json:"usage_context"`
	Comparison        Comparison `json:"comparison"`
	Homonyms          []Homonym  `json:"homonyms"`
	KoreanKeywords    []string   `json:"korean_keywords"`
}

// parseStage1 unmarshals a model's raw JSON text into a Stage1Output.
func parseStage1(text string) (Stage1Output, error) {
	var out Stage1Output
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Stage1Output{}, fmt.Errorf("parse stage1 output: %w", err)
	}
	return out, nil
}

// FlashcardRow is one tab-separated output row, the final artifact for
// a term.
type FlashcardRow struct {
	Position       uint32 `json:"position"`
	Term           string `json:"term"`
	TermNumber     int    `json:"term_number"`
	TabName        string `json:"tab_name"`
	Primer         string `json:"primer"`
	Front          string `json:"front"`
	Back           string `json:"back"`
	Tags           string `json:"tags"`
	HonorificLevel string `json:"honorific_level"`
}

// ToTSVRow renders the row in the model's native tab-separated format.
func (r FlashcardRow) ToTSVRow() string {
	fields := []string{
		fmt.Sprintf("%d", r.Position), r.Term, fmt.Sprintf("%d", r.TermNumber),
		r.TabName, r.Primer, r.Front, r.Back, r.Tags, r.HonorificLevel,
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	_ = w.Write(fields)
	w.Flush()
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}

// Stage2Output is the parsed response from the second model call: one
// or more flashcard rows for the term (a term can expand into several
// rows, one per sense/tab).
type Stage2Output struct {
	Rows []FlashcardRow `json:"rows"`
}

// parseStage2 reads tab-separated rows per original_source's
// Stage2Response.from_tsv_content: position, term, term_number,
// tab_name, primer, front, back, tags, honorific_level.
func parseStage2(text string) (Stage2Output, error) {
	r := csv.NewReader(bytes.NewReader([]byte(text)))
	r.Comma = '\t'
	r.FieldsPerRecord = 9
	r.LazyQuotes = true

	var out Stage2Output
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Stage2Output{}, fmt.Errorf("parse stage2 output: %w", err)
		}

		var termNumber int
		var position uint64
		if _, err := fmt.Sscanf(record[0], "%d", &position); err != nil {
			return Stage2Output{}, fmt.Errorf("parse stage2 position %q: %w", record[0], err)
		}
		if _, err := fmt.Sscanf(record[2], "%d", &termNumber); err != nil {
			return Stage2Output{}, fmt.Errorf("parse stage2 term_number %q: %w", record[2], err)
		}

		out.Rows = append(out.Rows, FlashcardRow{
			Position:       uint32(position),
			Term:           record[1],
			TermNumber:     termNumber,
			TabName:        record[3],
			Primer:         record[4],
			Front:          record[5],
			Back:           record[6],
			Tags:           record[7],
			HonorificLevel: record[8],
		})
	}
	if len(out.Rows) == 0 {
		return Stage2Output{}, fmt.Errorf("parse stage2 output: no rows")
	}
	return out, nil
}
