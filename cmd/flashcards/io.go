package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/domain"
	"github.com/RexRenatus/korean-flashcard-pipeline-sub004/pkg/shared/logging"
)

// readEntries parses a "term\tkind" TSV file into VocabularyEntry rows,
// assigning Position by line order — the same positional contract the
// collector and checkpoint store key everything else on.
func readEntries(path string) ([]domain.VocabularyEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.FieldsPerRecord = -1

	var entries []domain.VocabularyEntry
	position := uint32(0)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read entries: %w", err)
		}
		if len(record) == 0 || record[0] == "" {
			continue
		}
		kind := "noun"
		if len(record) > 1 {
			kind = record[1]
		}
		entries = append(entries, domain.VocabularyEntry{
			Position: position,
			Term:     record[0],
			Kind:     kind,
		})
		position++
	}
	return entries, nil
}

func entriesSeq(entries []domain.VocabularyEntry) func(yield func(domain.VocabularyEntry) bool) {
	return func(yield func(domain.VocabularyEntry) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open output: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// tsvSink writes one line per result, in the position order the
// orchestrator already guarantees: position, fingerprint, from_cache,
// payload (the stage-2 TSV/JSON artifact bytes), or an error column.
type tsvSink struct {
	w *csv.Writer
}

func newTSVSink(w io.Writer) *tsvSink {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	return &tsvSink{w: cw}
}

func (s *tsvSink) Write(position uint32, artifact *domain.Artifact, err error) error {
	defer s.w.Flush()

	if err != nil {
		return s.w.Write([]string{fmt.Sprintf("%d", position), "", "false", "", err.Error()})
	}

	return s.w.Write([]string{
		fmt.Sprintf("%d", position),
		artifact.Fingerprint,
		fmt.Sprintf("%t", artifact.FromCache),
		string(artifact.Payload),
		"",
	})
}

func progressFields(p domain.BatchProgress) map[string]any {
	return logging.NewFields().
		BatchID(p.BatchID).
		Custom("total", p.Total).
		Custom("completed", p.Completed).
		Custom("failed", p.Failed).
		Custom("from_cache", p.FromCache).
		ToLogrus()
}
