// Package fingerprint computes the content-addressed cache key shared by
// the pipeline's executor and tiered cache.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Stage identifies which pipeline stage a fingerprint was computed for.
type Stage int

const (
	Stage1 Stage = 1
	Stage2 Stage = 2
)

func (s Stage) String() string {
	switch s {
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	default:
		return fmt.Sprintf("stage%d", int(s))
	}
}

// Input carries the fields that feed the fingerprint's canonical string.
// Extra is only meaningful for Stage2: it holds the stage-1 output this
// stage-2 call depends on.
type Input struct {
	Term          string
	Kind          string
	Stage         Stage
	ModelID       string
	PromptVersion string
	Extra         any
}

// Compute returns the 64-character lowercase-hex SHA-256 fingerprint for
// in. The canonical string is "v1|stage|model_id|prompt_version|term|kind",
// with stage-2 fingerprints appending a JSON-canonicalized serialization
// of in.Extra (the parsed stage-1 output, not its raw text — see the
// design notes on why the parsed struct is canonical rather than the raw
// model response).
func Compute(in Input) (string, error) {
	canonical := fmt.Sprintf("v1|%s|%s|%s|%s|%s",
		in.Stage, in.ModelID, in.PromptVersion, in.Term, in.Kind)

	if in.Stage == Stage2 {
		extra, err := canonicalJSON(in.Extra)
		if err != nil {
			return "", fmt.Errorf("fingerprint: canonicalize stage-1 output: %w", err)
		}
		canonical += "|" + extra
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v through an intermediate map decode so struct
// field order never affects the resulting bytes: json.Marshal on a map
// always emits keys sorted lexicographically.
func canonicalJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(canonical), nil
}
