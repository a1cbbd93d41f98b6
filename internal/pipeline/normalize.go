// -----------------------------------------------------------------------
// Normalization & Hashing - Canonical flat job list, pipeline ID, config hash
// -----------------------------------------------------------------------

package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ternarybob/cursus/internal/models"
)

// FlatJob is one normalized job: a job reference annotated with the index of
// the stage that declared it.
type FlatJob struct {
	Ref        models.JobRef
	StageIndex int
}

// Normalize canonicalizes the heterogeneous stage shape into a flat job list
// in declaration order, applying the default retry delay where retries are
// configured without one.
func Normalize(cfg *models.PipelineConfig) []FlatJob {
	var flat []FlatJob
	for si, stage := range cfg.Stages {
		for _, ref := range stage.Jobs {
			if ref.RetryDelay <= 0 {
				ref.RetryDelay = models.DefaultRetryDelay
			}
			flat = append(flat, FlatJob{Ref: ref, StageIndex: si})
		}
	}
	return flat
}

// JobNames returns the ordered job names of a flat list.
func JobNames(flat []FlatJob) []string {
	names := make([]string, len(flat))
	for i, fj := range flat {
		names[i] = fj.Ref.Job.Name
	}
	return names
}

// StageIndices groups flat indices by stage, preserving declaration order.
func StageIndices(flat []FlatJob) [][]int {
	var stages [][]int
	for i, fj := range flat {
		for fj.StageIndex >= len(stages) {
			stages = append(stages, nil)
		}
		stages[fj.StageIndex] = append(stages[fj.StageIndex], i)
	}
	return stages
}

// ConfigHash fingerprints the pipeline shape: SHA-256 of the comma-joined
// ordered job names, truncated to 16 hex characters. Renaming, reordering,
// inserting or removing a job changes the hash; changing a job's internals
// or regrouping stages does not.
func ConfigHash(jobNames []string) string {
	return shortHash([]byte(strings.Join(jobNames, ",")))
}

// PipelineID derives the content-addressed identifier for a run: the
// configured ComputeInputHash when present, otherwise SHA-256 of the
// canonical JSON of {pipelineType, data} truncated to 16 hex characters.
// Identical input yields the identical ID, which is what makes startPipeline
// memoizing.
func PipelineID(cfg *models.PipelineConfig, input any) (string, error) {
	if cfg.ComputeInputHash != nil {
		return cfg.ComputeInputHash(input), nil
	}

	payload := struct {
		PipelineType string `json:"pipelineType"`
		Data         any    `json:"data"`
	}{PipelineType: cfg.Name, Data: input}

	// encoding/json sorts map keys, so the encoding is deterministic for
	// any JSON-shaped input.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash pipeline input: %w", err)
	}
	return shortHash(raw), nil
}

func shortHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
