package inference

import (
	"fmt"
	"time"

	"github.com/eddielth/data-ingest/transformer"
)

// Validate replays rule against every sample. Each evaluation is bounded by
// budget; zero or less selects transformer.DefaultBudget. The rule is valid
// when it compiles and every sample evaluates without error.
func Validate(rule string, samples []Sample, budget time.Duration) Validation {
	out := Validation{Results: make([]SampleResult, 0, len(samples))}
	if len(samples) == 0 {
		out.Errors = []string{ErrNoSamples.Error()}
		return out
	}

	program, err := transformer.Compile(rule)
	if err != nil {
		out.Errors = []string{err.Error()}
		return out
	}

	out.Valid = true
	for i, s := range samples {
		parsed, err := program.Run(s.RawData, budget)
		if err != nil {
			out.Valid = false
			out.Errors = append(out.Errors, fmt.Sprintf("sample %d: %v", i+1, err))
			out.Results = append(out.Results, SampleResult{Index: i, Error: err.Error()})
			continue
		}
		out.ParsedData = append(out.ParsedData, parsed)
		out.Results = append(out.Results, SampleResult{Index: i, OK: true, Parsed: parsed})
	}
	return out
}
