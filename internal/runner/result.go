package runner

import (
	"bytes"
	"encoding/json"
	"errors"
)

// TestCase is one entry of a TestResult.
type TestCase struct {
	Name     string  `json:"name"`
	Success  bool    `json:"success"`
	Score    float64 `json:"score"`
	MaxScore float64 `json:"maxScore"`
	Output   string  `json:"output,omitempty"`
	Hint     string  `json:"hint,omitempty"`
}

// TestResult is the document a test program writes to its results channel.
type TestResult struct {
	Score    float64    `json:"score"`
	MaxScore float64    `json:"maxScore"`
	Tests    []TestCase `json:"tests"`
}

// Passed counts successful test cases.
func (t *TestResult) Passed() int {
	n := 0
	for _, c := range t.Tests {
		if c.Success {
			n++
		}
	}
	return n
}

func parseTestResult(raw json.RawMessage) (*TestResult, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return nil, errors.New("test result is not an object")
	}
	var res TestResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
