package assessment

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Mode selects which battery an evaluation runs against.
type Mode string

const (
	ModeDryRun  Mode = "dry_run"
	ModeTestRun Mode = "test_run"
	ModeSubmit  Mode = "submit"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModeTestRun, ModeSubmit:
		return true
	}
	return false
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// CaseOutput is the outcome of a single case.
type CaseOutput struct {
	Input    string `json:"input,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
	Hidden   bool   `json:"hidden,omitempty"`
}

// Result is the value returned by an Evaluation Pipeline. Dry runs carry
// no verdict: Passed and Total stay zero and are left out of the JSON form.
type Result struct {
	Mode     Mode         `json:"mode"`
	Outputs  []CaseOutput `json:"outputs"`
	Passed   int          `json:"passed"`
	Total    int          `json:"total"`
	TimedOut bool         `json:"timed_out,omitempty"`
	Error    string       `json:"error,omitempty"`
	TimingMs int64        `json:"timing_ms"`
}

type dryRunOutput struct {
	Input  string `json:"input,omitempty"`
	Actual string `json:"actual,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MarshalJSON drops the pass/fail fields from dry runs, which have no
// expected output to compare against.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	if r.Mode != ModeDryRun {
		return json.Marshal(plain(r))
	}

	outputs := make([]dryRunOutput, len(r.Outputs))
	for i, out := range r.Outputs {
		outputs[i] = dryRunOutput{Input: out.Input, Actual: out.Actual, Error: out.Error}
	}
	return json.Marshal(struct {
		Mode     Mode           `json:"mode"`
		Outputs  []dryRunOutput `json:"outputs"`
		TimedOut bool           `json:"timed_out,omitempty"`
		Error    string         `json:"error,omitempty"`
		TimingMs int64          `json:"timing_ms"`
	}{
		Mode:     r.Mode,
		Outputs:  outputs,
		TimedOut: r.TimedOut,
		Error:    r.Error,
		TimingMs: r.TimingMs,
	})
}

func (r Result) clone() Result {
	if r.Outputs != nil {
		r.Outputs = append([]CaseOutput(nil), r.Outputs...)
	}
	return r
}

// Redacted hides the input and expected output of hidden cases.
func (r Result) Redacted() Result {
	out := r.clone()
	for i := range out.Outputs {
		if out.Outputs[i].Hidden {
			out.Outputs[i].Input = ""
			out.Outputs[i].Expected = ""
			out.Outputs[i].Actual = ""
		}
	}
	return out
}

// Case is a test case tagged with its visibility.
type Case struct {
	TestCase
	Hidden bool
}

// Request is handed to a Pipeline. Cases already reflect the mode: empty for
// dry runs, samples for test runs, samples then hidden cases for submits.
type Request struct {
	Item      ItemID
	Kind      Kind
	Mode      Mode
	Answer    Answer
	Input     string
	Cases     []Case
	Correct   string
	Tolerance *float64
}

// Pipeline executes an answer. Implementations must not mutate session
// state; the Session applies the result. A context deadline is reported by
// returning an error wrapping context.DeadlineExceeded or ErrTimeout.
type Pipeline interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// Normalize trims trailing whitespace and newlines.
func Normalize(s string) string {
	return strings.TrimRight(s, " \t\r\n")
}

// Matches compares expected and actual output after normalisation. With a
// tolerance, lines that both parse as floats compare within it.
func Matches(expected, actual string, tolerance *float64) bool {
	want, got := Normalize(expected), Normalize(actual)
	if want == got {
		return true
	}
	if tolerance == nil {
		return false
	}

	wantLines := strings.Split(want, "\n")
	gotLines := strings.Split(got, "\n")
	if len(wantLines) != len(gotLines) {
		return false
	}
	for i := range wantLines {
		w, g := Normalize(wantLines[i]), Normalize(gotLines[i])
		if w == g {
			continue
		}
		wf, err1 := strconv.ParseFloat(strings.TrimSpace(w), 64)
		gf, err2 := strconv.ParseFloat(strings.TrimSpace(g), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if math.Abs(wf-gf) > *tolerance {
			return false
		}
	}
	return true
}
