package scenario

import (
	"time"
)

// Status is the outcome of a scenario or step.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// StepResult records one step's outcome.
type StepResult struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	Status      Status  `json:"status"`
	DurationMS  float64 `json:"duration_ms"`
	Note        string  `json:"note,omitempty"`
}

// Diagnostics is the page state captured when a scenario fails.
type Diagnostics struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
	// DOM is the full serialized document at failure time.
	DOM string `json:"dom,omitempty"`
	// Selectors counts matches in DOM for each selector the scenario uses.
	Selectors map[string]int `json:"selectors,omitempty"`
	// Artifacts lists where the DOM snapshot and screenshot were stored.
	Artifacts []string `json:"artifacts,omitempty"`
	// CaptureError is set when the page could not be read.
	CaptureError string `json:"capture_error,omitempty"`
}

// Result is one scenario's outcome.
type Result struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	DurationMS  float64       `json:"duration_ms"`
	Steps       []StepResult  `json:"steps"`
	FailedStep  int           `json:"failed_step"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Diff        string        `json:"diff,omitempty"`
	Diagnostics *Diagnostics  `json:"diagnostics,omitempty"`
	Err         error         `json:"-"`
	Duration    time.Duration `json:"-"`
}

// Passed reports whether every step passed.
func (r Result) Passed() bool { return r.Status == StatusPassed }

// Report is the result set of one run, in scenario input order.
type Report struct {
	RunID      string    `json:"run_id"`
	Driver     string    `json:"driver"`
	BaseURL    string    `json:"base_url"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Results    []Result  `json:"results"`
}

// OK reports whether the run had no failed scenarios.
func (r *Report) OK() bool { return r.Failed == 0 }

// Failures returns the failed results in input order.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if !res.Passed() {
			out = append(out, res)
		}
	}
	return out
}

// Result looks up a scenario's result by name.
func (r *Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

func (r *Report) tally() {
	r.Passed, r.Failed = 0, 0
	for _, res := range r.Results {
		if res.Passed() {
			r.Passed++
		} else {
			r.Failed++
		}
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
