package selfchanger

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/browser/browsertest"
	"github.com/kuitang/selfchanger-e2e/internal/fixture/fixturetest"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

func fastOptions() scenario.Options {
	return scenario.Options{
		BaseURL:           "http://selfchanger.test",
		Workers:           4,
		StepTimeout:       150 * time.Millisecond,
		NavigationTimeout: time.Second,
		PollInterval:      5 * time.Millisecond,
		LaunchRate:        1000,
	}
}

func runSuite(opts fixturetest.Options, scenarios []scenario.Scenario) *scenario.Report {
	d := browsertest.NewDriver(fixturetest.Site(opts))
	defer d.Close()
	return scenario.NewRunner(d, fastOptions()).Run(context.Background(), scenarios)
}

func TestSuite_PassesAgainstHealthyPage(t *testing.T) {
	t.Parallel()
	report := runSuite(fixturetest.Options{ReplyDelay: 30 * time.Millisecond}, Suite())
	for _, res := range report.Results {
		if !res.Passed() {
			t.Fatalf("%s failed at step %d: %v", res.Name, res.FailedStep, res.Err)
		}
	}
	if report.Passed != 4 {
		t.Fatalf("passed mismatch: got=%d want=4", report.Passed)
	}
}

func TestSuite_DetectsBrokenPages(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		opts     fixturetest.Options
		scenario string
		step     int
		kind     string
	}{
		{"wrong title", fixturetest.Options{Title: "Chat"}, PageLoads, 1, scenario.KindAssertionTimeout},
		{"send does nothing", fixturetest.Options{KeepInput: true, DropMessages: true}, SendMessage, 5, scenario.KindAssertionTimeout},
		{"no refresh button", fixturetest.Options{NoRefresh: true}, RefreshMessages, 1, scenario.KindAssertionTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			report := runSuite(tc.opts, Suite())
			for _, res := range report.Results {
				if res.Name != tc.scenario {
					if !res.Passed() {
						t.Fatalf("unrelated scenario %q failed: %v", res.Name, res.Err)
					}
					continue
				}
				if res.Passed() || res.FailedStep != tc.step || res.ErrorKind != tc.kind {
					t.Fatalf("%s mismatch: status=%s step=%d kind=%q err=%v", res.Name, res.Status, res.FailedStep, res.ErrorKind, res.Err)
				}
				if res.Diagnostics == nil || res.Diagnostics.DOM == "" {
					t.Fatalf("%s: failure carries no DOM snapshot", res.Name)
				}
			}
		})
	}
}

func TestSendMessage_EitherBranchPasses(t *testing.T) {
	t.Parallel()
	only, err := scenario.Select(Suite(), []string{SendMessage})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	// Input stays filled but the message lands: the count branch carries it.
	report := runSuite(fixturetest.Options{KeepInput: true}, only)
	if !report.OK() {
		t.Fatalf("count branch should pass: %v", report.Results[0].Err)
	}
	// Input clears but nothing is appended: the value branch carries it.
	report = runSuite(fixturetest.Options{DropMessages: true}, only)
	if !report.OK() {
		t.Fatalf("value branch should pass: %v", report.Results[0].Err)
	}
}

func TestStyleChange_SettlesInsteadOfSleeping(t *testing.T) {
	t.Parallel()
	only, err := scenario.Select(Suite(), []string{StyleChange})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	start := time.Now()
	report := runSuite(fixturetest.Options{ReplyDelay: 50 * time.Millisecond}, only)
	if !report.OK() {
		t.Fatalf("style change failed: %v", report.Results[0].Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("settle waited too long: %s", elapsed)
	}
	if note := report.Results[0].Steps[5].Note; note != "settled" {
		t.Fatalf("settle note mismatch: got=%q want=%q", note, "settled")
	}
}

func TestSuite_OutcomeIndependentOfSelectionAndOrder(t *testing.T) {
	t.Parallel()
	variants := []fixturetest.Options{
		{ReplyDelay: time.Millisecond},
		{ReplyDelay: time.Millisecond, Title: "Chat"},
	}
	suite := Suite()
	baselines := make([]map[string]scenario.Status, len(variants))
	for i, opts := range variants {
		baselines[i] = map[string]scenario.Status{}
		for _, res := range runSuite(opts, suite).Results {
			baselines[i][res.Name] = res.Status
		}
	}

	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(0, len(variants)-1).Draw(t, "variant")
		picked := rapid.SliceOfNDistinct(rapid.IntRange(0, len(suite)-1), 1, len(suite), rapid.ID[int]).Draw(t, "picked")
		subset := make([]scenario.Scenario, len(picked))
		for i, idx := range picked {
			subset[i] = suite[idx]
		}

		for i, res := range runSuite(variants[v], subset).Results {
			if res.Name != subset[i].Name {
				t.Fatalf("order mismatch at %d: got=%q want=%q", i, res.Name, subset[i].Name)
			}
			if want := baselines[v][res.Name]; res.Status != want {
				t.Fatalf("%s outcome depends on selection: got=%s baseline=%s", res.Name, res.Status, want)
			}
		}
	})
}

func TestSuiteYAML_MatchesSuite(t *testing.T) {
	t.Parallel()
	loaded, err := scenario.Load(bytes.NewReader(SuiteYAML()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Suite()
	if len(loaded) != len(want) {
		t.Fatalf("scenario count mismatch: got=%d want=%d", len(loaded), len(want))
	}
	for i := range want {
		if loaded[i].Name != want[i].Name || loaded[i].Description != want[i].Description {
			t.Fatalf("scenario %d header mismatch: got=%q want=%q", i, loaded[i].Name, want[i].Name)
		}
		if len(loaded[i].Steps) != len(want[i].Steps) {
			t.Fatalf("%s step count mismatch: got=%d want=%d", want[i].Name, len(loaded[i].Steps), len(want[i].Steps))
		}
		for j := range want[i].Steps {
			got, exp := loaded[i].Steps[j].Describe(), want[i].Steps[j].Describe()
			if got != exp {
				t.Fatalf("%s step %d mismatch: got=%q want=%q", want[i].Name, j, got, exp)
			}
		}
	}
}

func TestLoadSuite(t *testing.T) {
	t.Parallel()
	builtin, err := LoadSuite("")
	if err != nil || len(builtin) != 4 {
		t.Fatalf("builtin suite mismatch: n=%d err=%v", len(builtin), err)
	}

	path := filepath.Join(t.TempDir(), "suite.yaml")
	if err := os.WriteFile(path, SuiteYAML(), 0o600); err != nil {
		t.Fatalf("write suite: %v", err)
	}
	fromFile, err := LoadSuite(path)
	if err != nil || len(fromFile) != 4 {
		t.Fatalf("file suite mismatch: n=%d err=%v", len(fromFile), err)
	}
	if _, err := LoadSuite(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing suite file")
	}
}

func TestContract_RenderedOnLoad(t *testing.T) {
	t.Parallel()
	d := browsertest.NewDriver(fixturetest.Site(fixturetest.Options{}))
	s, err := d.NewSession(context.Background())
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer s.Close()
	if err := s.Navigate(context.Background(), "http://selfchanger.test/"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	for _, sel := range Contract() {
		if n, _ := s.Count(context.Background(), sel); n < 1 {
			t.Fatalf("%s missing from page", sel)
		}
	}
}
