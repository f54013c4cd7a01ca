package notify

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/history"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

func failedReport() *scenario.Report {
	return &scenario.Report{
		RunID:   "run-9",
		Driver:  "rod",
		BaseURL: "http://localhost:3000",
		Passed:  1,
		Failed:  1,
		Results: []scenario.Result{
			{Name: "page loads", Status: scenario.StatusPassed},
			{
				Name:       "send message",
				Status:     scenario.StatusFailed,
				FailedStep: 0,
				Steps:      []scenario.StepResult{{Index: 0, Description: "click .send-button"}},
				ErrorKind:  scenario.KindElementNotFound,
				Error:      `element ".send-button" not found <b>`,
			},
		},
	}
}

func TestNotifyFailure_SendsOnlyOnFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mock := NewMockSender("")
	n := New(mock, []string{"dev@selfchanger.dev"}, "https://ci.example/report.html")

	sent, err := n.NotifyFailure(ctx, &scenario.Report{Passed: 4, Results: make([]scenario.Result, 4)}, nil)
	if err != nil || sent || mock.Count() != 0 {
		t.Fatalf("passing run notified: sent=%v err=%v count=%d", sent, err, mock.Count())
	}

	flakes := []history.Flake{{Scenario: "send message", Runs: 5, Failures: 2}}
	sent, err = n.NotifyFailure(ctx, failedReport(), flakes)
	if err != nil || !sent {
		t.Fatalf("failing run not notified: sent=%v err=%v", sent, err)
	}
	msg := mock.Last()
	if got, want := msg.Subject, "[Self Changer E2E] 1 of 2 scenarios failed: send message"; got != want {
		t.Fatalf("subject mismatch: got=%q want=%q", got, want)
	}
	for _, want := range []string{
		"<strong>send message</strong> (flaky)",
		"<code>click .send-button</code>",
		"send message: 2 of 5 failed",
		`href="https://ci.example/report.html"`,
		"&lt;b&gt;",
	} {
		if !strings.Contains(msg.HTML, want) {
			t.Fatalf("body missing %q:\n%s", want, msg.HTML)
		}
	}
}

func TestNotifyFailure_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	_, err := New(NewMockSender(""), nil, "").NotifyFailure(ctx, failedReport(), nil)
	if got := errs.CodeOf(err); got != errs.FailedPrecondition {
		t.Fatalf("no recipients code mismatch: got=%q want=%q", got, errs.FailedPrecondition)
	}

	_, err = New(failingSender{}, []string{"a@b.c"}, "").NotifyFailure(ctx, failedReport(), nil)
	if got := errs.CodeOf(err); got != errs.Unavailable {
		t.Fatalf("send failure code mismatch: got=%q want=%q", got, errs.Unavailable)
	}
}

type failingSender struct{}

func (failingSender) Send(context.Context, Message) error { return errors.New("smtp down") }

func TestMockSender_WritesOutbox(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	mock := NewMockSender(dir)
	if err := mock.Send(context.Background(), Message{To: []string{"a@b.c"}, Subject: "s"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".json") {
		t.Fatalf("outbox mismatch: entries=%v err=%v", entries, err)
	}
}

func testSubject_NamesEveryFailure(t *rapid.T) {
	names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 1, 6, rapid.ID[string]).Draw(t, "names")
	r := &scenario.Report{}
	for i, name := range names {
		status := scenario.StatusPassed
		if i%2 == 0 {
			status = scenario.StatusFailed
			r.Failed++
		}
		r.Results = append(r.Results, scenario.Result{Name: name, Status: status})
	}
	got := subject(r)
	for i, name := range names {
		if i%2 == 0 && !strings.Contains(got, name) {
			t.Fatalf("subject %q misses %q", got, name)
		}
	}
}

func TestSubject_NamesEveryFailure(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSubject_NamesEveryFailure)
}
