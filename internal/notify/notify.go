// Package notify emails a summary when a run has failing scenarios.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
	"github.com/kuitang/selfchanger-e2e/internal/history"
	"github.com/kuitang/selfchanger-e2e/internal/obs"
	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

// Message is one rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier decides whether a run is worth an email and sends it.
type Notifier struct {
	sender    Sender
	to        []string
	reportURL string
}

// New returns a Notifier that mails to. reportURL, when set, is linked from
// the email body.
func New(sender Sender, to []string, reportURL string) *Notifier {
	return &Notifier{sender: sender, to: to, reportURL: reportURL}
}

// NotifyFailure emails a summary of r's failures. Passing runs send nothing
// and return false.
func (n *Notifier) NotifyFailure(ctx context.Context, r *scenario.Report, flakes []history.Flake) (bool, error) {
	if r.OK() {
		return false, nil
	}
	if len(n.to) == 0 {
		return false, errs.New(errs.FailedPrecondition, "no notification recipients configured")
	}
	msg, err := n.Render(r, flakes)
	if err != nil {
		return false, err
	}
	if err := n.sender.Send(ctx, msg); err != nil {
		return false, errs.Wrap(errs.Unavailable, "send failure notification", err)
	}
	obs.From(ctx).Info("notification_sent", "recipients", len(n.to), "failed", r.Failed)
	return true, nil
}

// Render builds the email for r without sending it.
func (n *Notifier) Render(r *scenario.Report, flakes []history.Flake) (Message, error) {
	flaky := make(map[string]history.Flake, len(flakes))
	for _, f := range flakes {
		flaky[f.Scenario] = f
	}
	type failure struct {
		Name, Step, Kind, Error string
		Flaky                   bool
	}
	var failures []failure
	for _, res := range r.Failures() {
		step := ""
		if res.FailedStep >= 0 && res.FailedStep < len(res.Steps) {
			step = res.Steps[res.FailedStep].Description
		}
		_, isFlaky := flaky[res.Name]
		failures = append(failures, failure{res.Name, step, res.ErrorKind, res.Error, isFlaky})
	}

	var body bytes.Buffer
	err := emailTemplate.Execute(&body, struct {
		Report    *scenario.Report
		Failures  []failure
		Flakes    []history.Flake
		ReportURL string
	}{r, failures, flakes, n.reportURL})
	if err != nil {
		return Message{}, errs.Wrap(errs.Internal, "render notification", err)
	}
	return Message{
		To:      append([]string(nil), n.to...),
		Subject: subject(r),
		HTML:    body.String(),
	}, nil
}

func subject(r *scenario.Report) string {
	names := make([]string, 0, r.Failed)
	for _, res := range r.Failures() {
		names = append(names, res.Name)
	}
	return fmt.Sprintf("[Self Changer E2E] %d of %d scenarios failed: %s",
		r.Failed, len(r.Results), strings.Join(names, ", "))
}

var emailTemplate = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>Self Changer E2E failures</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px;">
<h2 style="margin-top: 0;">{{.Report.Failed}} of {{len .Report.Results}} scenarios failed</h2>
<p>Run <code>{{.Report.RunID}}</code> against {{.Report.BaseURL}} with {{.Report.Driver}}.</p>
<ul>
{{- range .Failures}}
<li><strong>{{.Name}}</strong>{{if .Flaky}} (flaky){{end}}{{if .Step}} at <code>{{.Step}}</code>{{end}}: {{.Kind}}: {{.Error}}</li>
{{- end}}
</ul>
{{- if .Flakes}}
<p>Flaky in recent runs:</p>
<ul>
{{- range .Flakes}}
<li>{{.Scenario}}: {{.Failures}} of {{.Runs}} failed</li>
{{- end}}
</ul>
{{- end}}
{{- if .ReportURL}}
<p><a href="{{.ReportURL}}">Full report</a></p>
{{- end}}
<hr style="border: none; border-top: 1px solid #e0e0e0;">
<p style="color: #999; font-size: 12px;">Sent by the Self Changer scenario runner.</p>
</body>
</html>
`))
