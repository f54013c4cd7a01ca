package scenario

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/selfchanger-e2e/internal/errs"
)

// Suite file schema. Each step and each assertion sets exactly one key.
//
//	name: smoke
//	scenarios:
//	  - name: page loads
//	    steps:
//	      - navigate: /
//	      - expect: {title: Self Changer}
//	      - fill: {selector: .input-field, text: hello}
//	      - click: .send-button
//	      - expect:
//	          any:
//	            - value: {selector: .input-field, equals: ""}
//	            - count: {selector: .message-item, equals: 2}
//	      - settle: {timeout: 10s, count: {selector: .loading-overlay, equals: 0}}
//	      - wait: 250ms
type suiteFile struct {
	Name      string         `yaml:"name"`
	Scenarios []scenarioFile `yaml:"scenarios"`
}

type scenarioFile struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Steps       []stepFile `yaml:"steps"`
}

type stepFile struct {
	Navigate yaml.Node   `yaml:"navigate"` // a bare "navigate:" means "/"
	Fill     *fillFile   `yaml:"fill"`
	Click    string      `yaml:"click"`
	Wait     string      `yaml:"wait"`
	Expect   *assertFile `yaml:"expect"`
	Settle   *assertFile `yaml:"settle"`
}

type fillFile struct {
	Selector string `yaml:"selector"`
	Text     string `yaml:"text"`
}

type assertFile struct {
	Timeout string       `yaml:"timeout"`
	Title   string       `yaml:"title"`
	Visible string       `yaml:"visible"`
	Value   *valueFile   `yaml:"value"`
	Count   *countFile   `yaml:"count"`
	Any     []assertFile `yaml:"any"`
}

type valueFile struct {
	Selector string  `yaml:"selector"`
	Equals   *string `yaml:"equals"`
}

type countFile struct {
	Selector string `yaml:"selector"`
	Equals   *int   `yaml:"equals"`
	AtLeast  *int   `yaml:"at_least"`
}

// Load parses a YAML suite. Unknown keys are rejected.
func Load(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f suiteFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, errs.New(errs.InvalidArgument, "suite is empty")
		}
		return nil, errs.Wrap(errs.InvalidArgument, "parse suite", err)
	}

	out := make([]Scenario, 0, len(f.Scenarios))
	for _, sf := range f.Scenarios {
		sc := Scenario{Name: strings.TrimSpace(sf.Name), Description: strings.TrimSpace(sf.Description)}
		for i, st := range sf.Steps {
			step, err := st.build()
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("scenario %q step %d", sc.Name, i), err)
			}
			sc.Steps = append(sc.Steps, step)
		}
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.InvalidArgument, "suite has no scenarios")
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadFile reads a YAML suite from disk.
func LoadFile(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "read suite file", err)
	}
	return Load(bytes.NewReader(data))
}

func (s stepFile) build() (Step, error) {
	var (
		steps    []Step
		problems []error
	)
	if s.Navigate.Kind != 0 {
		path, err := navigatePath(&s.Navigate)
		problems = append(problems, err)
		steps = append(steps, Navigate(path))
	}
	if s.Fill != nil {
		if s.Fill.Selector == "" {
			problems = append(problems, fmt.Errorf("fill needs a selector"))
		}
		steps = append(steps, Fill(s.Fill.Selector, s.Fill.Text))
	}
	if s.Click != "" {
		steps = append(steps, Click(s.Click))
	}
	if s.Wait != "" {
		d, err := parsePositiveDuration("wait", s.Wait)
		problems = append(problems, err)
		steps = append(steps, Wait(d))
	}
	if s.Expect != nil {
		a, err := s.Expect.build()
		problems = append(problems, err)
		timeout, err := s.Expect.timeout()
		problems = append(problems, err)
		steps = append(steps, Expect(a, timeout))
	}
	if s.Settle != nil {
		a, err := s.Settle.build()
		problems = append(problems, err)
		timeout, err := s.Settle.timeout()
		problems = append(problems, err)
		if timeout == 0 {
			problems = append(problems, fmt.Errorf("settle needs a timeout"))
		}
		steps = append(steps, Settle(a, timeout))
	}
	for _, err := range problems {
		if err != nil {
			return nil, err
		}
	}
	if len(steps) != 1 {
		return nil, fmt.Errorf("step must set exactly one of navigate, fill, click, wait, expect, settle (got %d)", len(steps))
	}
	return steps[0], nil
}

func navigatePath(n *yaml.Node) (string, error) {
	if n.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("navigate takes a path (line %d)", n.Line)
	}
	if n.ShortTag() == "!!null" {
		return "/", nil
	}
	var path string
	if err := n.Decode(&path); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if path == "" {
		path = "/"
	}
	return path, nil
}

func (a *assertFile) timeout() (time.Duration, error) {
	if a.Timeout == "" {
		return 0, nil
	}
	return parsePositiveDuration("timeout", a.Timeout)
}

func (a *assertFile) build() (Assertion, error) {
	var out []Assertion
	if a.Title != "" {
		if _, err := regexp.Compile(a.Title); err != nil {
			return nil, fmt.Errorf("title pattern: %w", err)
		}
		out = append(out, TitleMatches(a.Title))
	}
	if a.Visible != "" {
		out = append(out, Visible(a.Visible))
	}
	if a.Value != nil {
		if a.Value.Selector == "" || a.Value.Equals == nil {
			return nil, fmt.Errorf("value needs selector and equals")
		}
		out = append(out, HasValue(a.Value.Selector, *a.Value.Equals))
	}
	if a.Count != nil {
		c := a.Count
		switch {
		case c.Selector == "":
			return nil, fmt.Errorf("count needs a selector")
		case (c.Equals == nil) == (c.AtLeast == nil):
			return nil, fmt.Errorf("count needs exactly one of equals, at_least")
		case c.Equals != nil && *c.Equals < 0, c.AtLeast != nil && *c.AtLeast < 0:
			return nil, fmt.Errorf("count must not be negative")
		case c.Equals != nil:
			out = append(out, HasCount(c.Selector, *c.Equals))
		default:
			out = append(out, CountAtLeast(c.Selector, *c.AtLeast))
		}
	}
	if len(a.Any) > 0 {
		if len(a.Any) < 2 {
			return nil, fmt.Errorf("any needs at least two conditions")
		}
		members := make([]Assertion, 0, len(a.Any))
		for i := range a.Any {
			if a.Any[i].Timeout != "" {
				return nil, fmt.Errorf("any branches share one deadline; set timeout on the enclosing assertion")
			}
			m, err := a.Any[i].build()
			if err != nil {
				return nil, fmt.Errorf("any[%d]: %w", i, err)
			}
			members = append(members, m)
		}
		out = append(out, AnyOf(members[0], members[1], members[2:]...))
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("assertion must set exactly one of title, visible, value, count, any (got %d)", len(out))
	}
	return out[0], nil
}

func parsePositiveDuration(field, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return d, nil
}
