package selfchanger

import (
	"bytes"
	_ "embed"

	"github.com/kuitang/selfchanger-e2e/internal/scenario"
)

//go:embed suite.yaml
var suiteYAML []byte

// SuiteYAML returns the suite in the runner's YAML form.
func SuiteYAML() []byte {
	return bytes.Clone(suiteYAML)
}

// LoadSuite returns the scenarios from path, or the built-in suite when path is empty.
func LoadSuite(path string) ([]scenario.Scenario, error) {
	if path == "" {
		return Suite(), nil
	}
	return scenario.LoadFile(path)
}
