package browser

import (
	"os"
	"testing"
)

func TestMain(m *testing.M) {
	code := m.Run()
	driversMu.Lock()
	for _, d := range drivers {
		_ = d.Close()
	}
	driversMu.Unlock()
	os.Exit(code)
}
