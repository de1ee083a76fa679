// Package testlog puts tests on the quiet logging profile.
package testlog

import (
	"testing"

	"github.com/danmuck/kernelmesh/internal/logging"
)

// Start configures test logging and brackets the test in the log.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	logging.Infof("test=%s start", t.Name())
	t.Cleanup(func() {
		logging.Infof("test=%s done failed=%v", t.Name(), t.Failed())
	})
}
