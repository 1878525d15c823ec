package app

import (
	"os"
	"strconv"
)

// TestModeEnv marks a process started under `go test`; the binaries exit
// before touching postgres or redis when it is set.
const TestModeEnv = "TUTORLY_TEST_MODE"

// InTestMode reports whether TestModeEnv holds a true value.
func InTestMode() bool {
	on, err := strconv.ParseBool(os.Getenv(TestModeEnv))
	return err == nil && on
}
