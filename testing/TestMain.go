// Package testing is blank-imported by test packages. It flags the process as
// a test run and keeps the default slog logger quiet so services built with
// slog.Default() do not flood test output.
package testing

import (
	"io"
	"log/slog"
	"os"
)

func init() {
	_ = os.Setenv("TUTORLY_TEST_MODE", "1")
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}
