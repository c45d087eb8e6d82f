package vfs

import (
	"os"
	"testing"

	"github.com/zhubert/studio-core/logger"
)

func TestMain(m *testing.M) {
	// Disable logging during tests to avoid polluting the default log file
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
