package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "PNL_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// InTestMode reports whether start-up side effects (schema probe, cache
// listener) should be skipped. PNL_TEST_MODE=1 enables it.
func InTestMode() bool {
	testModeOnce.Do(func() {
		testModeFlag.Store(os.Getenv(testModeEnv) == "1")
	})
	return testModeFlag.Load()
}
