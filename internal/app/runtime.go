package app

import (
	"os"
	"sync"
)

const testModeEnv = "ULTRA_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})

// InTestMode reports whether binaries should skip connecting to Postgres and
// Redis. The flag is read once per process.
func InTestMode() bool {
	return testMode()
}
