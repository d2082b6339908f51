package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ULTRA_TEST_MODE", "1")
		if os.Getenv("SENDGRID_API_KEY") != "" {
			_ = os.Setenv("SENDGRID_API_KEY", "")
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
