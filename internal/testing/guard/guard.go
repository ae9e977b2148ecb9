// Package guard switches the process into test mode when imported, so test
// binaries that link the commands never dial real services.
package guard

import (
	"os"

	"github.com/kitchenledger/kitchenledger/internal/app"
)

func init() {
	if os.Getenv(app.TestModeEnv) == "" {
		_ = os.Setenv(app.TestModeEnv, "1")
	}
	app.RefreshTestMode()
}
