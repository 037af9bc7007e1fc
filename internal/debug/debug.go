package debug

import (
	"fmt"
	"os"
)

// COGNITO_AUTH_DEBUG enables verbose diagnostics on stderr.
const EnvVar = "COGNITO_AUTH_DEBUG"

var enabled = os.Getenv(EnvVar) != ""

func Enable() {
	enabled = true
}

// Logf writes a diagnostic line to stderr when debug output is enabled.
// Never writes to stdout - that channel is reserved for the
// credential_process JSON and the monitoring token.
func Logf(format string, args ...any) {
	if !enabled {
		return
	}
	fmt.Fprintf(os.Stderr, "claude-code-auth: "+format+"\n", args...)
}
