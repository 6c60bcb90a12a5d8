// Package diag provides the shared verbose-logging convention used across
// every WBOX subsystem: a single switch, gated output, nothing fancier.
package diag

import (
	"fmt"
	"os"
)

// Verbose controls whether Logf writes anything. Off by default.
var Verbose bool

// Logf writes a diagnostic line to stderr when Verbose is set.
func Logf(format string, args ...interface{}) {
	if !Verbose {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

// Warnf always writes a warning line to stderr, regardless of Verbose.
// Used for non-fatal load-time problems spec.md calls out as "logged and
// left as zero" or similar (unresolved imports, skipped relocation types).
func Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
