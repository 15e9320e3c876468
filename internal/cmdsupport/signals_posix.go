//go:build !windows

package cmdsupport

import (
	"os"
	"syscall"
)

// TerminationSignals are the signals kestrelwatch treats as a request to
// stop watching and exit cleanly.
var TerminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}
