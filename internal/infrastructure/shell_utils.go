package infrastructure

import "github.com/alessio/shellescape"

// ShellEscapeCommand renders binary and args as a copy-pasteable shell
// command line. It is used for logging only; exec.Command needs no quoting.
func ShellEscapeCommand(binary string, args ...string) string {
	return shellescape.QuoteCommand(append([]string{binary}, args...))
}
