// Package remote runs commands on VPN servers, over SSH or on the local
// host.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rsclarke/vpnstate/internal/models"
)

// ErrExitStatus is wrapped by errors reporting a non-zero exit.
var ErrExitStatus = errors.New("command exited with non-zero status")

// LocalAddress marks a server that is the host vpnstate runs on.
const LocalAddress = "local"

// Result is the outcome of one command.
type Result struct {
	ExitStatus int
	Output     []string
	Stderr     string
}

// Text joins the output lines back together.
func (r Result) Text() string {
	return strings.Join(r.Output, "\n")
}

// Executor runs argv on a server. Timeouts come from ctx. A non-zero exit
// returns the Result together with an error wrapping ErrExitStatus.
type Executor interface {
	Execute(ctx context.Context, server *models.Server, argv []string) (Result, error)
}

// Router sends commands for local servers to Local and everything else to
// Remote.
type Router struct {
	Local  Executor
	Remote Executor
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, server *models.Server, argv []string) (Result, error) {
	if IsLocal(server) {
		if r.Local == nil {
			return Result{}, fmt.Errorf("no local executor for server %q", server.Name)
		}
		return r.Local.Execute(ctx, server, argv)
	}
	if r.Remote == nil {
		return Result{}, fmt.Errorf("no remote executor for server %q", server.Name)
	}
	return r.Remote.Execute(ctx, server, argv)
}

// IsLocal reports whether server refers to this host.
func IsLocal(server *models.Server) bool {
	switch strings.ToLower(strings.TrimSpace(server.Address)) {
	case LocalAddress, "localhost":
		return true
	}
	return false
}

// Quote joins argv into a POSIX shell command line, single-quoting every
// argument that needs it.
func Quote(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = quoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, c := range s {
		if !isSafe(c) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSafe(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./-_", c)
}

func splitOutput(out string) []string {
	out = strings.TrimRight(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func exitError(argv []string, code int) error {
	name := ""
	if len(argv) > 0 {
		name = argv[0]
	}
	return fmt.Errorf("%s: %w (%d)", name, ErrExitStatus, code)
}
