// Package fetch retrieves raw OpenVPN and WireGuard status text from a
// server through a remote.Executor.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/remote"
	"github.com/rsclarke/vpnstate/internal/retry"
)

// Sources reported in Result.Source. A status file read reports
// "status_file:<path>".
const (
	SourceMgmt       = "mgmt"
	SourceMgmtCRLF   = "mgmt_crlf"
	SourceMgmtDevTCP = "mgmt_devtcp"
	SourceSSHFailed  = "ssh_failed"
	SourceNone       = "none"
	SourceWGDump     = "wg_dump"
	SourceWGAbsent   = "wg_absent"

	statusFilePrefix = "status_file:"
)

// ErrDumpFailed means the WireGuard interface exists but its dump could not
// be read. Reconciliation must not run on such a result.
var ErrDumpFailed = errors.New("wireguard dump failed")

// ErrUnreachable means the server could not be reached at all.
var ErrUnreachable = errors.New("server unreachable")

// DefaultStatusPaths are tried, after the server's own status path, when
// the management socket gives nothing usable.
var DefaultStatusPaths = []string{
	"/var/log/openvpn/status.log",
	"/var/log/openvpn-status.log",
	"/etc/openvpn/openvpn-status.log",
	"/run/openvpn-server/status-server.log",
	"/etc/openvpn/server/openvpn-status.log",
}

// Result is raw status text and where it came from.
type Result struct {
	Raw    string
	Source string
	// Skipped is set when the protocol is not running on the server and
	// the pass must not touch its sessions.
	Skipped bool
}

// Failed reports whether an OpenVPN fetch produced nothing usable.
func (r Result) Failed() bool {
	return r.Source == SourceSSHFailed || r.Source == SourceNone
}

// StatusFileSource names the source for a status file read.
func StatusFileSource(path string) string {
	return statusFilePrefix + path
}

// Config tunes the fetcher.
type Config struct {
	// Retry governs management socket queries. Attempt.Wait is the pause
	// between "status 3" and "quit"; Attempt.Timeout bounds each phrasing.
	Retry retry.Policy
	// ProbeTimeout bounds the reachability probe, interface check and
	// status file reads.
	ProbeTimeout time.Duration
	// DumpTimeout bounds "wg show dump".
	DumpTimeout time.Duration
	StatusPaths []string
	WGInterface string
}

// DefaultConfig waits 1s, 2s, 3s with timeouts of 5s, 10s, 15s.
func DefaultConfig() Config {
	return Config{
		Retry:        retry.Linear(3, time.Second, 5*time.Second),
		ProbeTimeout: 5 * time.Second,
		DumpTimeout:  15 * time.Second,
		StatusPaths:  DefaultStatusPaths,
		WGInterface:  "wg0",
	}
}

// Fetcher runs the fetch strategies for one server at a time. It is safe
// for concurrent use across servers.
type Fetcher struct {
	exec   remote.Executor
	cfg    Config
	logger *zap.Logger
}

// New creates a Fetcher.
func New(exec remote.Executor, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.DumpTimeout <= 0 {
		cfg.DumpTimeout = 15 * time.Second
	}
	if cfg.WGInterface == "" {
		cfg.WGInterface = "wg0"
	}
	return &Fetcher{exec: exec, cfg: cfg, logger: logger}
}

// run executes argv under timeout. A zero timeout leaves ctx as it is.
func (f *Fetcher) run(ctx context.Context, server *models.Server, timeout time.Duration, argv ...string) (remote.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return f.exec.Execute(ctx, server, argv)
}

// OpenVPN fetches status text. It never returns an error: failures are
// reported through Result.Source and an empty Raw.
func (f *Fetcher) OpenVPN(ctx context.Context, server *models.Server) Result {
	log := f.logger.With(logging.Server(server.Name), logging.Protocol(models.ProtocolOpenVPN))

	if _, err := f.run(ctx, server, f.cfg.ProbeTimeout, "true"); err != nil {
		log.Warn("transport probe failed", zap.Error(err))
		return Result{Source: SourceSSHFailed}
	}

	if res, ok := f.management(ctx, server, log); ok {
		return res
	}

	for _, path := range f.statusPaths(server) {
		out, err := f.run(ctx, server, f.cfg.ProbeTimeout, "cat", path)
		if err != nil {
			log.Debug("status file unreadable", zap.String("path", path), zap.Error(err))
			continue
		}
		if raw := out.Text(); strings.TrimSpace(raw) != "" {
			return Result{Raw: raw, Source: StatusFileSource(path)}
		}
	}

	log.Warn("no openvpn status source produced output")
	return Result{Source: SourceNone}
}

func (f *Fetcher) management(ctx context.Context, server *models.Server, log *zap.Logger) (Result, bool) {
	host := server.MgmtHost
	if host == "" {
		host = "127.0.0.1"
	}
	port := server.MgmtPort
	if port == 0 {
		port = 7505
	}

	// Each phrasing gets the full attempt timeout of its own.
	policy := f.cfg.Retry
	policy.PerCall = true
	return retry.Do(ctx, policy, func(ctx context.Context, a retry.Attempt) (Result, bool) {
		for _, q := range mgmtQueries {
			if ctx.Err() != nil {
				return Result{}, false
			}
			out, err := f.run(ctx, server, a.Timeout, q.argv(host, port, a)...)
			if err != nil {
				log.Debug("management query failed", zap.String("query", q.source), logging.Attempt(a.Number), zap.Error(err))
				continue
			}
			raw := out.Text()
			if Recognisable(raw) {
				return Result{Raw: raw, Source: q.source}, true
			}
			log.Debug("management output unrecognised", zap.String("query", q.source), logging.Attempt(a.Number))
		}
		return Result{}, false
	})
}

func (f *Fetcher) statusPaths(server *models.Server) []string {
	paths := make([]string, 0, len(f.cfg.StatusPaths)+1)
	seen := make(map[string]bool)
	for _, p := range append([]string{server.StatusPath}, f.cfg.StatusPaths...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

// Recognisable reports whether text looks like management interface
// output.
func Recognisable(raw string) bool {
	return strings.Contains(raw, "CLIENT_LIST") || strings.Contains(raw, ">INFO:OpenVPN Management Interface")
}

type mgmtQuery struct {
	source string
	argv   func(host string, port int, a retry.Attempt) []string
}

var mgmtQueries = []mgmtQuery{
	{SourceMgmt, func(host string, port int, a retry.Attempt) []string {
		return ncScript(host, port, a, `\n`)
	}},
	{SourceMgmtCRLF, func(host string, port int, a retry.Attempt) []string {
		return ncScript(host, port, a, `\r\n`)
	}},
	{SourceMgmtDevTCP, devTCPScript},
}

func ncScript(host string, port int, a retry.Attempt, eol string) []string {
	script := fmt.Sprintf("{ printf 'status 3%[4]s'; sleep %[3]s; printf 'quit%[4]s'; } | nc -w %[5]s %[1]s %[2]d",
		remote.Quote([]string{host}), port, seconds(a.Wait), eol, seconds(a.Timeout))
	return []string{"sh", "-c", script}
}

func devTCPScript(host string, port int, a retry.Attempt) []string {
	script := fmt.Sprintf("exec 3<>/dev/tcp/%[1]s/%[2]d && printf 'status 3\\n' >&3 && sleep %[3]s && printf 'quit\\n' >&3 && timeout %[4]s cat <&3",
		remote.Quote([]string{host}), port, seconds(a.Wait), seconds(a.Timeout))
	return []string{"bash", "-c", script}
}

func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

// WireGuard fetches the dump of the server's interface. An absent
// interface yields a skipped result and no error. A failing dump returns
// ErrDumpFailed.
func (f *Fetcher) WireGuard(ctx context.Context, server *models.Server) (Result, error) {
	iface := server.WGInterface
	if iface == "" {
		iface = f.cfg.WGInterface
	}
	log := f.logger.With(logging.Server(server.Name), logging.Protocol(models.ProtocolWireGuard), zap.String("iface", iface))

	if _, err := f.run(ctx, server, f.cfg.ProbeTimeout, "ip", "link", "show", iface); err != nil {
		if errors.Is(err, remote.ErrExitStatus) {
			log.Debug("wireguard interface absent")
			return Result{Source: SourceWGAbsent, Skipped: true}, nil
		}
		return Result{Source: SourceSSHFailed}, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	out, err := f.run(ctx, server, f.cfg.DumpTimeout, "wg", "show", iface, "dump")
	if err != nil {
		return Result{Source: SourceWGDump}, fmt.Errorf("%w: %w", ErrDumpFailed, err)
	}
	return Result{Raw: out.Text(), Source: SourceWGDump}, nil
}
