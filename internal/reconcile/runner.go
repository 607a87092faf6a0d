package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rsclarke/vpnstate/internal/fetch"
	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/parse"
)

var (
	// ErrPassInFlight is returned when a pass for the same server is
	// already running. The new pass is skipped.
	ErrPassInFlight = errors.New("reconciliation pass already in flight")
	// ErrFetchFailed means no usable status was fetched. The sessions of
	// that server and protocol were left untouched.
	ErrFetchFailed = errors.New("status fetch failed")
)

// Fetcher retrieves raw status text.
type Fetcher interface {
	OpenVPN(ctx context.Context, server *models.Server) fetch.Result
	WireGuard(ctx context.Context, server *models.Server) (fetch.Result, error)
}

// Store applies a planned pass atomically.
type Store interface {
	ApplyPass(ctx context.Context, serverID int64, protocol models.Protocol, plan func(existing []models.Session) ([]models.Session, error)) ([]models.Session, error)
	ActiveSessions(ctx context.Context, serverID int64) ([]models.Session, error)
}

// Publisher receives the active session list after a pass.
type Publisher interface {
	Publish(ctx context.Context, serverID int64, timestamp time.Time, sessions []models.Session) error
}

// Outcome summarises one protocol pass on one server.
type Outcome struct {
	PassID       string
	ServerID     int64
	Protocol     models.Protocol
	Source       string
	Skipped      bool
	Records      int
	SkippedLines int
	Opened       int
	Reopened     int
	Updated      int
	Closed       int
	Active       int
	Duration     time.Duration
}

// Runner executes fetch, parse, reconcile and publish for servers.
type Runner struct {
	pc      PassContext
	fetcher Fetcher
	store   Store
	sink    Publisher

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewRunner creates a Runner. sink may be nil.
func NewRunner(pc PassContext, fetcher Fetcher, store Store, sink Publisher) *Runner {
	if pc.Logger == nil {
		pc.Logger = zap.NewNop()
	}
	return &Runner{
		pc:       pc,
		fetcher:  fetcher,
		store:    store,
		sink:     sink,
		inFlight: make(map[int64]struct{}),
	}
}

func (r *Runner) acquire(serverID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[serverID]; busy {
		return false
	}
	r.inFlight[serverID] = struct{}{}
	return true
}

func (r *Runner) release(serverID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, serverID)
}

// Reconcile runs one pass per protocol the server supports, then publishes
// the server's active sessions if any pass was applied. Protocol failures
// are returned joined; the other protocol still runs.
func (r *Runner) Reconcile(ctx context.Context, server *models.Server) ([]Outcome, error) {
	if !r.acquire(server.ID) {
		return nil, fmt.Errorf("server %q: %w", server.Name, ErrPassInFlight)
	}
	defer r.release(server.ID)

	passID := uuid.NewString()
	log := r.pc.Logger.With(logging.PassID(passID), logging.ServerID(server.ID), logging.Server(server.Name))

	var (
		outcomes []Outcome
		errs     error
		applied  bool
	)
	for _, protocol := range server.Protocols() {
		start := time.Now()
		out, err := r.pass(ctx, server, protocol, log)
		out.PassID = passID
		out.Duration = time.Since(start)
		outcomes = append(outcomes, out)

		plog := log.With(logging.Protocol(protocol), logging.Source(out.Source))
		switch {
		case err != nil:
			plog.Warn("reconciliation pass failed", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("server %q %s: %w", server.Name, protocol, err))
		case out.Skipped:
			plog.Info("reconciliation pass skipped")
		default:
			applied = true
			plog.Info("reconciliation pass applied",
				zap.Int("records", out.Records),
				zap.Int("skipped_lines", out.SkippedLines),
				zap.Int("opened", out.Opened),
				zap.Int("reopened", out.Reopened),
				zap.Int("updated", out.Updated),
				zap.Int("closed", out.Closed),
				zap.Int("active", out.Active),
				zap.Duration("duration", out.Duration))
		}
	}

	if applied && r.sink != nil {
		r.publish(ctx, server, log)
	}
	return outcomes, errs
}

func (r *Runner) publish(ctx context.Context, server *models.Server, log *zap.Logger) {
	active, err := r.store.ActiveSessions(ctx, server.ID)
	if err != nil {
		log.Warn("load active sessions for publish", zap.Error(err))
		return
	}
	if err := r.sink.Publish(ctx, server.ID, r.pc.now(), active); err != nil {
		log.Warn("publish snapshot failed", zap.Error(err), zap.Int("sessions", len(active)))
	}
}

func (r *Runner) pass(ctx context.Context, server *models.Server, protocol models.Protocol, log *zap.Logger) (Outcome, error) {
	out := Outcome{ServerID: server.ID, Protocol: protocol}

	var (
		records []parse.Record
		stats   parse.Stats
		now     time.Time
	)
	switch protocol {
	case models.ProtocolOpenVPN:
		res := r.fetcher.OpenVPN(ctx, server)
		out.Source = res.Source
		if res.Failed() {
			out.Skipped = true
			return out, fmt.Errorf("%w: %s", ErrFetchFailed, res.Source)
		}
		now = r.pc.now()
		records, stats = parse.OpenVPN(res.Raw, now)
	case models.ProtocolWireGuard:
		res, err := r.fetcher.WireGuard(ctx, server)
		out.Source = res.Source
		if err != nil {
			out.Skipped = true
			return out, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		if res.Skipped {
			out.Skipped = true
			return out, nil
		}
		now = r.pc.now()
		records, stats = parse.WireGuard(res.Raw)
	default:
		return out, fmt.Errorf("unknown protocol %q", protocol)
	}

	out.Records = stats.Records
	out.SkippedLines = stats.Skipped
	if stats.Skipped > 0 {
		log.Warn("skipped malformed status lines", logging.Protocol(protocol), zap.Int("skipped_lines", stats.Skipped))
	}

	observed := r.resolve(ctx, protocol, records, log)

	var plan Plan
	active, err := r.store.ApplyPass(ctx, server.ID, protocol, func(existing []models.Session) ([]models.Session, error) {
		plan = BuildPlan(now, r.pc.staleness(), server.ID, protocol, observed, existing)
		return plan.Writes, nil
	})
	if err != nil {
		return out, fmt.Errorf("apply pass: %w", err)
	}

	for _, e := range plan.Events {
		if e.Kind != EventUpdated {
			log.Debug("session "+string(e.Kind), logging.Protocol(protocol), logging.SessionKey(e.SessionKey), logging.Identity(e.IdentityKey))
		}
	}

	out.Opened = plan.Count(EventOpened)
	out.Reopened = plan.Count(EventReopened)
	out.Updated = plan.Count(EventUpdated)
	out.Closed = plan.Count(EventClosed)
	out.Active = len(active)
	return out, nil
}

// resolve looks up user IDs. A lookup error leaves the session unowned
// rather than failing the pass.
func (r *Runner) resolve(ctx context.Context, protocol models.Protocol, records []parse.Record, log *zap.Logger) []Observation {
	observed := make([]Observation, len(records))
	for i, rec := range records {
		observed[i] = Observation{Record: rec}
		if r.pc.Users == nil {
			continue
		}
		var (
			id  *int64
			err error
		)
		if protocol == models.ProtocolWireGuard {
			id, err = r.pc.Users.ResolvePublicKey(ctx, rec.IdentityKey)
		} else {
			id, err = r.pc.Users.ResolveUsername(ctx, rec.IdentityKey)
		}
		if err != nil {
			log.Warn("resolve user", logging.Identity(rec.IdentityKey), zap.Error(err))
			continue
		}
		observed[i].UserID = id
	}
	return observed
}

// Sweep reconciles servers concurrently, at most limit at a time. A server
// whose previous pass is still running is skipped. Failures of individual
// servers never stop the others and are returned combined.
func (r *Runner) Sweep(ctx context.Context, servers []models.Server, limit int) error {
	if limit <= 0 {
		limit = 1
	}

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	g.SetLimit(limit)

	for i := range servers {
		server := &servers[i]
		g.Go(func() error {
			_, err := r.Reconcile(ctx, server)
			if errors.Is(err, ErrPassInFlight) {
				r.pc.Logger.Debug("pass still in flight, skipping", logging.Server(server.Name))
				return nil
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}
