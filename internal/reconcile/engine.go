// Package reconcile turns parsed status snapshots into session table
// updates and drives passes across a fleet of servers.
package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/parse"
)

// DefaultStaleness is how long an unrefreshed session is presumed alive.
const DefaultStaleness = 180 * time.Second

// UserResolver maps VPN identities to user IDs. Unknown identities resolve
// to nil without error.
type UserResolver interface {
	ResolveUsername(ctx context.Context, username string) (*int64, error)
	ResolvePublicKey(ctx context.Context, key string) (*int64, error)
}

// PassContext carries everything a pass needs besides its inputs.
type PassContext struct {
	Staleness time.Duration
	Now       func() time.Time
	Users     UserResolver
	Logger    *zap.Logger
}

func (pc PassContext) now() time.Time {
	if pc.Now == nil {
		return time.Now().UTC()
	}
	return pc.Now().UTC()
}

func (pc PassContext) staleness() time.Duration {
	if pc.Staleness <= 0 {
		return DefaultStaleness
	}
	return pc.Staleness
}

// Observation is a parsed record with its user already resolved.
type Observation struct {
	parse.Record
	UserID *int64
}

// EventKind classifies what a pass did to one session.
type EventKind string

// Event kinds.
const (
	EventOpened   EventKind = "opened"
	EventReopened EventKind = "reopened"
	EventUpdated  EventKind = "updated"
	EventClosed   EventKind = "closed"
)

// Event records one transition.
type Event struct {
	Kind        EventKind
	SessionKey  string
	IdentityKey string
}

// Plan is the set of rows a pass writes and why.
type Plan struct {
	Writes []models.Session
	Events []Event
}

// Count returns how many events of kind k the plan holds.
func (p Plan) Count(k EventKind) int {
	n := 0
	for _, e := range p.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// BuildPlan computes the writes for one (server, protocol) pass.
//
// Every observed session is touched. A touched session whose record is live
// is upserted as active; one whose record is not live (a WireGuard peer
// with no recent handshake) closes an active row and is otherwise ignored.
// Active rows that were not touched are closed only once their last
// sighting is older than the staleness window. Touched rows are never swept.
//
// LastSeenAt holds the time of the last pass that found the session live,
// never the record's own SeenAt.
func BuildPlan(now time.Time, staleness time.Duration, serverID int64, protocol models.Protocol, observed []Observation, existing []models.Session) Plan {
	byKey := make(map[string]models.Session, len(existing))
	for _, s := range existing {
		byKey[s.SessionKey] = s
	}

	// Later duplicates of a key replace earlier ones.
	order := make([]string, 0, len(observed))
	touched := make(map[string]Observation, len(observed))
	for _, o := range observed {
		if _, dup := touched[o.SessionKey]; !dup {
			order = append(order, o.SessionKey)
		}
		touched[o.SessionKey] = o
	}

	var plan Plan
	for _, key := range order {
		o := touched[key]
		e, found := byKey[key]
		var prev *models.Session
		if found {
			prev = &e
		}
		if s, kind, ok := transition(now, staleness, serverID, protocol, o, prev); ok {
			plan.Writes = append(plan.Writes, s)
			plan.Events = append(plan.Events, Event{Kind: kind, SessionKey: key, IdentityKey: o.IdentityKey})
		}
	}

	for _, e := range existing {
		if !e.Connected {
			continue
		}
		if _, ok := touched[e.SessionKey]; ok {
			continue
		}
		if !stale(e.LastSeenAt, now, staleness) {
			continue
		}
		plan.Writes = append(plan.Writes, closeSession(e, now))
		plan.Events = append(plan.Events, Event{Kind: EventClosed, SessionKey: e.SessionKey, IdentityKey: e.IdentityKey})
	}

	return plan
}

func transition(now time.Time, staleness time.Duration, serverID int64, protocol models.Protocol, o Observation, e *models.Session) (models.Session, EventKind, bool) {
	if !live(o.Record, now, staleness) {
		if e == nil || !e.Connected {
			return models.Session{}, "", false
		}
		return closeSession(refresh(*e, o, now), now), EventClosed, true
	}

	var s models.Session
	var kind EventKind
	switch {
	case e == nil:
		s = models.Session{ServerID: serverID, SessionKey: o.SessionKey, Protocol: protocol}
		s.ConnectedAt = startTime(o.Record, now)
		kind = EventOpened
	case !e.Connected:
		s = *e
		s.ConnectedAt = now.Unix()
		kind = EventReopened
	case stale(e.LastSeenAt, now, staleness):
		s = *e
		s.ConnectedAt = now.Unix()
		kind = EventReopened
	default:
		s = *e
		kind = EventUpdated
	}

	s = refresh(s, o, now)
	seen := now.Unix()
	s.LastSeenAt = &seen
	s.Connected = true
	s.DisconnectedAt = nil
	s.SessionDuration = nil
	return s, kind, true
}

// refresh copies the transient fields of o onto s.
func refresh(s models.Session, o Observation, now time.Time) models.Session {
	s.IdentityKey = o.IdentityKey
	s.UserID = o.UserID
	s.ClientAddress = optional(o.ClientAddress)
	s.VirtualAddress = optional(o.VirtualAddress)
	s.BytesIn = o.BytesIn
	s.BytesOut = o.BytesOut
	s.UpdatedAt = now.Unix()
	return s
}

func closeSession(s models.Session, now time.Time) models.Session {
	at := now.Unix()
	duration := at - s.ConnectedAt
	if duration < 0 {
		duration = 0
	}
	s.Connected = false
	s.DisconnectedAt = &at
	s.SessionDuration = &duration
	s.UpdatedAt = at
	return s
}

// live reports whether a record proves the session is up right now.
func live(r parse.Record, now time.Time, staleness time.Duration) bool {
	return r.SeenAt != nil && now.Sub(*r.SeenAt) <= staleness
}

func stale(lastSeen *int64, now time.Time, staleness time.Duration) bool {
	if lastSeen == nil {
		return true
	}
	return now.Sub(time.Unix(*lastSeen, 0)) > staleness
}

// startTime trusts a parsed connect time unless it lies in the future.
func startTime(r parse.Record, now time.Time) int64 {
	if r.ConnectedSinceKnown && !r.ConnectedSince.After(now) {
		return r.ConnectedSince.Unix()
	}
	return now.Unix()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
