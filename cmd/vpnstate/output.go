package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rsclarke/vpnstate/internal/api"
	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/parse"
	"github.com/rsclarke/vpnstate/internal/reconcile"
)

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cols ...any) {
	vals := make([]string, len(cols))
	for i, c := range cols {
		vals[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(tw, strings.Join(vals, "\t"))
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printOutcomes(w io.Writer, name string, outcomes []reconcile.Outcome) {
	if len(outcomes) == 0 {
		return
	}
	tw := newTable(w, "SERVER", "PROTOCOL", "SOURCE", "RECORDS", "OPENED", "REOPENED", "UPDATED", "CLOSED", "ACTIVE", "TOOK", "PASS")
	for _, o := range outcomes {
		source := o.Source
		if o.Skipped {
			source += " (skipped)"
		}
		row(tw, name, o.Protocol, source, o.Records, o.Opened, o.Reopened, o.Updated, o.Closed, o.Active,
			o.Duration.Round(time.Millisecond), o.PassID)
	}
	_ = tw.Flush()
}

func printServers(w io.Writer, servers []models.Server, active map[int64]int) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No servers found.")
		return
	}
	tw := newTable(w, "ID", "NAME", "ADDRESS", "PROTOCOLS", "DEPLOYED", "ACTIVE", "ADDED")
	for _, s := range servers {
		var protos []string
		for _, p := range s.Protocols() {
			protos = append(protos, string(p))
		}
		if len(protos) == 0 {
			protos = []string{"-"}
		}
		row(tw, s.ID, s.Name, s.Address, strings.Join(protos, ","), s.Deployed, active[s.ID],
			humanize.Time(time.Unix(s.CreatedAt, 0)))
	}
	_ = tw.Flush()
}

func printSessions(w io.Writer, sessions []api.SessionRecord) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	tw := newTable(w, "SERVER", "PROTOCOL", "IDENTITY", "CLIENT", "VIRTUAL", "IN", "OUT", "CONNECTED", "LAST SEEN", "STATE")
	for _, s := range sessions {
		state := "connected"
		if !s.Connected {
			state = "closed"
			if s.SessionDuration != nil {
				state += " after " + (time.Duration(*s.SessionDuration) * time.Second).String()
			}
		}
		row(tw, s.ServerID, s.Protocol, shorten(s.IdentityKey, 24), orDash(s.ClientAddress), orDash(s.VirtualAddress),
			humanize.Bytes(uint64(max(s.BytesIn, 0))), humanize.Bytes(uint64(max(s.BytesOut, 0))),
			ago(&s.ConnectedAt), ago(s.LastSeenAt), state)
	}
	_ = tw.Flush()
}

func printRecords(w io.Writer, records []parse.Record, stats parse.Stats) {
	tw := newTable(w, "SESSION KEY", "IDENTITY", "CLIENT", "VIRTUAL", "IN", "OUT", "SINCE", "SEEN")
	for _, r := range records {
		since := "-"
		if r.ConnectedSinceKnown {
			since = r.ConnectedSince.UTC().Format(time.RFC3339)
		}
		seen := "never"
		if r.SeenAt != nil {
			seen = humanize.Time(*r.SeenAt)
		}
		row(tw, shorten(r.SessionKey, 40), shorten(r.IdentityKey, 24), dash(r.ClientAddress), dash(r.VirtualAddress),
			humanize.Bytes(uint64(max(r.BytesIn, 0))), humanize.Bytes(uint64(max(r.BytesOut, 0))), since, seen)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d records, %d lines, %d skipped\n", stats.Records, stats.Lines, stats.Skipped)
}

func ago(rfc3339 *string) string {
	if rfc3339 == nil {
		return "-"
	}
	t, err := time.Parse(time.RFC3339, *rfc3339)
	if err != nil {
		return *rfc3339
	}
	return humanize.Time(t)
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return dash(*s)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
