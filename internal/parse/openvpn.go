package parse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// clientLayout holds the column index of each CLIENT_LIST field; -1 means
// the column is absent.
type clientLayout struct {
	commonName int
	realAddr   int
	virtAddr   int
	bytesIn    int
	bytesOut   int
	since      int
	sinceEpoch int
	username   int
}

func (l clientLayout) minFields() int {
	m := l.commonName
	for _, i := range []int{l.realAddr, l.bytesIn, l.bytesOut} {
		if i > m {
			m = i
		}
	}
	return m + 1
}

// shortLayout is CLIENT_LIST, name, real, virtual, bytes in, bytes out, since.
var shortLayout = clientLayout{
	commonName: 1, realAddr: 2, virtAddr: 3, bytesIn: 4, bytesOut: 5,
	since: 6, sinceEpoch: -1, username: -1,
}

// daemonLayout is what OpenVPN 2.4+ emits for status 2 and 3.
var daemonLayout = clientLayout{
	commonName: 1, realAddr: 2, virtAddr: 3, bytesIn: 5, bytesOut: 6,
	since: 7, sinceEpoch: 8, username: 9,
}

// v1Layout is the comma separated "OpenVPN CLIENT LIST" block, which has no
// leading tag and no virtual address.
var v1Layout = clientLayout{
	commonName: 0, realAddr: 1, virtAddr: -1, bytesIn: 2, bytesOut: 3,
	since: 4, sinceEpoch: -1, username: -1,
}

var headerColumns = map[string]func(*clientLayout, int){
	"common name":              func(l *clientLayout, i int) { l.commonName = i },
	"real address":             func(l *clientLayout, i int) { l.realAddr = i },
	"virtual address":          func(l *clientLayout, i int) { l.virtAddr = i },
	"bytes received":           func(l *clientLayout, i int) { l.bytesIn = i },
	"bytes sent":               func(l *clientLayout, i int) { l.bytesOut = i },
	"connected since":          func(l *clientLayout, i int) { l.since = i },
	"connected since (time_t)": func(l *clientLayout, i int) { l.sinceEpoch = i },
	"username":                 func(l *clientLayout, i int) { l.username = i },
}

// layoutFromHeader builds a layout from "HEADER CLIENT_LIST <columns...>".
// Column n of the header is field n+1 of a CLIENT_LIST line.
func layoutFromHeader(fields []string) (clientLayout, bool) {
	l := clientLayout{-1, -1, -1, -1, -1, -1, -1, -1}
	for i, name := range fields[2:] {
		if set, ok := headerColumns[strings.ToLower(strings.TrimSpace(name))]; ok {
			set(&l, i+1)
		}
	}
	if l.commonName < 0 || l.realAddr < 0 || l.bytesIn < 0 || l.bytesOut < 0 {
		return clientLayout{}, false
	}
	return l, true
}

func inferLayout(fields []string) clientLayout {
	if len(fields) >= 7 && isInt(fields[4]) && isInt(fields[5]) {
		return shortLayout
	}
	return daemonLayout
}

// OpenVPN parses management "status 3" output. Status files written with
// status-version 1 or 2 are accepted too. Malformed client lines are
// skipped and counted; they never fail the parse.
func OpenVPN(raw string, now time.Time) ([]Record, Stats) {
	var (
		records  []Record
		stats    Stats
		header   *clientLayout
		inV1List bool
	)

	for _, line := range splitLines(raw) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		stats.Lines++

		fields := splitFields(line)
		tag := strings.TrimSpace(fields[0])

		switch {
		case tag == "HEADER" && len(fields) > 2 && strings.TrimSpace(fields[1]) == "CLIENT_LIST":
			if l, ok := layoutFromHeader(fields); ok {
				header = &l
			}
			continue
		case tag == "CLIENT_LIST":
			layout := inferLayout(fields)
			if header != nil {
				layout = *header
			}
			rec, err := openVPNRecord(fields, layout, now)
			if err != nil {
				stats.Skipped++
				continue
			}
			records = append(records, rec)
			continue
		case tag == "Common Name" && len(fields) >= 5:
			inV1List = true
			continue
		case tag == "ROUTING TABLE" || tag == "GLOBAL STATS" || tag == "END":
			inV1List = false
			continue
		}

		if inV1List {
			rec, err := openVPNRecord(fields, v1Layout, now)
			if err != nil {
				stats.Skipped++
				continue
			}
			records = append(records, rec)
		}
	}

	stats.Records = len(records)
	return records, stats
}

func openVPNRecord(fields []string, l clientLayout, now time.Time) (Record, error) {
	if len(fields) < l.minFields() {
		return Record{}, fmt.Errorf("client line has %d fields, want at least %d", len(fields), l.minFields())
	}

	identity := strings.TrimSpace(fields[l.commonName])
	if user := field(fields, l.username); user != "" && user != "UNDEF" {
		identity = user
	}
	if identity == "" {
		return Record{}, fmt.Errorf("client line has no identity")
	}

	bytesIn, err := strconv.ParseInt(strings.TrimSpace(fields[l.bytesIn]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bytes received: %w", err)
	}
	bytesOut, err := strconv.ParseInt(strings.TrimSpace(fields[l.bytesOut]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("bytes sent: %w", err)
	}

	realAddr := stripProtoPrefix(strings.TrimSpace(fields[l.realAddr]))
	host, _ := SplitHostPort(realAddr)

	since, known := parseConnectedSince(field(fields, l.sinceEpoch), field(fields, l.since))
	if !known {
		since = now
	}

	key := "ovpn:" + identity + "@" + realAddr
	if known {
		key += "#" + strconv.FormatInt(since.Unix(), 10)
	}

	seen := now
	return Record{
		IdentityKey:         identity,
		SessionKey:          key,
		ClientAddress:       host,
		VirtualAddress:      nullable(field(fields, l.virtAddr)),
		BytesIn:             bytesIn,
		BytesOut:            bytesOut,
		SeenAt:              &seen,
		ConnectedSince:      since,
		ConnectedSinceKnown: known,
	}, nil
}

var sinceLayouts = []string{
	"Mon Jan 2 15:04:05 2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// parseConnectedSince prefers the epoch column, then free text in any of
// the layouts OpenVPN versions have used. Text may itself be epoch seconds.
func parseConnectedSince(epoch, text string) (time.Time, bool) {
	if n, err := strconv.ParseInt(epoch, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC(), true
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC(), true
	}
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, text, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// splitFields splits on tabs, falling back to commas for status-version 1
// and 2 files.
func splitFields(line string) []string {
	if strings.Contains(line, "\t") {
		return strings.Split(line, "\t")
	}
	return strings.Split(line, ",")
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[i])
}

func isInt(s string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil
}
