// Package sink publishes active session snapshots after each pass.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/vpnstate/internal/api"
	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/models"
)

// Sink receives the active sessions of a server. Publishing is best
// effort; callers log errors and carry on.
type Sink interface {
	Publish(ctx context.Context, serverID int64, timestamp time.Time, sessions []models.Session) error
}

// HTTPSink posts snapshots to the panel at
// <BaseURL>/api/vpn/servers/{id}/sessions.
type HTTPSink struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPSink creates an HTTPSink whose requests time out after timeout.
func NewHTTPSink(baseURL, token string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSink{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Publish implements Sink.
func (s *HTTPSink) Publish(ctx context.Context, serverID int64, timestamp time.Time, sessions []models.Session) error {
	body, err := json.Marshal(api.SnapshotRequest{
		ServerID:  serverID,
		Timestamp: timestamp.UTC().Format(time.RFC3339),
		Sessions:  api.NewSessionRecords(sessions),
	})
	if err != nil {
		return err
	}

	url := s.BaseURL + "/api/vpn/servers/" + strconv.FormatInt(serverID, 10) + "/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post snapshot: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post snapshot: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// LogSink writes a one-line summary per snapshot.
type LogSink struct {
	Logger *zap.Logger
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, serverID int64, timestamp time.Time, sessions []models.Session) error {
	var in, out int64
	for _, sess := range sessions {
		in += sess.BytesIn
		out += sess.BytesOut
	}
	s.Logger.Info("snapshot",
		logging.ServerID(serverID),
		zap.Time("timestamp", timestamp),
		zap.Int("sessions", len(sessions)),
		zap.Int64("bytes_in", in),
		zap.Int64("bytes_out", out))
	return nil
}

// Fanout publishes to every sink in order. A failing sink does not stop
// the others; their errors are combined.
type Fanout []Sink

// Publish implements Sink.
func (f Fanout) Publish(ctx context.Context, serverID int64, timestamp time.Time, sessions []models.Session) error {
	var err error
	for _, s := range f {
		err = multierr.Append(err, s.Publish(ctx, serverID, timestamp, sessions))
	}
	return err
}
