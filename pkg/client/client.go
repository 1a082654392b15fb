// Package client is the Go SDK for a LakeSync gateway: it pushes a
// local store's pending deltas, pulls remote deltas past a cursor and
// applies them under column-level last-writer-wins.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/localdb"
)

// SyncStats summarises one sync cycle.
type SyncStats struct {
	Pushed   int
	Pulled   int
	Applied  int
	Duration time.Duration
}

// Syncer connects a local store to a gateway.
type Syncer struct {
	gatewayURL string
	token      string
	clientID   string
	store      *localdb.Store
	client     *http.Client

	cursor hlc.Timestamp
}

// NewSyncer creates a syncer. The token must be minted for this
// gateway's id with the shared secret.
func NewSyncer(gatewayURL, token, clientID string, store *localdb.Store) *Syncer {
	return &Syncer{
		gatewayURL: gatewayURL,
		token:      token,
		clientID:   clientID,
		store:      store,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Cursor returns the pull cursor (the server HLC seen on the last
// sync).
func (s *Syncer) Cursor() hlc.Timestamp {
	return s.cursor
}

// SetCursor restores a persisted cursor.
func (s *Syncer) SetCursor(cursor hlc.Timestamp) {
	s.cursor = cursor
}

// Ping checks connectivity to the gateway.
func (s *Syncer) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.gatewayURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Push sends every pending local delta and acknowledges the accepted
// ones.
func (s *Syncer) Push(ctx context.Context) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}

	pending, err := s.store.PendingDeltas(ctx)
	if err != nil {
		return stats, err
	}
	if len(pending) == 0 {
		stats.Duration = time.Since(start)
		return stats, nil
	}

	var resp gateway.PushResponse
	err = s.post(ctx, "/push", gateway.PushRequest{
		ClientID:    s.clientID,
		Deltas:      pending,
		LastSeenHLC: s.cursor,
	}, &resp)
	if err != nil {
		return stats, err
	}

	if err := s.store.AckDeltas(ctx, resp.AckedIDs); err != nil {
		return stats, err
	}
	if _, err := s.store.Clock().Update(resp.ServerHLC); err == nil {
		// Server time merged; local writes now order after it.
	}

	stats.Pushed = len(resp.AckedIDs)
	stats.Duration = time.Since(start)
	return stats, nil
}

// Pull fetches remote deltas past the cursor and applies them locally.
func (s *Syncer) Pull(ctx context.Context, maxDeltas int) (*SyncStats, error) {
	start := time.Now()
	stats := &SyncStats{}

	var resp gateway.PullResponse
	err := s.post(ctx, "/pull", gateway.PullRequest{
		ClientID:  s.clientID,
		SinceHLC:  s.cursor,
		MaxDeltas: maxDeltas,
	}, &resp)
	if err != nil {
		return stats, err
	}
	stats.Pulled = len(resp.Deltas)

	if len(resp.Deltas) > 0 {
		applied, err := s.store.ApplyRemoteDeltas(ctx, resp.Deltas)
		if err != nil {
			return stats, err
		}
		stats.Applied = applied
	}
	s.cursor = resp.ServerHLC

	stats.Duration = time.Since(start)
	return stats, nil
}

// Sync runs one push/pull round trip.
func (s *Syncer) Sync(ctx context.Context) (*SyncStats, error) {
	pushStats, err := s.Push(ctx)
	if err != nil {
		return pushStats, err
	}
	pullStats, err := s.Pull(ctx, 0)
	if err != nil {
		return pullStats, err
	}
	return &SyncStats{
		Pushed:   pushStats.Pushed,
		Pulled:   pullStats.Pulled,
		Applied:  pullStats.Applied,
		Duration: pushStats.Duration + pullStats.Duration,
	}, nil
}

func (s *Syncer) post(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.gatewayURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, payload)
	}
	return json.Unmarshal(payload, out)
}
