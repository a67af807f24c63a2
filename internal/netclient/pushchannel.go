package netclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const reconnectBackoff = 2 * time.Second

// ListenForRemoteChanges opens a long-lived streaming GET against
// /sync/push and delivers a PushNotification on the returned channel for
// every newline-delimited JSON object the server writes. The connection
// is re-established automatically on any read error, resubscribing with
// the last-seen notification's timestamp so the server can replay
// anything missed while disconnected. The returned cancel func stops the
// listener and closes the channel.
func (c *Client) ListenForRemoteChanges(ctx context.Context) (<-chan PushNotification, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan PushNotification, 16)

	c.pushMu.Lock()
	if c.pushCancel != nil {
		c.pushCancel()
	}
	c.pushCancel = cancel
	c.pushMu.Unlock()

	go c.runPushLoop(ctx, out)

	return out, cancel
}

func (c *Client) runPushLoop(ctx context.Context, out chan<- PushNotification) {
	defer close(out)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.streamOnce(ctx, out); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("netclient: push channel disconnected, reconnecting", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, out chan<- PushNotification) error {
	lastSeen := atomic.LoadInt64(&c.lastSeen)
	path := "/sync/push"
	if lastSeen > 0 {
		path += "?since=" + strconv.FormatInt(lastSeen, 10)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errStatus(resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var n PushNotification
		if err := json.Unmarshal(line, &n); err != nil {
			slog.Warn("netclient: malformed push notification, skipping", "err", err)
			continue
		}
		atomic.StoreInt64(&c.lastSeen, n.Timestamp)
		select {
		case out <- n:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// Disconnect tears down any active push channel without affecting REST
// calls.
func (c *Client) Disconnect() {
	c.pushMu.Lock()
	defer c.pushMu.Unlock()
	if c.pushCancel != nil {
		c.pushCancel()
		c.pushCancel = nil
	}
}

// Reconnect re-opens the push channel, optionally seeding the resume
// point from lastSyncedAt when the caller knows a more authoritative
// watermark than what the channel itself observed.
func (c *Client) Reconnect(ctx context.Context, lastSyncedAt int64) (<-chan PushNotification, context.CancelFunc) {
	if lastSyncedAt > 0 {
		atomic.StoreInt64(&c.lastSeen, lastSyncedAt)
	}
	return c.ListenForRemoteChanges(ctx)
}

type statusError int

func (e statusError) Error() string { return "netclient: push channel status " + strconv.Itoa(int(e)) }

func errStatus(code int) error { return statusError(code) }
