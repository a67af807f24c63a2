// Package netclient implements the Network Client: the sync engine's
// only external-boundary component. It pushes and pulls changes over
// REST, reports conflicts as fire-and-forget telemetry, and maintains a
// long-lived push channel for server-initiated "there may be new
// changes" notices.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/engine/internal/changelog"
)

// Sentinel errors returned by REST calls, so callers can branch on
// auth failures without parsing response bodies.
var (
	ErrUnauthorized = errors.New("netclient: unauthorized")
	ErrForbidden    = errors.New("netclient: forbidden")
	ErrNotFound     = errors.New("netclient: not found")
)

// WireChange is the over-the-wire shape for a single change, shared by
// the upload and download bodies.
type WireChange struct {
	ChangeID  int64                   `json:"change_id,omitempty"`
	TableName string                  `json:"table_name"`
	RecordID  string                  `json:"record_id"`
	Operation changelog.Operation     `json:"operation"`
	Timestamp int64                   `json:"timestamp"`
	Version   int64                   `json:"version"`
	Data      changelog.ChangePayload `json:"data"`
}

// PushNotification is emitted on the push channel whenever the server
// signals new changes may be available.
type PushNotification struct {
	SourceDeviceID string `json:"source_device_id"`
	ChangeCount    int    `json:"change_count"`
	Timestamp      int64  `json:"timestamp"`
}

// DownloadResult is the decoded download response.
type DownloadResult struct {
	Changes       []WireChange
	Timestamp     int64
	SyncSessionID string
}

// Client is the Network Client. Safe for concurrent use once Setup has
// run.
type Client struct {
	httpc   *http.Client
	baseURL string

	mu        sync.RWMutex
	projectID string
	deviceID  string
	userID    string
	authToken string

	pushMu     sync.Mutex
	pushCancel context.CancelFunc
	lastSeen   int64
}

// New creates a Client bound to baseURL, reusing httpc if non-nil so
// tests can inject their own transport.
func New(baseURL string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpc: httpc, baseURL: baseURL}
}

// Setup installs the persistent identity headers used on every
// subsequent REST call.
func (c *Client) Setup(projectID, authToken, deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.projectID = projectID
	c.authToken = authToken
	c.deviceID = deviceID
}

// SetUserID adds x-user-id to the persistent header set.
func (c *Client) SetUserID(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

func (c *Client) headers() (projectID, deviceID, userID, authToken string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.projectID, c.deviceID, c.userID, c.authToken
}

func (c *Client) applyHeaders(req *http.Request) {
	projectID, deviceID, userID, authToken := c.headers()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-project-id", projectID)
	req.Header.Set("x-device-id", deviceID)
	if userID != "" {
		req.Header.Set("x-user-id", userID)
	}
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
}

// do issues a JSON request and decodes a JSON response into out (nil to
// discard the body), mapping auth status codes to sentinel errors.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("netclient: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("netclient: build request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("netclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("netclient: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("netclient: decode response: %w", err)
	}
	return nil
}

type uploadRequest struct {
	DeviceID       string       `json:"device_id"`
	UserID         string       `json:"user_id"`
	ChangeCount    int          `json:"change_count"`
	BatchTimestamp int64        `json:"batch_timestamp"`
	Changes        []WireChange `json:"changes"`
}

// UploadChanges transmits a batch and reports success. A transport or
// server error yields (false, err); the caller (Sync Worker) treats
// false as "do not mark this table uploaded, retry next cycle."
func (c *Client) UploadChanges(ctx context.Context, changes []WireChange) (bool, error) {
	_, deviceID, userID, _ := c.headers()
	req := uploadRequest{
		DeviceID:       deviceID,
		UserID:         userID,
		ChangeCount:    len(changes),
		BatchTimestamp: time.Now().UnixMilli(),
		Changes:        changes,
	}
	if err := c.do(ctx, http.MethodPost, "/sync/upload", req, nil); err != nil {
		return false, err
	}
	return true, nil
}

type downloadResponse struct {
	Count         int          `json:"count"`
	Timestamp     int64        `json:"timestamp"`
	SyncSessionID string       `json:"sync_session_id"`
	Changes       []WireChange `json:"changes"`
}

// DownloadChanges fetches everything the server has recorded since
// since (milliseconds since epoch).
func (c *Client) DownloadChanges(ctx context.Context, since int64) (DownloadResult, error) {
	var resp downloadResponse
	path := fmt.Sprintf("/sync/download?since=%d", since)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Changes: resp.Changes, Timestamp: resp.Timestamp, SyncSessionID: resp.SyncSessionID}, nil
}

type conflictReportBody struct {
	TableName          string `json:"tableName"`
	RecordID           string `json:"recordId"`
	ClientData         any    `json:"clientData"`
	ServerData         any    `json:"serverData"`
	ResolutionStrategy string `json:"resolutionStrategy"`
	ResolvedData       any    `json:"resolvedData"`
	Metadata           struct {
		DeviceID string `json:"deviceId"`
		UserID   string `json:"userId"`
	} `json:"metadata"`
}

// ReportConflict is fire-and-forget telemetry: failures are logged, not
// returned, so a conflict-reporting outage never blocks the sync path.
func (c *Client) ReportConflict(ctx context.Context, tableName, recordID, strategy string, clientData, serverData, resolvedData any, syncSessionID string) {
	_, deviceID, userID, _ := c.headers()
	body := conflictReportBody{
		TableName:          tableName,
		RecordID:           recordID,
		ClientData:         clientData,
		ServerData:         serverData,
		ResolutionStrategy: strategy,
		ResolvedData:       resolvedData,
	}
	body.Metadata.DeviceID = deviceID
	body.Metadata.UserID = userID

	path := fmt.Sprintf("/sync/conflict?syncSessionId=%s", syncSessionID)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		slog.Warn("netclient: conflict report failed", "table", tableName, "record", recordID, "err", err)
	}
}

// NewSyncSessionID generates a fresh session id for one sync cycle.
func NewSyncSessionID() string {
	return uuid.NewString()
}

// SnapshotResult is a bootstrap database snapshot: a new device can load
// it wholesale instead of pulling the server's entire history
// incrementally, then resume normal downloads from WatermarkTimestamp.
// GetSnapshot returns (nil, nil) when the server has nothing worth
// snapshotting yet.
type SnapshotResult struct {
	Data               []byte
	WatermarkTimestamp int64
}

// GetSnapshot downloads a bootstrap snapshot for fast new-device setup.
// A 404 is not an error: it means the server has no snapshot to offer,
// and the caller should fall back to an incremental download from
// since=0.
func (c *Client) GetSnapshot(ctx context.Context) (*SnapshotResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sync/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("netclient: build snapshot request: %w", err)
	}
	c.applyHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netclient: get snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case http.StatusForbidden:
		return nil, ErrForbidden
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("netclient: get snapshot: status %d: %s", resp.StatusCode, string(data))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("netclient: read snapshot: %w", err)
	}

	seqStr := resp.Header.Get("X-Snapshot-Timestamp")
	if seqStr == "" {
		return nil, fmt.Errorf("netclient: snapshot response missing X-Snapshot-Timestamp header")
	}
	ts, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("netclient: parse X-Snapshot-Timestamp %q: %w", seqStr, err)
	}

	return &SnapshotResult{Data: data, WatermarkTimestamp: ts}, nil
}
