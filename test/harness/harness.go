package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/driftsync/engine/internal/merge"
)

// Harness owns a shared FakeServer and every Device created against it,
// providing multi-device convergence assertions on top of the
// individual Device/serverConn wiring.
type Harness struct {
	t      *testing.T
	Server *FakeServer

	devices []*Device
}

// New creates an empty harness backed by a fresh fake server.
func New(t *testing.T) *Harness {
	t.Helper()
	return &Harness{t: t, Server: NewFakeServer()}
}

// Device creates and registers a new simulated device using the
// harness's shared server.
func (h *Harness) Device(deviceID string, strategy merge.Strategy, resolver merge.Resolver) *Device {
	h.t.Helper()
	d := NewDevice(h.t, h.Server, deviceID, strategy, resolver)
	h.devices = append(h.devices, d)
	return d
}

// SyncAll drives one full sync round (upload then download) on every
// registered device, in registration order. Callers that need a
// specific interleaving (e.g. "A uploads before B downloads") should
// call Device.Sync directly instead.
func (h *Harness) SyncAll(ctx context.Context) {
	h.t.Helper()
	for _, d := range h.devices {
		d.Sync(ctx)
	}
}

// Converge runs SyncAll repeatedly until no device has further pending
// local or remote work, or rounds is exceeded — propagating a change
// from device A to device B to device C can take more than one round
// since each device only downloads what was on the server at sync
// time.
func (h *Harness) Converge(ctx context.Context, rounds int) {
	h.t.Helper()
	for i := 0; i < rounds; i++ {
		h.SyncAll(ctx)
	}
}

// AssertConverged fails the test unless every device agrees on the
// value of column for the row identified by globalID.
func (h *Harness) AssertConverged(table, globalID, column string, want any) {
	h.t.Helper()
	for _, d := range h.devices {
		got, err := d.Get(table, globalID, column)
		if err != nil {
			h.t.Fatalf("harness: %s: get %s.%s: %v", d.DeviceID, table, column, err)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			h.t.Fatalf("harness: %s: %s.%s = %v, want %v", d.DeviceID, table, column, got, want)
		}
	}
}

// AssertAllExist fails the test unless every device has a row with
// globalID in table.
func (h *Harness) AssertAllExist(table, globalID string) {
	h.t.Helper()
	for _, d := range h.devices {
		ok, err := d.Exists(table, globalID)
		if err != nil {
			h.t.Fatalf("harness: %s: exists %s: %v", d.DeviceID, table, err)
		}
		if !ok {
			h.t.Fatalf("harness: %s: expected %s/%s to exist after convergence", d.DeviceID, table, globalID)
		}
	}
}

// AssertNoneExist fails the test if any device still has a row with
// globalID in table (used after a converged delete).
func (h *Harness) AssertNoneExist(table, globalID string) {
	h.t.Helper()
	for _, d := range h.devices {
		ok, err := d.Exists(table, globalID)
		if err != nil {
			h.t.Fatalf("harness: %s: exists %s: %v", d.DeviceID, table, err)
		}
		if ok {
			h.t.Fatalf("harness: %s: expected %s/%s to be gone after convergence", d.DeviceID, table, globalID)
		}
	}
}
