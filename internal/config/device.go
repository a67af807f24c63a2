package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftsync/engine/internal/idgen"
)

type deviceFile struct {
	DeviceID string `json:"device_id"`
}

func deviceFilePath(dataDir string) string {
	return filepath.Join(dataDir, "device.json")
}

// LoadOrCreateDeviceID returns the device's persistent identity,
// generating and saving a fresh one on first run.
func LoadOrCreateDeviceID(dataDir string) (string, error) {
	data, err := os.ReadFile(deviceFilePath(dataDir))
	switch {
	case err == nil:
		var f deviceFile
		if err := json.Unmarshal(data, &f); err != nil {
			return "", fmt.Errorf("config: parse device.json: %w", err)
		}
		if f.DeviceID != "" {
			return f.DeviceID, nil
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("config: read device.json: %w", err)
	}

	id, err := idgen.DeviceID()
	if err != nil {
		return "", fmt.Errorf("config: generate device id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("config: create data dir: %w", err)
	}
	data, err = json.MarshalIndent(deviceFile{DeviceID: id}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: marshal device.json: %w", err)
	}
	if err := os.WriteFile(deviceFilePath(dataDir), data, 0o644); err != nil {
		return "", fmt.Errorf("config: write device.json: %w", err)
	}
	return id, nil
}

// Load builds the complete daemon Config: process flags/env/file,
// persisted device identity, and resolved sync knobs from the data
// directory — the single entrypoint cmd/driftsyncd calls at startup.
func Load(cmd *cobra.Command) (*Config, error) {
	proc, err := LoadProcess(cmd)
	if err != nil {
		return nil, err
	}

	deviceID, err := LoadOrCreateDeviceID(proc.DataDir)
	if err != nil {
		return nil, err
	}

	knobs, err := LoadSyncKnobs(proc.DataDir)
	if err != nil {
		return nil, err
	}
	resolved := knobs.Resolve()
	if resolved.ServerURL == "" {
		resolved.ServerURL = "http://localhost:8080"
	}

	return &Config{Process: *proc, Sync: resolved, DeviceID: deviceID}, nil
}
