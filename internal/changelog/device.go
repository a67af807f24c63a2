package changelog

import (
	"database/sql"
	"fmt"
)

// EnsureDevice creates the device-state row if it doesn't already exist.
func EnsureDevice(q Queryer, deviceID string) error {
	_, err := q.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (device_id) VALUES (?)`, TableDeviceState), deviceID)
	if err != nil {
		return fmt.Errorf("changelog: ensure device: %w", err)
	}
	return nil
}

// GetDeviceState loads the watermark row for a device.
func GetDeviceState(q Queryer, deviceID string) (DeviceState, error) {
	var d DeviceState
	err := q.QueryRow(
		fmt.Sprintf(`SELECT device_id, last_upload_timestamp, last_download_timestamp, last_sync_status, last_cleanup_timestamp
			FROM %s WHERE device_id = ?`, TableDeviceState), deviceID,
	).Scan(&d.DeviceID, &d.LastUploadTimestamp, &d.LastDownloadTimestamp, &d.LastSyncStatus, &d.LastCleanupTimestamp)
	if err != nil {
		return DeviceState{}, fmt.Errorf("changelog: get device state: %w", err)
	}
	return d, nil
}

// SetLastUpload advances the upload watermark.
func SetLastUpload(q Queryer, deviceID string, ts int64) error {
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET last_upload_timestamp = ? WHERE device_id = ?`, TableDeviceState), ts, deviceID)
	return err
}

// SetLastDownload advances the download watermark. Callers must call
// this on every successful download cycle, including a zero-change
// result, so the watermark is monotonically non-decreasing.
func SetLastDownload(q Queryer, deviceID string, ts int64) error {
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET last_download_timestamp = ? WHERE device_id = ?`, TableDeviceState), ts, deviceID)
	return err
}

// SetLastSyncStatus records the outcome of the most recent sync attempt.
func SetLastSyncStatus(q Queryer, deviceID, status string) error {
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET last_sync_status = ? WHERE device_id = ?`, TableDeviceState), status, deviceID)
	return err
}

// SetLastCleanup records the last retention-pruning run, so the worker can
// enforce "at most once per 24h".
func SetLastCleanup(q Queryer, deviceID string, ts int64) error {
	_, err := q.Exec(fmt.Sprintf(`UPDATE %s SET last_cleanup_timestamp = ? WHERE device_id = ?`, TableDeviceState), ts, deviceID)
	return err
}

// GetPluginVersion returns the stored plugin version, or ("", 0, nil) if
// no reset has ever run.
func GetPluginVersion(q Queryer) (string, int64, error) {
	var version string
	var resetAt int64
	err := q.QueryRow(fmt.Sprintf(`SELECT version, last_reset_timestamp FROM %s WHERE key = 1`, TableVersion)).Scan(&version, &resetAt)
	if err == sql.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("changelog: get plugin version: %w", err)
	}
	return version, resetAt, nil
}

// SetPluginVersion stores the plugin version snapshot after a successful
// reset.
func SetPluginVersion(q Queryer, version string, resetAt int64) error {
	_, err := q.Exec(fmt.Sprintf(`INSERT INTO %s (key, version, last_reset_timestamp)
		VALUES (1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET version = excluded.version, last_reset_timestamp = excluded.last_reset_timestamp`,
		TableVersion), version, resetAt)
	if err != nil {
		return fmt.Errorf("changelog: set plugin version: %w", err)
	}
	return nil
}

// IsProcessed reports whether a remote change id has already been applied.
func IsProcessed(q Queryer, changeID string) (bool, error) {
	var dummy int
	err := q.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE change_id = ?`, TableProcessedChanges), changeID).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("changelog: is processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records a remote change id as applied. Must run in the
// same transaction as the data mutation it guards, so a crash mid-apply
// rolls back both together.
func MarkProcessed(q Queryer, changeID string) error {
	_, err := q.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (change_id) VALUES (?)`, TableProcessedChanges), changeID)
	if err != nil {
		return fmt.Errorf("changelog: mark processed: %w", err)
	}
	return nil
}

// IsTableBackfilled reports whether a user table's pre-existing rows have
// already been turned into synthetic INSERT log entries.
func IsTableBackfilled(q Queryer, table string) (bool, error) {
	var dummy int
	err := q.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE table_name = ?`, TableProcessedTables), table).Scan(&dummy)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("changelog: is table backfilled: %w", err)
	}
	return true, nil
}

// MarkTableBackfilled records that a table's back-fill pass has run.
func MarkTableBackfilled(q Queryer, table string) error {
	_, err := q.Exec(fmt.Sprintf(`INSERT OR IGNORE INTO %s (table_name) VALUES (?)`, TableProcessedTables), table)
	if err != nil {
		return fmt.Errorf("changelog: mark table backfilled: %w", err)
	}
	return nil
}
