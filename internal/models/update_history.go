// Copyright (c) 2025, the orbit contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type UpdateStatus string

const (
	UpdateStatusSuccess    UpdateStatus = "success"
	UpdateStatusFailed     UpdateStatus = "failed"
	UpdateStatusRolledBack UpdateStatus = "rolled_back"
)

// UpdateHistoryEntry is one terminal install or rollback outcome. Optional
// fields are pointers with explicit presence; they are never deleted after
// the fact.
type UpdateHistoryEntry struct {
	ID               int64        `json:"id"`
	Timestamp        time.Time    `json:"timestamp"`
	FromVersion      string       `json:"fromVersion"`
	ToVersion        string       `json:"toVersion"`
	Status           UpdateStatus `json:"status"`
	ErrorMessage     *string      `json:"errorMessage,omitempty"`
	BackupPath       *string      `json:"backupPath,omitempty"`
	DurationMS       *int64       `json:"durationMs,omitempty"`
	DownloadBytes    *int64       `json:"downloadBytes,omitempty"`
	ChecksumVerified *bool        `json:"checksumVerified,omitempty"`
}

// UpdateHistoryStore is the durable, size-bounded audit trail of update and
// rollback attempts. Entries are append-only; retention happens through
// ClearOldRecords.
type UpdateHistoryStore struct {
	db *sql.DB
}

func NewUpdateHistoryStore(db *sql.DB) *UpdateHistoryStore {
	return &UpdateHistoryStore{db: db}
}

func (s *UpdateHistoryStore) RecordUpdate(ctx context.Context, entry *UpdateHistoryEntry) error {
	if entry == nil {
		return errors.New("entry cannot be nil")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
        INSERT INTO update_history (
            timestamp, from_version, to_version, status,
            error_message, backup_path, duration_ms, download_bytes, checksum_verified
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    `

	result, err := s.db.ExecContext(ctx, query,
		entry.Timestamp,
		entry.FromVersion,
		entry.ToVersion,
		string(entry.Status),
		entry.ErrorMessage,
		entry.BackupPath,
		entry.DurationMS,
		entry.DownloadBytes,
		entry.ChecksumVerified,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id

	return nil
}

// GetHistory returns up to limit entries, newest first. A limit of zero or
// less returns everything.
func (s *UpdateHistoryStore) GetHistory(ctx context.Context, limit int) ([]*UpdateHistoryEntry, error) {
	query := `
        SELECT id, timestamp, from_version, to_version, status,
               error_message, backup_path, duration_ms, download_bytes, checksum_verified
        FROM update_history
        ORDER BY timestamp DESC, id DESC
    `
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// GetHistoryByVersion returns all entries targeting toVersion, newest first.
func (s *UpdateHistoryStore) GetHistoryByVersion(ctx context.Context, version string) ([]*UpdateHistoryEntry, error) {
	query := `
        SELECT id, timestamp, from_version, to_version, status,
               error_message, backup_path, duration_ms, download_bytes, checksum_verified
        FROM update_history
        WHERE to_version = ?
        ORDER BY timestamp DESC, id DESC
    `

	rows, err := s.db.QueryContext(ctx, query, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *UpdateHistoryStore) GetRecordCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_history`).Scan(&count)
	return count, err
}

// ClearOldRecords deletes everything but the newest keepCount entries.
func (s *UpdateHistoryStore) ClearOldRecords(ctx context.Context, keepCount int) error {
	if keepCount < 0 {
		keepCount = 0
	}

	_, err := s.db.ExecContext(ctx, `
        DELETE FROM update_history
        WHERE id NOT IN (
            SELECT id FROM update_history
            ORDER BY timestamp DESC, id DESC
            LIMIT ?
        )
    `, keepCount)
	return err
}

func scanEntries(rows *sql.Rows) ([]*UpdateHistoryEntry, error) {
	var entries []*UpdateHistoryEntry

	for rows.Next() {
		var (
			entry            UpdateHistoryEntry
			status           string
			errorMessage     sql.NullString
			backupPath       sql.NullString
			durationMS       sql.NullInt64
			downloadBytes    sql.NullInt64
			checksumVerified sql.NullBool
		)

		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.FromVersion,
			&entry.ToVersion,
			&status,
			&errorMessage,
			&backupPath,
			&durationMS,
			&downloadBytes,
			&checksumVerified,
		); err != nil {
			return nil, err
		}

		entry.Status = UpdateStatus(status)
		if errorMessage.Valid {
			entry.ErrorMessage = &errorMessage.String
		}
		if backupPath.Valid {
			entry.BackupPath = &backupPath.String
		}
		if durationMS.Valid {
			entry.DurationMS = &durationMS.Int64
		}
		if downloadBytes.Valid {
			entry.DownloadBytes = &downloadBytes.Int64
		}
		if checksumVerified.Valid {
			entry.ChecksumVerified = &checksumVerified.Bool
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
