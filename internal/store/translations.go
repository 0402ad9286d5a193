// ABOUTME: TranslationRecord persistence on SQLiteStore
// ABOUTME: Pending/done/failed state transitions with idempotence guards

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateTranslationPending inserts a PENDING record for (message, language)
// if none exists. Returns true when a new record was created, false when a
// record (in any state) was already present. Duplicate scheduling is
// expected and harmless.
func (s *SQLiteStore) CreateTranslationPending(ctx context.Context, messageID, language string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_records (message_id, language, status, created_at)
		VALUES (?, ?, 'pending', ?)
		ON CONFLICT (message_id, language) DO NOTHING
	`, messageID, language, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("inserting translation record: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("created pending translation", "message_id", messageID, "language", language)
	}
	return rows > 0, nil
}

// GetTranslation retrieves the record for (message, language).
// Returns ErrNotFound if no record exists.
func (s *SQLiteStore) GetTranslation(ctx context.Context, messageID, language string) (*TranslationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, language, status, text, attempt_count, last_attempt_at, created_at
		FROM translation_records
		WHERE message_id = ? AND language = ?
	`, messageID, language)

	rec, err := scanTranslation(row.Scan)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTranslations returns all translation records for a message, ordered
// by language for stable output.
func (s *SQLiteStore) ListTranslations(ctx context.Context, messageID string) ([]*TranslationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, language, status, text, attempt_count, last_attempt_at, created_at
		FROM translation_records
		WHERE message_id = ?
		ORDER BY language
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying translations: %w", err)
	}
	defer rows.Close()

	var records []*TranslationRecord
	for rows.Next() {
		rec, err := scanTranslation(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating translation rows: %w", err)
	}
	return records, nil
}

func scanTranslation(scan func(...any) error) (*TranslationRecord, error) {
	var rec TranslationRecord
	var text, lastAttempt sql.NullString
	var createdAt string

	err := scan(&rec.MessageID, &rec.Language, &rec.Status, &text,
		&rec.AttemptCount, &lastAttempt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning translation record: %w", err)
	}

	if text.Valid {
		rec.Text = text.String
	}
	if lastAttempt.Valid {
		t, err := time.Parse(time.RFC3339, lastAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_attempt_at: %w", err)
		}
		rec.LastAttemptAt = &t
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &rec, nil
}

// RecordTranslationAttempt bumps the attempt counter and last-attempt
// timestamp for a record that is still pending. No-op for done/failed
// records so terminal states stay frozen.
func (s *SQLiteStore) RecordTranslationAttempt(ctx context.Context, messageID, language string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE translation_records
		SET attempt_count = attempt_count + 1, last_attempt_at = ?
		WHERE message_id = ? AND language = ? AND status = 'pending'
	`, at.UTC().Format(time.RFC3339), messageID, language)
	if err != nil {
		return fmt.Errorf("recording translation attempt: %w", err)
	}
	return nil
}

// MarkTranslationDone transitions a record to DONE with the translated
// text. Returns false when the record was already DONE, so a retry that
// lost the race is a no-op and never overwrites an existing translation.
func (s *SQLiteStore) MarkTranslationDone(ctx context.Context, messageID, language, text string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE translation_records
		SET status = 'done', text = ?
		WHERE message_id = ? AND language = ? AND status != 'done'
	`, text, messageID, language)
	if err != nil {
		return false, fmt.Errorf("marking translation done: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("translation done", "message_id", messageID, "language", language)
	}
	return rows > 0, nil
}

// MarkTranslationFailed transitions a PENDING record to FAILED. Returns
// false when the record was already terminal, making the failure write
// exactly-once under racing abandonment paths.
func (s *SQLiteStore) MarkTranslationFailed(ctx context.Context, messageID, language string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE translation_records
		SET status = 'failed'
		WHERE message_id = ? AND language = ? AND status = 'pending'
	`, messageID, language)
	if err != nil {
		return false, fmt.Errorf("marking translation failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Warn("translation failed permanently", "message_id", messageID, "language", language)
	}
	return rows > 0, nil
}

// PurgeTranslationsBefore deletes terminal (done or failed) records created
// before the cutoff. Pending records are never purged; their jobs may still
// be in flight.
func (s *SQLiteStore) PurgeTranslationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM translation_records
		WHERE status != 'pending' AND created_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("purging translation records: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rows > 0 {
		s.logger.Debug("purged old translation records", "count", rows)
	}
	return rows, nil
}
