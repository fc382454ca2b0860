package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertCredential writes one encrypted secret field, replacing any existing
// row for the same (platform_id, key).
func (s *Store) UpsertCredential(ctx context.Context, rec CredentialRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO credentials (platform_id, key, ciphertext, iv, auth_tag, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(platform_id, key) DO UPDATE SET
				ciphertext = excluded.ciphertext,
				iv = excluded.iv,
				auth_tag = excluded.auth_tag,
				updated_at = CURRENT_TIMESTAMP;
		`, rec.PlatformID, rec.Key, rec.Ciphertext, rec.IV, rec.AuthTag)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert credential %s/%s: %w", rec.PlatformID, rec.Key, err)
	}
	return nil
}

// ListCredentials returns all encrypted secret fields for a platform account.
func (s *Store) ListCredentials(ctx context.Context, platformID string) ([]CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT platform_id, key, ciphertext, iv, auth_tag, updated_at
		FROM credentials
		WHERE platform_id = ?
		ORDER BY key ASC;
	`, platformID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []CredentialRecord
	for rows.Next() {
		var rec CredentialRecord
		if err := rows.Scan(&rec.PlatformID, &rec.Key, &rec.Ciphertext, &rec.IV, &rec.AuthTag, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential rows: %w", err)
	}
	return out, nil
}

// DeleteCredentials removes every secret field for a platform account.
// Called on account disconnect.
func (s *Store) DeleteCredentials(ctx context.Context, platformID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE platform_id = ?;`, platformID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete credentials %s: %w", platformID, err)
	}
	return nil
}

// GetCursor returns the stored poll cursor for a platform account and whether
// one exists.
func (s *Store) GetCursor(ctx context.Context, platformID string) (time.Time, bool, error) {
	var last time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_polled_at FROM poll_cursors WHERE platform_id = ?;
	`, platformID).Scan(&last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get cursor: %w", err)
	}
	return last, true, nil
}

// AdvanceCursor sets the poll cursor for a platform account. The poller calls
// this before the remote fetch, so a crashed poll never replays a window.
func (s *Store) AdvanceCursor(ctx context.Context, platformID string, to time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO poll_cursors (platform_id, last_polled_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(platform_id) DO UPDATE SET
				last_polled_at = excluded.last_polled_at,
				updated_at = CURRENT_TIMESTAMP;
		`, platformID, to.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("advance cursor %s: %w", platformID, err)
	}
	return nil
}
