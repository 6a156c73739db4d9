package store

import (
	"context"
	"fmt"
	"time"
)

// Remember implements replay.NonceStore. A live row held by another report
// makes the upsert a no-op; an expired row, or one held by the same report,
// is overwritten and counts as fresh.
func (s *SQL) Remember(ctx context.Context, deviceID, nonce, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO nonces (device_id, nonce, report_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (device_id, nonce) DO UPDATE
		 SET report_id = excluded.report_id, created_at = excluded.created_at, expires_at = excluded.expires_at
		 WHERE nonces.expires_at <= excluded.created_at OR nonces.report_id = excluded.report_id`),
		deviceID, nonce, owner, formatTime(now), formatTime(now.Add(ttl)),
	)
	if err != nil {
		return false, fmt.Errorf("recording nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("recording nonce: %w", err)
	}
	return n == 1, nil
}

// PurgeNonces deletes nonces that expired before now.
func (s *SQL) PurgeNonces(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM nonces WHERE expires_at <= ?"), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purging nonces: %w", err)
	}
	return res.RowsAffected()
}
