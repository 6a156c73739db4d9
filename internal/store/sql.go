package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oktsec/attestd/internal/attest"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	serial TEXT NOT NULL UNIQUE,
	class TEXT NOT NULL,
	status TEXT NOT NULL,
	trust_level TEXT NOT NULL,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);

CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL REFERENCES devices(id),
	sequence BIGINT NOT NULL,
	submitted_at TEXT NOT NULL,
	verification_status TEXT NOT NULL,
	verification_timestamp TEXT,
	trust_level TEXT NOT NULL,
	compliance_status TEXT NOT NULL,
	failure_reason TEXT,
	data TEXT NOT NULL,
	UNIQUE (device_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_reports_device ON reports(device_id, sequence);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(verification_status);
CREATE INDEX IF NOT EXISTS idx_reports_submitted ON reports(submitted_at);

CREATE TABLE IF NOT EXISTS security_events (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	event_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	device_id TEXT NOT NULL,
	report_id TEXT,
	description TEXT NOT NULL,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_device ON security_events(device_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON security_events(timestamp);

CREATE TABLE IF NOT EXISTS nonces (
	device_id TEXT NOT NULL,
	nonce TEXT NOT NULL,
	report_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (device_id, nonce)
);

CREATE INDEX IF NOT EXISTS idx_nonces_expires ON nonces(expires_at);
`

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// SQL implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for drivers that number them.
type SQL struct {
	db       *sql.DB
	numbered bool
	logger   *slog.Logger
	now      func() time.Time
	closers  []func()
}

var _ Store = (*SQL)(nil)

func newSQL(db *sql.DB, numbered bool, logger *slog.Logger) (*SQL, error) {
	s := &SQL{db: db, numbered: numbered, logger: logger, now: time.Now}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("creating schema: %w (also: close: %v)", err, cerr)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *SQL) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQL) Close() error {
	err := s.db.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

func (s *SQL) rebind(q string) string {
	if !s.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- devices ---

// CreateDevice inserts a new device at version 1.
func (s *SQL) CreateDevice(ctx context.Context, d *attest.Device) error {
	if d.Version == 0 {
		d.Version = 1
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO devices (id, serial, class, status, trust_level, version, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.Serial, d.Class, string(d.Status), string(d.TrustLevel), d.Version,
		formatTime(d.CreatedAt), formatTime(d.UpdatedAt), string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", attest.ErrDuplicateSerial, d.Serial)
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// GetDevice loads a device by ID.
func (s *SQL) GetDevice(ctx context.Context, id string) (*attest.Device, error) {
	return s.getDevice(ctx, "id", id)
}

// GetDeviceBySerial loads a device by its serial number.
func (s *SQL) GetDeviceBySerial(ctx context.Context, serial string) (*attest.Device, error) {
	return s.getDevice(ctx, "serial", serial)
}

func (s *SQL) getDevice(ctx context.Context, column, value string) (*attest.Device, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT data, version FROM devices WHERE "+column+" = ?"), value,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", attest.ErrDeviceNotFound, value)
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return decodeDevice(data, version)
}

func decodeDevice(data string, version int64) (*attest.Device, error) {
	var d attest.Device
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return nil, fmt.Errorf("decoding device: %w", err)
	}
	d.Version = version
	return &d, nil
}

// ListDevices returns devices ordered by creation time.
func (s *SQL) ListDevices(ctx context.Context, f DeviceFilter) ([]*attest.Device, error) {
	query := "SELECT data, version FROM devices WHERE 1=1"
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Class != "" {
		query += " AND class = ?"
		args = append(args, f.Class)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*attest.Device
	for rows.Next() {
		var data string
		var version int64
		if err := rows.Scan(&data, &version); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		d, err := decodeDevice(data, version)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SaveDevice implements DeviceStore.
func (s *SQL) SaveDevice(ctx context.Context, d *attest.Device) error {
	return s.saveDevice(ctx, s.db, d)
}

func (s *SQL) saveDevice(ctx context.Context, ex execer, d *attest.Device) error {
	next := d.Version + 1
	stored := *d
	stored.Version = next
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("encoding device: %w", err)
	}
	res, err := ex.ExecContext(ctx, s.rebind(
		`UPDATE devices SET status = ?, trust_level = ?, version = ?, updated_at = ?, data = ? WHERE id = ? AND version = ?`),
		string(d.Status), string(d.TrustLevel), next, formatTime(d.UpdatedAt), string(data), d.ID, d.Version,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: device %s version %d", attest.ErrConflict, d.ID, d.Version)
	}
	d.Version = next
	return nil
}

// --- reports ---

// SubmitReport implements ReportStore.
func (s *SQL) SubmitReport(ctx context.Context, r *attest.Report, d *attest.Device) error {
	version := d.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.saveDevice(ctx, tx, d); err != nil {
			return err
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO reports (id, device_id, sequence, submitted_at, verification_status, verification_timestamp, trust_level, compliance_status, failure_reason, data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			r.ID, r.DeviceID, r.Sequence, formatTime(r.SubmittedAt), string(r.VerificationStatus),
			nullTime(r.VerificationTimestamp), string(r.TrustLevel), string(r.ComplianceStatus),
			r.FailureReason, string(data),
		)
		if err != nil {
			return fmt.Errorf("inserting report: %w", err)
		}
		return nil
	})
	if err != nil {
		d.Version = version
	}
	return err
}

// GetReport loads a report by ID.
func (s *SQL) GetReport(ctx context.Context, id string) (*attest.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT data FROM reports WHERE id = ?"), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", attest.ErrReportNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying report: %w", err)
	}
	return decodeReport(data)
}

func decodeReport(data string) (*attest.Report, error) {
	var r attest.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	return &r, nil
}

// FindReports returns reports matching f, newest first.
func (s *SQL) FindReports(ctx context.Context, f ReportFilter, p Page) ([]*attest.Report, error) {
	query := "SELECT data FROM reports WHERE 1=1"
	var args []any
	if f.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		query += " AND verification_status = ?"
		args = append(args, string(f.Status))
	}
	if f.Compliance != "" {
		query += " AND compliance_status = ?"
		args = append(args, string(f.Compliance))
	}
	if f.TrustLevel != "" {
		query += " AND trust_level = ?"
		args = append(args, string(f.TrustLevel))
	}
	if !f.Since.IsZero() {
		query += " AND submitted_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND submitted_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	query += fmt.Sprintf(" ORDER BY submitted_at DESC, sequence DESC LIMIT %d OFFSET %d", p.limit(), max(p.Offset, 0))
	return s.queryReports(ctx, query, args...)
}

// ListPending implements ReportStore.
func (s *SQL) ListPending(ctx context.Context, before time.Time, limit int) ([]*attest.Report, error) {
	if limit <= 0 {
		limit = maxLimit
	}
	query := fmt.Sprintf("SELECT data FROM reports WHERE verification_status = ? AND submitted_at < ? ORDER BY device_id, sequence LIMIT %d", limit)
	return s.queryReports(ctx, query, string(attest.VerificationPending), formatTime(before))
}

func (s *SQL) queryReports(ctx context.Context, query string, args ...any) ([]*attest.Report, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*attest.Report
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r, err := decodeReport(data)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyVerification implements ReportStore.
func (s *SQL) ApplyVerification(ctx context.Context, r *attest.Report, d *attest.Device) error {
	if !r.VerificationStatus.Terminal() {
		return fmt.Errorf("report %s: status %q is not terminal", r.ID, r.VerificationStatus)
	}
	version := d.Version
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding report: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE reports SET verification_status = ?, verification_timestamp = ?, trust_level = ?, compliance_status = ?, failure_reason = ?, data = ? WHERE id = ? AND verification_status = ?`),
			string(r.VerificationStatus), nullTime(r.VerificationTimestamp), string(r.TrustLevel),
			string(r.ComplianceStatus), r.FailureReason, string(data),
			r.ID, string(attest.VerificationPending),
		)
		if err != nil {
			return fmt.Errorf("updating report: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("updating report: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: report %s is not pending", attest.ErrConflict, r.ID)
		}
		return s.saveDevice(ctx, tx, d)
	})
	if err != nil {
		d.Version = version
	}
	return err
}

// ReportStats implements ReportStore.
func (s *SQL) ReportStats(ctx context.Context, since, until time.Time) (Stats, error) {
	st := Stats{
		Since:        since,
		Until:        until,
		ByStatus:     make(map[attest.VerificationStatus]int),
		ByTrustLevel: make(map[attest.TrustLevel]int),
		ByCompliance: make(map[attest.ComplianceStatus]int),
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT verification_status, trust_level, compliance_status, COUNT(*) FROM reports
		 WHERE submitted_at >= ? AND submitted_at <= ?
		 GROUP BY verification_status, trust_level, compliance_status`),
		formatTime(since), formatTime(until),
	)
	if err != nil {
		return st, fmt.Errorf("querying stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status, level, compliance string
		var n int
		if err := rows.Scan(&status, &level, &compliance, &n); err != nil {
			return st, fmt.Errorf("scanning row: %w", err)
		}
		st.Total += n
		st.ByStatus[attest.VerificationStatus(status)] += n
		st.ByTrustLevel[attest.TrustLevel(level)] += n
		st.ByCompliance[attest.ComplianceStatus(compliance)] += n
	}
	return st, rows.Err()
}

// --- events ---

// AppendEvent inserts a security event.
func (s *SQL) AppendEvent(ctx context.Context, e attest.SecurityEvent) error {
	var meta sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO security_events (id, timestamp, event_type, severity, device_id, report_id, description, metadata) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, formatTime(e.Timestamp), e.EventType, string(e.Severity), e.DeviceID,
		sql.NullString{String: e.ReportID, Valid: e.ReportID != ""}, e.Description, meta,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// QueryEvents returns events matching f, newest first.
func (s *SQL) QueryEvents(ctx context.Context, f EventFilter, p Page) ([]attest.SecurityEvent, error) {
	query := "SELECT id, timestamp, event_type, severity, device_id, report_id, description, metadata FROM security_events WHERE 1=1"
	var args []any
	if f.DeviceID != "" {
		query += " AND device_id = ?"
		args = append(args, f.DeviceID)
	}
	if f.ReportID != "" {
		query += " AND report_id = ?"
		args = append(args, f.ReportID)
	}
	if f.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, f.EventType)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, formatTime(f.Since))
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id LIMIT %d OFFSET %d", p.limit(), max(p.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []attest.SecurityEvent
	for rows.Next() {
		var e attest.SecurityEvent
		var ts, severity string
		var reportID, meta sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &severity, &e.DeviceID, &reportID, &e.Description, &meta); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		e.Severity = attest.Severity(severity)
		e.ReportID = reportID.String
		if meta.Valid {
			if err := json.Unmarshal([]byte(meta.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeEvents deletes events older than the given number of days. Zero
// keeps everything.
func (s *SQL) PurgeEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM security_events WHERE timestamp < ?"), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	return res.RowsAffected()
}
