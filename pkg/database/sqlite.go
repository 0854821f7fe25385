package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// DefaultBusyTimeout is how long a connection waits on a locked database
// before the operation fails with ErrStorageBusy.
const DefaultBusyTimeout = 30 * time.Second

// Store implements Repository using SQLite in WAL mode.
// One process opens it with Open and is the only writer; any number of
// other processes open the same file with OpenReadOnly.
type Store struct {
	db          *sql.DB
	readOnly    bool
	busyTimeout time.Duration
	now         func() time.Time
	log         logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for device bookkeeping timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for migration messages.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// WithBusyTimeout sets how long an operation waits on a lock held by
// another connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

func dsn(path string, readOnly bool, busyTimeout time.Duration) string {
	params := []string{
		fmt.Sprintf("_busy_timeout=%d", busyTimeout.Milliseconds()),
		"_foreign_keys=on",
	}
	// Journal mode is persisted in the file; only the writer sets it.
	if readOnly {
		params = append(params, "mode=ro")
	} else {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}

// Open opens the database for writing and applies migrations.
// Migration failures are fatal: the store never runs against a mismatched schema.
func Open(path string, opts ...Option) (*Store, error) {
	s, err := open(path, false, opts...)
	if err != nil {
		return nil, err
	}
	// A single long-lived writer connection.
	s.db.SetMaxOpenConns(1)

	if err := s.migrate(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.ensureColumns(); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

// OpenReadOnly opens an existing database for queries only.
// It does not migrate; it fails with ErrSchemaMismatch if the writer has
// not yet brought the file up to the current layout.
func OpenReadOnly(path string, opts ...Option) (*Store, error) {
	s, err := open(path, true, opts...)
	if err != nil {
		return nil, err
	}
	s.db.SetMaxOpenConns(4)

	if err := s.checkColumns(); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

func open(path string, readOnly bool, opts ...Option) (*Store, error) {
	s := &Store{
		readOnly:    readOnly,
		busyTimeout: DefaultBusyTimeout,
		now:         time.Now,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", dsn(path, readOnly, s.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db
	return s, nil
}

// migrate runs versioned database migrations.
func (s *Store) migrate() error {
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist, run initial schema
		if _, err := s.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
		s.log.WithField("version", v).Info("applied schema migration")
	}
	return nil
}

// tableColumns returns the set of column names of a table.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// ensureColumns adds any optional column the table is missing.
// It is idempotent and tolerates a concurrent writer adding the same column.
func (s *Store) ensureColumns() error {
	for _, c := range additiveColumns {
		cols, err := s.tableColumns(c.table)
		if err != nil {
			return fmt.Errorf("%w: inspect %s: %v", ErrSchemaMismatch, c.table, err)
		}
		if cols[c.name] {
			continue
		}
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.ddl))
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return fmt.Errorf("%w: add %s.%s: %v", ErrSchemaMismatch, c.table, c.name, err)
		}
		s.log.WithFields(logrus.Fields{"table": c.table, "column": c.name}).Info("added column")
	}
	return s.checkColumns()
}

// checkColumns verifies every optional column exists.
func (s *Store) checkColumns() error {
	seen := make(map[string]map[string]bool)
	for _, c := range additiveColumns {
		cols, ok := seen[c.table]
		if !ok {
			var err error
			cols, err = s.tableColumns(c.table)
			if err != nil {
				return fmt.Errorf("%w: inspect %s: %v", ErrSchemaMismatch, c.table, err)
			}
			seen[c.table] = cols
		}
		if !cols[c.name] {
			return fmt.Errorf("%w: missing column %s.%s", ErrSchemaMismatch, c.table, c.name)
		}
	}
	return nil
}

// Close checkpoints the write-ahead log (writer only) and closes the connection.
func (s *Store) Close() error {
	if !s.readOnly {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.log.WithError(err).Warn("wal checkpoint failed")
		}
	}
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// wrapWrite maps lock contention onto ErrStorageBusy.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%s: %w: %v", op, ErrStorageBusy, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}

func nullFloatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

// =============================================================================
// Writer
// =============================================================================

// RegisterDevice upserts a device. Mutable fields are last-write-wins;
// added_at is kept from the first registration.
func (s *Store) RegisterDevice(ctx context.Context, d *Device) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if d.ID == "" {
		return errors.New("register device: empty device id")
	}
	now := s.now().UTC()
	if d.AddedAt.IsZero() {
		d.AddedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, ip_address, hostname, model, firmware_version,
			stratum_url, stratum_port, stratum_user, added_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ip_address = excluded.ip_address,
			hostname = excluded.hostname,
			model = excluded.model,
			firmware_version = excluded.firmware_version,
			stratum_url = excluded.stratum_url,
			stratum_port = excluded.stratum_port,
			stratum_user = excluded.stratum_user,
			updated_at = excluded.updated_at`,
		d.ID, d.IPAddress, nullString(d.Hostname), nullString(d.Model), nullString(d.FirmwareVersion),
		nullString(d.StratumURL), nullInt(d.StratumPort), nullString(d.StratumUser),
		toMillis(d.AddedAt), toMillis(d.UpdatedAt))
	return wrapWrite("register device", err)
}

// GetOrCreateConfig returns the id of the (frequency, coreVoltage) pair,
// inserting it first if needed. Insert-or-ignore followed by select keeps it
// race-safe under the unique constraint.
func (s *Store) GetOrCreateConfig(ctx context.Context, frequency, coreVoltage int) (int64, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clock_configs (frequency, core_voltage) VALUES (?, ?)
		ON CONFLICT(frequency, core_voltage) DO NOTHING`,
		frequency, coreVoltage)
	if err != nil {
		return 0, wrapWrite("create config", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM clock_configs WHERE frequency = ? AND core_voltage = ?`,
		frequency, coreVoltage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select config: %w", err)
	}
	return id, nil
}

// GetConfig returns a clock config by id, nil if it does not exist.
func (s *Store) GetConfig(ctx context.Context, id int64) (*ClockConfig, error) {
	c := &ClockConfig{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, frequency, core_voltage FROM clock_configs WHERE id = ?`, id).Scan(
		&c.ID, &c.Frequency, &c.CoreVoltage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// InsertMetric appends one sample. Existing rows are never updated.
func (s *Store) InsertMetric(ctx context.Context, m *MetricSample) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if m.DeviceID == "" {
		return errors.New("insert metric: empty device id")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (device_id, config_id, timestamp,
			hashrate, power, voltage, current,
			asic_temp, vreg_temp, fan_speed, fan_rpm,
			shares_accepted, shares_rejected, uptime,
			efficiency_jth, efficiency_ghw,
			best_diff, best_session_diff, pool_difficulty, rejection_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DeviceID, m.ConfigID, toMillis(m.Timestamp),
		m.Hashrate, m.Power, m.Voltage, m.Current,
		m.AsicTemp, m.VRegTemp, m.FanSpeed, m.FanRPM,
		m.SharesAccepted, m.SharesRejected, m.Uptime,
		m.EfficiencyJTH, m.EfficiencyGHW,
		nullFloatPtr(m.BestDiff), nullFloatPtr(m.BestSessionDiff), nullFloatPtr(m.PoolDifficulty),
		nullStringPtr(m.RejectionReason))
	if err != nil {
		return wrapWrite("insert metric", err)
	}
	m.ID, _ = result.LastInsertId()
	return nil
}

var _ Repository = (*Store)(nil)
