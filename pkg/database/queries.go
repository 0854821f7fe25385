package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// metricColumnsSQL is the column list shared by every query that decodes a
// full MetricSample. Keep in sync with scanMetric.
const metricColumnsSQL = `pm.id, pm.device_id, pm.config_id, pm.timestamp,
	pm.hashrate, pm.power, pm.voltage, pm.current,
	pm.asic_temp, pm.vreg_temp, pm.fan_speed, pm.fan_rpm,
	pm.shares_accepted, pm.shares_rejected, pm.uptime,
	pm.efficiency_jth, pm.efficiency_ghw,
	pm.best_diff, pm.best_session_diff, pm.pool_difficulty, pm.rejection_reason`

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanMetric decodes metricColumnsSQL plus any extra destinations.
func scanMetric(row scanner, m *MetricSample, extra ...interface{}) error {
	var (
		ts                              int64
		bestDiff, sessionDiff, poolDiff sql.NullFloat64
		rejectionReason                 sql.NullString
	)
	dest := []interface{}{
		&m.ID, &m.DeviceID, &m.ConfigID, &ts,
		&m.Hashrate, &m.Power, &m.Voltage, &m.Current,
		&m.AsicTemp, &m.VRegTemp, &m.FanSpeed, &m.FanRPM,
		&m.SharesAccepted, &m.SharesRejected, &m.Uptime,
		&m.EfficiencyJTH, &m.EfficiencyGHW,
		&bestDiff, &sessionDiff, &poolDiff, &rejectionReason,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	m.Timestamp = fromMillis(ts)
	m.BestDiff = floatPtr(bestDiff)
	m.BestSessionDiff = floatPtr(sessionDiff)
	m.PoolDifficulty = floatPtr(poolDiff)
	m.RejectionReason = stringPtr(rejectionReason)
	return nil
}

// inClause builds "(?, ?, ?)" and its arguments for a list of device ids.
func inClause(ids []string) (string, []interface{}) {
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

// deviceFilter returns a WHERE fragment restricting to ids; empty ids means all devices.
func deviceFilter(column string, ids []string) (string, []interface{}) {
	if len(ids) == 0 {
		return "1 = 1", nil
	}
	clause, args := inClause(ids)
	return column + " IN " + clause, args
}

// =============================================================================
// Devices
// =============================================================================

const deviceColumnsSQL = `id, ip_address, hostname, model, firmware_version,
	stratum_url, stratum_port, stratum_user, added_at, updated_at`

func scanDevice(row scanner) (*Device, error) {
	var (
		d                                       Device
		hostname, model, fw, stratumURL, stUser sql.NullString
		stratumPort                             sql.NullInt64
		addedAt, updatedAt                      int64
	)
	if err := row.Scan(&d.ID, &d.IPAddress, &hostname, &model, &fw,
		&stratumURL, &stratumPort, &stUser, &addedAt, &updatedAt); err != nil {
		return nil, err
	}
	d.Hostname = hostname.String
	d.Model = model.String
	d.FirmwareVersion = fw.String
	d.StratumURL = stratumURL.String
	d.StratumPort = int(stratumPort.Int64)
	d.StratumUser = stUser.String
	d.AddedAt = fromMillis(addedAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}

// ListDevices returns every registered device ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumnsSQL+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice returns a device by id, nil if unknown.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `SELECT `+deviceColumnsSQL+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// =============================================================================
// Samples
// =============================================================================

// Latest returns the most recent sample for a device joined with its clock
// config, nil if the device has no samples.
func (s *Store) Latest(ctx context.Context, deviceID string) (*LatestSample, error) {
	l := &LatestSample{}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+metricColumnsSQL+`, cc.frequency, cc.core_voltage
		FROM performance_metrics pm
		JOIN clock_configs cc ON pm.config_id = cc.id
		WHERE pm.device_id = ?
		ORDER BY pm.timestamp DESC, pm.id DESC
		LIMIT 1`, deviceID)
	err := scanMetric(row, &l.MetricSample, &l.Frequency, &l.CoreVoltage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// EachSample calls fn for every sample of a device in timestamp order,
// joined with its clock config. Iteration stops at the first error from fn.
func (s *Store) EachSample(ctx context.Context, deviceID string, fn func(*LatestSample) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+metricColumnsSQL+`, cc.frequency, cc.core_voltage
		FROM performance_metrics pm
		JOIN clock_configs cc ON pm.config_id = cc.id
		WHERE pm.device_id = ?
		ORDER BY pm.timestamp ASC, pm.id ASC`, deviceID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		l := &LatestSample{}
		if err := scanMetric(rows, &l.MetricSample, &l.Frequency, &l.CoreVoltage); err != nil {
			return err
		}
		if err := fn(l); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MetricCount counts samples for one device, or for all devices when deviceID is empty.
func (s *Store) MetricCount(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	var err error
	if deviceID == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM performance_metrics`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM performance_metrics WHERE device_id = ?`, deviceID).Scan(&n)
	}
	return n, err
}

// LatestTimestamp returns the device's most recent sample time.
// The bool is false when the device has no samples.
func (s *Store) LatestTimestamp(ctx context.Context, deviceID string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM performance_metrics WHERE device_id = ?`, deviceID).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, false, err
	}
	return fromMillis(ts.Int64), true, nil
}

// FleetLatestTimestamp returns the newest sample time across deviceIDs
// (all devices when empty).
func (s *Store) FleetLatestTimestamp(ctx context.Context, deviceIDs []string) (time.Time, bool, error) {
	where, args := deviceFilter("device_id", deviceIDs)
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM performance_metrics WHERE `+where, args...).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, false, err
	}
	return fromMillis(ts.Int64), true, nil
}

// =============================================================================
// Series
// =============================================================================

// Series returns ascending (timestamp, value) points with timestamp >= since.
func (s *Store) Series(ctx context.Context, deviceID string, metric Metric, since time.Time) ([]Point, error) {
	col, ok := metricColumns[metric]
	if !ok {
		return nil, ErrUnknownMetric
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT timestamp, %s
		FROM performance_metrics
		WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`, col), deviceID, toMillis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts int64
		var p Point
		if err := rows.Scan(&ts, &p.Value); err != nil {
			return nil, err
		}
		p.Timestamp = fromMillis(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// FleetSeries returns points for several devices, each tagged with its device id.
func (s *Store) FleetSeries(ctx context.Context, deviceIDs []string, metric Metric, since time.Time) ([]Point, error) {
	col, ok := metricColumns[metric]
	if !ok {
		return nil, ErrUnknownMetric
	}
	where, args := deviceFilter("device_id", deviceIDs)
	args = append(args, toMillis(since))
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT device_id, timestamp, %s
		FROM performance_metrics
		WHERE %s AND timestamp >= ?
		ORDER BY timestamp ASC, id ASC`, col, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var ts int64
		var p Point
		if err := rows.Scan(&p.DeviceID, &ts, &p.Value); err != nil {
			return nil, err
		}
		p.Timestamp = fromMillis(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// UptimeHistory returns the device's full uptime counter history in time order.
func (s *Store) UptimeHistory(ctx context.Context, deviceID string) ([]UptimePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, uptime
		FROM performance_metrics
		WHERE device_id = ?
		ORDER BY timestamp ASC, id ASC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []UptimePoint
	for rows.Next() {
		var ts int64
		var p UptimePoint
		if err := rows.Scan(&ts, &p.Uptime); err != nil {
			return nil, err
		}
		p.Timestamp = fromMillis(ts)
		points = append(points, p)
	}
	return points, rows.Err()
}

// ConfigChanges returns samples at or after since whose clock config differs
// from the same device's previous sample, in time order.
func (s *Store) ConfigChanges(ctx context.Context, deviceIDs []string, since time.Time) ([]ConfigChange, error) {
	where, args := deviceFilter("pm.device_id", deviceIDs)
	args = append(args, toMillis(since))
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, timestamp, config_id, frequency, core_voltage
		FROM (
			SELECT pm.device_id, pm.timestamp, pm.config_id, cc.frequency, cc.core_voltage,
				LAG(pm.config_id) OVER (PARTITION BY pm.device_id ORDER BY pm.timestamp, pm.id) AS prev_config
			FROM performance_metrics pm
			JOIN clock_configs cc ON pm.config_id = cc.id
			WHERE `+where+`
		)
		WHERE prev_config IS NOT NULL AND prev_config != config_id AND timestamp >= ?
		ORDER BY timestamp ASC, device_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []ConfigChange
	for rows.Next() {
		var ts int64
		var c ConfigChange
		if err := rows.Scan(&c.DeviceID, &ts, &c.ConfigID, &c.Frequency, &c.CoreVoltage); err != nil {
			return nil, err
		}
		c.Timestamp = fromMillis(ts)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// =============================================================================
// Health
// =============================================================================

// DeviceHealth computes per-device health from each device's latest sample.
// A device is online iff its latest sample is no older than threshold at now.
// Devices with no samples are reported offline with a zero LastSeen.
func (s *Store) DeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration, now time.Time) (map[string]DeviceHealth, error) {
	health := make(map[string]DeviceHealth, len(deviceIDs))
	for _, id := range deviceIDs {
		latest, err := s.Latest(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("health %s: %w", id, err)
		}
		h := DeviceHealth{DeviceID: id}
		if latest != nil {
			h.HasData = true
			h.LastSeen = latest.Timestamp
			h.Online = !latest.Timestamp.Before(now.Add(-threshold))
			h.RejectRate = latest.RejectRate()
			h.AsicTemp = latest.AsicTemp
			h.Hashrate = latest.Hashrate
			h.BestDiff = latest.BestDiff
		}
		health[id] = h
	}
	return health, nil
}

// =============================================================================
// Difficulty
// =============================================================================

// HighestDifficulty returns the all-time and session maxima for a device,
// nil if it never reported a difficulty.
func (s *Store) HighestDifficulty(ctx context.Context, deviceID string) (*DifficultyRecord, error) {
	var allTime, session sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(best_diff), MAX(best_session_diff)
		FROM performance_metrics
		WHERE device_id = ? AND best_diff IS NOT NULL`, deviceID).Scan(&allTime, &session)
	if err != nil {
		return nil, err
	}
	if !allTime.Valid {
		return nil, nil
	}
	rec := &DifficultyRecord{AllTime: allTime.Float64, Session: allTime.Float64}
	if session.Valid && session.Float64 > 0 {
		rec.Session = session.Float64
	}
	return rec, nil
}

// MaxBestDiff returns the highest best_diff recorded across deviceIDs
// (all devices when empty), 0 when none was recorded.
func (s *Store) MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error) {
	where, args := deviceFilter("device_id", deviceIDs)
	var max sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(best_diff) FROM performance_metrics
		WHERE best_diff IS NOT NULL AND `+where, args...).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max.Float64, nil
}

// =============================================================================
// Aggregates
// =============================================================================

// Stats returns min/max/avg/count for one metric since a point in time,
// nil when there are no samples.
func (s *Store) Stats(ctx context.Context, deviceID string, metric Metric, since time.Time) (*MetricStats, error) {
	col, ok := metricColumns[metric]
	if !ok {
		return nil, ErrUnknownMetric
	}
	var min, max, avg sql.NullFloat64
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MIN(%[1]s), MAX(%[1]s), AVG(%[1]s), COUNT(*)
		FROM performance_metrics
		WHERE device_id = ? AND timestamp >= ? AND %[1]s IS NOT NULL`, col),
		deviceID, toMillis(since)).Scan(&min, &max, &avg, &n)
	if err != nil {
		return nil, err
	}
	if n == 0 || !min.Valid {
		return nil, nil
	}
	return &MetricStats{Min: min.Float64, Max: max.Float64, Avg: avg.Float64, Samples: n}, nil
}

// Averages returns average hashrate, power and J/TH since a point in time,
// nil when there are no samples. Zero-efficiency samples (no hashrate) are
// excluded from the J/TH average.
func (s *Store) Averages(ctx context.Context, deviceID string, since time.Time) (*Averages, error) {
	var hashrate, power, eff sql.NullFloat64
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(hashrate), AVG(power),
			AVG(CASE WHEN efficiency_jth > 0 THEN efficiency_jth END),
			COUNT(*)
		FROM performance_metrics
		WHERE device_id = ? AND timestamp >= ?`,
		deviceID, toMillis(since)).Scan(&hashrate, &power, &eff, &n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &Averages{
		Hashrate:      hashrate.Float64,
		Power:         power.Float64,
		EfficiencyJTH: floatPtr(eff),
		Samples:       n,
	}, nil
}

// ConfigSummary aggregates a device's samples by clock config since a point
// in time (zero since means all history), best average hashrate first.
// Input voltage is normalized to volts.
func (s *Store) ConfigSummary(ctx context.Context, deviceID string, since time.Time) ([]ConfigSummary, error) {
	const volts = `CASE WHEN pm.voltage > 100 THEN pm.voltage / 1000.0 ELSE pm.voltage END`
	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = toMillis(since)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			cc.id, cc.frequency, cc.core_voltage, COUNT(*),
			AVG(pm.hashrate), MIN(pm.hashrate), MAX(pm.hashrate),
			AVG(pm.power), MAX(pm.power),
			AVG(pm.efficiency_jth), AVG(pm.efficiency_ghw),
			AVG(pm.asic_temp), MIN(pm.asic_temp), MAX(pm.asic_temp),
			AVG(pm.vreg_temp), MAX(pm.vreg_temp),
			AVG(`+volts+`), MIN(`+volts+`), MAX(`+volts+`),
			AVG(pm.current), MAX(pm.current),
			AVG(pm.fan_speed), AVG(pm.fan_rpm),
			MIN(pm.timestamp), MAX(pm.timestamp)
		FROM performance_metrics pm
		JOIN clock_configs cc ON pm.config_id = cc.id
		WHERE pm.device_id = ? AND pm.timestamp >= ?
		GROUP BY cc.id
		ORDER BY AVG(pm.hashrate) DESC`, deviceID, sinceMillis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ConfigSummary
	for rows.Next() {
		var c ConfigSummary
		var first, last int64
		if err := rows.Scan(
			&c.ConfigID, &c.Frequency, &c.CoreVoltage, &c.Samples,
			&c.AvgHashrate, &c.MinHashrate, &c.MaxHashrate,
			&c.AvgPower, &c.MaxPower,
			&c.AvgEfficiencyJTH, &c.AvgEfficiencyGHW,
			&c.AvgAsicTemp, &c.MinAsicTemp, &c.MaxAsicTemp,
			&c.AvgVRegTemp, &c.MaxVRegTemp,
			&c.AvgInputVoltage, &c.MinInputVoltage, &c.MaxInputVoltage,
			&c.AvgCurrent, &c.MaxCurrent,
			&c.AvgFanSpeed, &c.AvgFanRPM,
			&first, &last,
		); err != nil {
			return nil, err
		}
		c.FirstSeen = fromMillis(first)
		c.LastSeen = fromMillis(last)
		c.RuntimeHours = c.LastSeen.Sub(c.FirstSeen).Hours()
		summaries = append(summaries, c)
	}
	return summaries, rows.Err()
}
