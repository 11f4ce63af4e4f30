package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"aptos-sentinel/internal/store"
)

// ErrNotConfigured indicates the archive pool was not initialised.
var ErrNotConfigured = errors.New("archive: pool not configured")

const (
	insertSnapshotSQL = `INSERT INTO snapshots (
        sample_ts,
        tps,
        avg_gas_price,
        pending_transactions,
        active_contracts
    ) VALUES ($1,$2,$3,$4,$5);`

	listRecentSnapshotsSQL = `SELECT
        sample_ts,
        tps,
        avg_gas_price,
        pending_transactions,
        active_contracts,
        created_at
    FROM snapshots
    ORDER BY sample_ts DESC
    LIMIT $1;`

	listSnapshotsBetweenSQL = `SELECT
        sample_ts,
        tps,
        avg_gas_price,
        pending_transactions,
        active_contracts,
        created_at
    FROM snapshots
    WHERE sample_ts >= $1
      AND sample_ts < $2
    ORDER BY sample_ts;`

	countSnapshotsSQL = `SELECT COUNT(*) FROM snapshots;`

	deleteSnapshotsBeforeSQL = `DELETE FROM snapshots WHERE sample_ts < $1;`

	insertAnomalySQL = `INSERT INTO anomalies (
        detected_ts,
        anomaly_type,
        severity,
        description
    ) VALUES ($1,$2,$3,$4);`

	listRecentAnomaliesSQL = `SELECT
        id,
        detected_ts,
        anomaly_type,
        severity,
        description,
        created_at
    FROM anomalies
    ORDER BY detected_ts DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SnapshotRecord is one archived metrics snapshot row.
type SnapshotRecord struct {
	SampleTS            time.Time
	TPS                 int
	AvgGasPrice         int
	PendingTransactions int
	ActiveContracts     int
	CreatedAt           time.Time
}

// AnomalyRecord is one archived anomaly row.
type AnomalyRecord struct {
	ID          int64
	DetectedTS  time.Time
	Type        string
	Severity    string
	Description string
	CreatedAt   time.Time
}

// SnapshotArchive defines durable snapshot persistence.
type SnapshotArchive interface {
	InsertSnapshot(ctx context.Context, snapshot store.Snapshot) error
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
	CountSnapshots(ctx context.Context) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// AnomalyArchive defines durable anomaly auditing.
type AnomalyArchive interface {
	InsertAnomaly(ctx context.Context, anomaly store.Anomaly) error
	ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error)
}

// Archive aggregates durable access to snapshots and anomalies.
type Archive struct {
	pool *pgxpool.Pool
}

// New wires a pgx pool into an Archive.
func New(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// Close releases the underlying pool resources.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and
// returns a release func. Used to keep a single collector per database.
func (a *Archive) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (a *Archive) getPool() (*pgxpool.Pool, error) {
	if a == nil || a.pool == nil {
		return nil, ErrNotConfigured
	}
	return a.pool, nil
}

// InsertSnapshot archives one metrics snapshot.
func (a *Archive) InsertSnapshot(ctx context.Context, snapshot store.Snapshot) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snapshot.Timestamp,
		snapshot.TPS,
		snapshot.AvgGasPrice,
		snapshot.PendingTransactions,
		snapshot.ActiveContracts,
	); execErr != nil {
		return fmt.Errorf("insert snapshot: %w", execErr)
	}
	return nil
}

// ListRecentSnapshots lists the newest archived snapshots first.
func (a *Archive) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, limit)
}

// ListSnapshotsBetween lists archived snapshots within a time window in
// ascending order.
func (a *Archive) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	return collectSnapshots(rows, 0)
}

// CountSnapshots counts archived snapshots.
func (a *Archive) CountSnapshots(ctx context.Context) (int64, error) {
	pool, err := a.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count snapshots: %w", scanErr)
	}
	return count, nil
}

// DeleteSnapshotsBefore prunes archived snapshots older than the cutoff.
func (a *Archive) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

// InsertAnomaly archives one detected anomaly.
func (a *Archive) InsertAnomaly(ctx context.Context, anomaly store.Anomaly) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertAnomalySQL,
		anomaly.Timestamp,
		anomaly.Type,
		string(anomaly.Severity),
		anomaly.Description,
	); execErr != nil {
		return fmt.Errorf("insert anomaly: %w", execErr)
	}
	return nil
}

// ListRecentAnomalies lists the newest archived anomalies first.
func (a *Archive) ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	records := make([]AnomalyRecord, 0, limit)
	for rows.Next() {
		var rec AnomalyRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.DetectedTS,
			&rec.Type,
			&rec.Severity,
			&rec.Description,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectSnapshots(rows pgx.Rows, sizeHint int) ([]SnapshotRecord, error) {
	records := make([]SnapshotRecord, 0, sizeHint)
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(
			&rec.SampleTS,
			&rec.TPS,
			&rec.AvgGasPrice,
			&rec.PendingTransactions,
			&rec.ActiveContracts,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

var (
	_ SnapshotArchive = (*Archive)(nil)
	_ AnomalyArchive  = (*Archive)(nil)
)
