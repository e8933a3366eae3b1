package retention

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteDriver keeps the backup catalog in a SQLite file. The full record is
// stored as JSON; status, backup time and expiry are columns so expiry is one
// UPDATE.
type SQLiteDriver struct {
	db   *sql.DB
	path string
}

// NewSQLiteDriver opens (and migrates) the catalog at path.
func NewSQLiteDriver(path string) (*SQLiteDriver, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open backup catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	d := &SQLiteDriver{db: db, path: path}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate backup catalog: %w", err)
	}
	log.Info().Str("path", path).Msg("SQLite backup catalog initialized")
	return d, nil
}

func (d *SQLiteDriver) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS fleet_backups (
			backup_id   TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			backup_time INTEGER NOT NULL,
			expires_at  INTEGER,
			status      TEXT NOT NULL,
			record      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fleet_backups_agent
			ON fleet_backups(agent_id, backup_time);
	`)
	return err
}

func (d *SQLiteDriver) Kind() string { return "sqlite" }

func (d *SQLiteDriver) Close() error { return d.db.Close() }

func (d *SQLiteDriver) Save(ctx context.Context, rec *models.BackupRecord) (string, error) {
	cp := cloneRecord(rec)
	cp.Location = "sqlite://" + d.path + "#" + rec.BackupID
	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode backup %s: %w", rec.BackupID, err)
	}
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UnixNano()
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO fleet_backups (backup_id, agent_id, backup_time, expires_at, status, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(backup_id) DO UPDATE SET
			expires_at = excluded.expires_at,
			status = excluded.status,
			record = excluded.record`,
		rec.BackupID, rec.AgentID, rec.BackupTime.UnixNano(), expires, string(rec.Status), string(payload))
	if err != nil {
		return "", fmt.Errorf("save backup %s: %w", rec.BackupID, err)
	}
	return cp.Location, nil
}

func (d *SQLiteDriver) Load(ctx context.Context, backupID string) (*models.BackupRecord, error) {
	var status, payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT status, record FROM fleet_backups WHERE backup_id = ?`, backupID,
	).Scan(&status, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "Backup", Key: backupID}
	}
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", backupID, err)
	}
	return decodeRecord(status, []byte(payload))
}

func (d *SQLiteDriver) List(ctx context.Context, agentID string) ([]models.BackupRecord, error) {
	query := `SELECT status, record FROM fleet_backups`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY backup_time DESC, backup_id DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []models.BackupRecord
	for rows.Next() {
		var status, payload string
		if err := rows.Scan(&status, &payload); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		rec, err := decodeRecord(status, []byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (d *SQLiteDriver) MarkExpired(ctx context.Context, now, cutoff time.Time) (int, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE fleet_backups SET status = ?
		WHERE status = ? AND (
			(expires_at IS NOT NULL AND expires_at < ?) OR
			(expires_at IS NULL AND backup_time < ?))`,
		string(models.BackupExpired), string(models.BackupCompleted), now.UnixNano(), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire backups: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (d *SQLiteDriver) HealthCheck(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// decodeRecord prefers the status column over the one frozen in the JSON.
func decodeRecord(status string, payload []byte) (*models.BackupRecord, error) {
	var rec models.BackupRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode backup record: %w", err)
	}
	rec.Status = models.BackupStatus(status)
	return &rec, nil
}
