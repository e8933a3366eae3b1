package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresDriver keeps the backup catalog in PostgreSQL.
// Connection URL is read from FLEET_BACKUP_POSTGRES_URL.
type PostgresDriver struct {
	pool *pgxpool.Pool
}

// NewPostgresDriver connects and creates the catalog table if needed.
func NewPostgresDriver(ctx context.Context, connURL string) (*PostgresDriver, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	d := &PostgresDriver{pool: pool}
	if err := d.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres backup catalog initialized")
	return d, nil
}

func (d *PostgresDriver) migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fleet_backups (
			backup_id   TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			backup_time TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ,
			status      TEXT NOT NULL,
			record      JSONB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_fleet_backups_agent ON fleet_backups (agent_id, backup_time DESC);
		ALTER TABLE fleet_backups ADD COLUMN IF NOT EXISTS expires_at TIMESTAMPTZ;
	`)
	return err
}

func (d *PostgresDriver) Kind() string { return "postgres" }

func (d *PostgresDriver) Close() { d.pool.Close() }

func (d *PostgresDriver) Save(ctx context.Context, rec *models.BackupRecord) (string, error) {
	cp := cloneRecord(rec)
	cp.Location = "postgres://fleet_backups/" + rec.BackupID
	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("encode backup %s: %w", rec.BackupID, err)
	}
	var expires *time.Time
	if !rec.ExpiresAt.IsZero() {
		expires = &rec.ExpiresAt
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO fleet_backups (backup_id, agent_id, backup_time, expires_at, status, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (backup_id) DO UPDATE SET
			expires_at = EXCLUDED.expires_at,
			status = EXCLUDED.status,
			record = EXCLUDED.record`,
		rec.BackupID, rec.AgentID, rec.BackupTime, expires, string(rec.Status), payload)
	if err != nil {
		return "", fmt.Errorf("save backup %s: %w", rec.BackupID, err)
	}
	return cp.Location, nil
}

func (d *PostgresDriver) Load(ctx context.Context, backupID string) (*models.BackupRecord, error) {
	var status string
	var payload []byte
	err := d.pool.QueryRow(ctx,
		`SELECT status, record FROM fleet_backups WHERE backup_id = $1`, backupID,
	).Scan(&status, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "Backup", Key: backupID}
	}
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", backupID, err)
	}
	return decodeRecord(status, payload)
}

func (d *PostgresDriver) List(ctx context.Context, agentID string) ([]models.BackupRecord, error) {
	query := `SELECT status, record FROM fleet_backups`
	args := []interface{}{}
	if agentID != "" {
		query += ` WHERE agent_id = $1`
		args = append(args, agentID)
	}
	query += ` ORDER BY backup_time DESC, backup_id DESC`

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var out []models.BackupRecord
	for rows.Next() {
		var status string
		var payload []byte
		if err := rows.Scan(&status, &payload); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		rec, err := decodeRecord(status, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (d *PostgresDriver) MarkExpired(ctx context.Context, now, cutoff time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE fleet_backups SET status = $1
		WHERE status = $2 AND (
			(expires_at IS NOT NULL AND expires_at < $3) OR
			(expires_at IS NULL AND backup_time < $4))`,
		string(models.BackupExpired), string(models.BackupCompleted), now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire backups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (d *PostgresDriver) HealthCheck(ctx context.Context) error {
	return d.pool.Ping(ctx)
}
