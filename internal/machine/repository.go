package machine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/fenwick-dev/rendezvous-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Machine. Every method that scans into a
// Machine must select these columns in this exact order.
const selectColumns = `id, user_id, name, platform, capabilities, last_seen, is_online, created_at`

// scanMachine scans a single row into a *Machine. The row must contain the columns listed in selectColumns.
func scanMachine(row pgx.Row) (*Machine, error) {
	var m Machine
	var capsJSON []byte
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Platform, &capsJSON, &m.LastSeen, &m.IsOnline, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan machine: %w", err)
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &m.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	return &m, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed machine repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Register upserts a machine row keyed on the (user_id, name) unique constraint: a first-time registration inserts a
// new row, and a re-registration from the same machine refreshes platform, capabilities, last_seen, and flips
// is_online back to true.
func (r *PGRepository) Register(ctx context.Context, params RegisterParams) (*Machine, error) {
	capsJSON, err := json.Marshal(params.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	var m *Machine
	err = postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO machines (user_id, name, platform, capabilities, last_seen, is_online)
			 VALUES ($1, $2, $3, $4, now(), true)
			 ON CONFLICT (user_id, name) DO UPDATE
			   SET platform = EXCLUDED.platform,
			       capabilities = EXCLUDED.capabilities,
			       last_seen = now(),
			       is_online = true
			 RETURNING `+selectColumns,
			params.UserID, params.Name, params.Platform, capsJSON,
		)
		scanned, scanErr := scanMachine(row)
		if scanErr != nil {
			return fmt.Errorf("upsert machine: %w", scanErr)
		}
		m = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetOnline updates the is_online flag for a machine.
func (r *PGRepository) SetOnline(ctx context.Context, id uuid.UUID, online bool) error {
	_, err := r.db.Exec(ctx, `UPDATE machines SET is_online = $1 WHERE id = $2`, online, id)
	if err != nil {
		return fmt.Errorf("set machine online: %w", err)
	}
	return nil
}

// Heartbeat refreshes last_seen for a machine without touching is_online.
func (r *PGRepository) Heartbeat(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE machines SET last_seen = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat machine: %w", err)
	}
	return nil
}

// ListOwned returns all machines owned by a user, ordered by name.
func (r *PGRepository) ListOwned(ctx context.Context, userID uuid.UUID) ([]*Machine, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM machines WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list owned machines: %w", err)
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// Get returns the machine matching the given ID.
func (r *PGRepository) Get(ctx context.Context, id uuid.UUID) (*Machine, error) {
	m, err := scanMachine(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM machines WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query machine by id: %w", err)
	}
	return m, nil
}

// SweepStale atomically marks every currently-online machine whose last_seen predates now-timeout as offline, and
// returns the IDs that transitioned.
func (r *PGRepository) SweepStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE machines SET is_online = false
		 WHERE is_online = true AND last_seen < now() - $1::interval
		 RETURNING id`,
		timeout.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep stale machines: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept machine id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a machine row scoped to its owner, returning whether a row was deleted.
func (r *PGRepository) Delete(ctx context.Context, userID, id uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM machines WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("delete machine: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Rename updates a machine's name scoped to its owner, returning the updated machine and whether a row matched.
func (r *PGRepository) Rename(ctx context.Context, userID, id uuid.UUID, newName string) (*Machine, bool, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE machines SET name = $1 WHERE id = $2 AND user_id = $3 RETURNING `+selectColumns,
		newName, id, userID,
	)
	m, err := scanMachine(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("rename machine: %w", err)
	}
	return m, true, nil
}
