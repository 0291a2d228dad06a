// Package journal records every poll iteration's node positions in SQLite
// so a run can be replayed or inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/emane-bridge/model"
)

//go:embed schema.sql
var schema string

// ErrClosed is returned by a journal used after Close.
var ErrClosed = errors.New("journal closed")

// Iteration is one poll iteration as seen by the bridge.
type Iteration struct {
	Number   uint64
	At       time.Time
	SimTime  time.Duration
	NumRobot int
	Nodes    []model.Node
}

// Sample is one recorded node position.
type Sample struct {
	Iteration   uint64
	EmulatorID  uint16
	SimulatorID uint32
	Position    model.Position
}

// Journal persists iterations in SQLite.
type Journal struct {
	sqlDB *sql.DB
}

// Open opens or creates the journal at path and applies the schema.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; the poll loop is the only caller.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Journal{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle. It is safe to call more than once.
func (j *Journal) Close() error {
	if j == nil || j.sqlDB == nil {
		return nil
	}
	err := j.sqlDB.Close()
	j.sqlDB = nil
	return err
}

// RecordIteration stores one iteration and every node position in a single
// transaction. Recording the same iteration number twice replaces it.
func (j *Journal) RecordIteration(ctx context.Context, it Iteration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j == nil || j.sqlDB == nil {
		return ErrClosed
	}

	tx, err := j.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin iteration %d: %w", it.Number, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO iterations (iteration, recorded_at, sim_time_ns, num_robot)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(iteration) DO UPDATE SET
		   recorded_at = excluded.recorded_at,
		   sim_time_ns = excluded.sim_time_ns,
		   num_robot = excluded.num_robot`,
		int64(it.Number),
		it.At.UTC().UnixMilli(),
		int64(it.SimTime),
		it.NumRobot,
	); err != nil {
		return fmt.Errorf("insert iteration %d: %w", it.Number, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO positions (iteration, emulator_id, simulator_id, lat, lon, alt)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(iteration, emulator_id) DO UPDATE SET
		   simulator_id = excluded.simulator_id,
		   lat = excluded.lat,
		   lon = excluded.lon,
		   alt = excluded.alt`)
	if err != nil {
		return fmt.Errorf("prepare positions: %w", err)
	}
	defer stmt.Close()

	for _, n := range it.Nodes {
		if _, err := stmt.ExecContext(ctx,
			int64(it.Number),
			int64(n.EmulatorID),
			int64(n.SimulatorID),
			n.Position.Lat,
			n.Position.Lon,
			n.Position.Alt,
		); err != nil {
			return fmt.Errorf("insert position of node %d: %w", n.EmulatorID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit iteration %d: %w", it.Number, err)
	}
	return nil
}

// Track returns every recorded position of one node in iteration order.
func (j *Journal) Track(ctx context.Context, emulatorID uint16) ([]Sample, error) {
	if j == nil || j.sqlDB == nil {
		return nil, ErrClosed
	}
	rows, err := j.sqlDB.QueryContext(ctx,
		`SELECT iteration, emulator_id, simulator_id, lat, lon, alt
		 FROM positions
		 WHERE emulator_id = ?
		 ORDER BY iteration`,
		int64(emulatorID),
	)
	if err != nil {
		return nil, fmt.Errorf("query track of node %d: %w", emulatorID, err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			s         Sample
			iteration int64
			emulator  int64
			simulator int64
		)
		if err := rows.Scan(&iteration, &emulator, &simulator, &s.Position.Lat, &s.Position.Lon, &s.Position.Alt); err != nil {
			return nil, fmt.Errorf("scan track of node %d: %w", emulatorID, err)
		}
		s.Iteration = uint64(iteration)
		s.EmulatorID = uint16(emulator)
		s.SimulatorID = uint32(simulator)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read track of node %d: %w", emulatorID, err)
	}
	return out, nil
}

// IterationCount reports how many iterations are recorded.
func (j *Journal) IterationCount(ctx context.Context) (int, error) {
	if j == nil || j.sqlDB == nil {
		return 0, ErrClosed
	}
	var n int
	if err := j.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count iterations: %w", err)
	}
	return n, nil
}
