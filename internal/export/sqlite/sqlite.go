// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sqlite persists interval metrics into a SQLite database for
// ad-hoc SQL queries against a capture. One table per domain, keyed by
// (entity, ts); replaying the same capture overwrites rather than
// duplicates.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	// Pure-Go driver, registers as "sqlite". No CGO.
	_ "modernc.org/sqlite"

	"github.com/loberman/serverstats/pkg/performance"
)

// Store wraps the database handle and the migrated schema.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_fk=1", path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite db %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS disk_metrics (
    entity TEXT NOT NULL,
    device TEXT NOT NULL,
    ts     INTEGER NOT NULL,
    dt     INTEGER NOT NULL,
    %s,
    PRIMARY KEY (entity, ts)
);
CREATE TABLE IF NOT EXISTS cpu_metrics (
    entity        TEXT NOT NULL,
    ts            INTEGER NOT NULL,
    dt            INTEGER NOT NULL,
    user_pct      REAL NOT NULL,
    nice_pct      REAL NOT NULL,
    system_pct    REAL NOT NULL,
    idle_pct      REAL NOT NULL,
    iowait_pct    REAL NOT NULL,
    guest_pct     REAL NOT NULL,
    procs_running INTEGER NOT NULL,
    procs_blocked INTEGER NOT NULL,
    PRIMARY KEY (entity, ts)
);
CREATE TABLE IF NOT EXISTS mem_metrics (
    entity     TEXT NOT NULL,
    ts         INTEGER NOT NULL,
    dt         INTEGER NOT NULL,
    used_pct   REAL NOT NULL,
    avail_pct  REAL NOT NULL,
    cached_pct REAL NOT NULL,
    free_pct   REAL NOT NULL,
    total_kb   INTEGER NOT NULL,
    free_kb    INTEGER NOT NULL,
    avail_kb   INTEGER NOT NULL,
    cached_kb  INTEGER NOT NULL,
    used_kb    INTEGER NOT NULL,
    PRIMARY KEY (entity, ts)
);
CREATE TABLE IF NOT EXISTS net_metrics (
    entity TEXT NOT NULL,
    iface  TEXT NOT NULL,
    ts     INTEGER NOT NULL,
    dt     INTEGER NOT NULL,
    %s,
    PRIMARY KEY (entity, ts)
);
`, realColumns(performance.DiskMetricDefs), realColumns(performance.NetworkMetricDefs))

	if _, err := s.db.Exec(ddl); err != nil {
		return err
	}
	return nil
}

// realColumns renders one REAL column per metric def, so the schema follows
// the def tables instead of drifting from them.
func realColumns(defs []performance.MetricDef) string {
	cols := make([]string, len(defs))
	for i, def := range defs {
		cols[i] = fmt.Sprintf("    %s REAL NOT NULL", def.Name)
	}
	return strings.TrimSpace(strings.Join(cols, ",\n"))
}

// WriteSeries persists every interval metric of the accumulator in a single
// transaction.
func (s *Store) WriteSeries(acc *performance.SeriesAccumulator) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmts, err := prepareInserts(tx)
	if err != nil {
		return err
	}
	defer stmts.close()

	for _, key := range acc.Keys() {
		series := acc.Get(key)
		for i := range series.Samples {
			if err := stmts.insert(&series.Samples[i]); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

type insertStmts struct {
	disk, cpu, mem, net *sql.Stmt
}

func prepareInserts(tx *sql.Tx) (*insertStmts, error) {
	disk, err := tx.Prepare(insertSQL("disk_metrics",
		append([]string{"entity", "device", "ts", "dt"}, defNames(performance.DiskMetricDefs)...)))
	if err != nil {
		return nil, fmt.Errorf("preparing disk insert: %w", err)
	}
	cpu, err := tx.Prepare(insertSQL("cpu_metrics", []string{
		"entity", "ts", "dt",
		"user_pct", "nice_pct", "system_pct", "idle_pct", "iowait_pct", "guest_pct",
		"procs_running", "procs_blocked",
	}))
	if err != nil {
		return nil, fmt.Errorf("preparing cpu insert: %w", err)
	}
	mem, err := tx.Prepare(insertSQL("mem_metrics", []string{
		"entity", "ts", "dt",
		"used_pct", "avail_pct", "cached_pct", "free_pct",
		"total_kb", "free_kb", "avail_kb", "cached_kb", "used_kb",
	}))
	if err != nil {
		return nil, fmt.Errorf("preparing mem insert: %w", err)
	}
	net, err := tx.Prepare(insertSQL("net_metrics",
		append([]string{"entity", "iface", "ts", "dt"}, defNames(performance.NetworkMetricDefs)...)))
	if err != nil {
		return nil, fmt.Errorf("preparing net insert: %w", err)
	}
	return &insertStmts{disk: disk, cpu: cpu, mem: mem, net: net}, nil
}

func (s *insertStmts) insert(m *performance.IntervalMetric) error {
	var err error
	switch m.Domain {
	case performance.MetricTypeDisk:
		args := []any{string(m.Key), m.Name, m.Timestamp, m.Interval}
		for _, def := range performance.DiskMetricDefs {
			args = append(args, def.Value(m))
		}
		_, err = s.disk.Exec(args...)
	case performance.MetricTypeCPU:
		c := m.CPU
		_, err = s.cpu.Exec(string(m.Key), m.Timestamp, m.Interval,
			c.UserPct, c.NicePct, c.SystemPct, c.IdlePct, c.IOWaitPct, c.GuestPct,
			int64(c.ProcsRunning), int64(c.ProcsBlocked))
	case performance.MetricTypeMemory:
		mm := m.Memory
		_, err = s.mem.Exec(string(m.Key), m.Timestamp, m.Interval,
			mm.UsedPct, mm.AvailPct, mm.CachedPct, mm.FreePct,
			int64(mm.TotalKB), int64(mm.FreeKB), int64(mm.AvailKB), int64(mm.CachedKB), int64(mm.UsedKB))
	case performance.MetricTypeNetwork:
		args := []any{string(m.Key), m.Name, m.Timestamp, m.Interval}
		for _, def := range performance.NetworkMetricDefs {
			args = append(args, def.Value(m))
		}
		_, err = s.net.Exec(args...)
	}
	if err != nil {
		return fmt.Errorf("inserting %s metric for %s: %w", m.Domain, m.Key, err)
	}
	return nil
}

func (s *insertStmts) close() {
	for _, stmt := range []*sql.Stmt{s.disk, s.cpu, s.mem, s.net} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

func insertSQL(table string, cols []string) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), placeholders)
}

func defNames(defs []performance.MetricDef) []string {
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names
}

// Close shuts the database handle down.
func (s *Store) Close() error {
	return s.db.Close()
}
