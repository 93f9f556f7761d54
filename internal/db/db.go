// Package db persists count history, trigger events, and ad impressions
// in SQLite. The schema is managed by embedded migrations; Open applies
// any pending migrations before returning.
package db

import (
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/crowdsense-data/crowdsense/internal/adtrigger"
	"github.com/crowdsense-data/crowdsense/internal/track"
	"github.com/crowdsense-data/crowdsense/internal/vision"
)

type DB struct {
	*sql.DB
}

// Open opens the database at path, creating it if needed, and applies
// pending migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc's driver does not tolerate concurrent writes on multiple
	// connections.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// RecordCountSample stores one count observation.
func (db *DB) RecordCountSample(at time.Time, c track.Counts) error {
	_, err := db.Exec(
		`INSERT INTO count_samples (sampled_at, total, male, female) VALUES (?, ?, ?, ?)`,
		at.UTC(), c.Total, c.Male, c.Female,
	)
	return err
}

// CountSample is one persisted count observation.
type CountSample struct {
	SampledAt time.Time    `json:"sampled_at"`
	Counts    track.Counts `json:"counts"`
}

// CountHistory returns the most recent count samples, newest first.
func (db *DB) CountHistory(limit int) ([]CountSample, error) {
	rows, err := db.Query(
		`SELECT sampled_at, total, male, female FROM count_samples ORDER BY sampled_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []CountSample
	for rows.Next() {
		var s CountSample
		if err := rows.Scan(&s.SampledAt, &s.Counts.Total, &s.Counts.Male, &s.Counts.Female); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// RecordTriggerEvent stores one emitted ad-trigger signal.
func (db *DB) RecordTriggerEvent(sig *adtrigger.Signal) error {
	_, err := db.Exec(
		`INSERT INTO trigger_events (id, gender, total, male, female, triggered_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, string(sig.Gender), sig.Counts.Total, sig.Counts.Male, sig.Counts.Female, sig.At.UTC(),
	)
	return err
}

// RecordImpression stores one ad display attributed to a trigger signal.
func (db *DB) RecordImpression(triggerID, asset string, audience vision.Gender, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO impressions (trigger_id, asset, audience, shown_at) VALUES (?, ?, ?, ?)`,
		triggerID, asset, string(audience), at.UTC(),
	)
	return err
}

// ImpressionStat aggregates impressions for one asset.
type ImpressionStat struct {
	Asset    string        `json:"asset"`
	Audience vision.Gender `json:"audience"`
	Shown    int           `json:"shown"`
	LastAt   time.Time     `json:"last_at"`
}

// ImpressionStats returns per-asset impression totals, most shown first.
func (db *DB) ImpressionStats() ([]ImpressionStat, error) {
	rows, err := db.Query(`
		SELECT asset, audience, COUNT(*), MAX(shown_at)
		FROM impressions
		GROUP BY asset, audience
		ORDER BY COUNT(*) DESC, asset ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ImpressionStat
	for rows.Next() {
		var s ImpressionStat
		var audience string
		if err := rows.Scan(&s.Asset, &audience, &s.Shown, &s.LastAt); err != nil {
			return nil, err
		}
		s.Audience = vision.Gender(audience)
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}

// TriggerEvent is one persisted ad-trigger signal.
type TriggerEvent struct {
	ID          string        `json:"id"`
	Gender      vision.Gender `json:"gender"`
	Counts      track.Counts  `json:"counts"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// TriggerEvents returns the most recent trigger signals, newest first.
func (db *DB) TriggerEvents(limit int) ([]TriggerEvent, error) {
	rows, err := db.Query(
		`SELECT id, gender, total, male, female, triggered_at FROM trigger_events ORDER BY triggered_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []TriggerEvent
	for rows.Next() {
		var e TriggerEvent
		var gender string
		if err := rows.Scan(&e.ID, &gender, &e.Counts.Total, &e.Counts.Male, &e.Counts.Female, &e.TriggeredAt); err != nil {
			return nil, err
		}
		e.Gender = vision.Gender(gender)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// PruneCountSamples deletes count samples older than the cutoff and
// returns how many rows went away.
func (db *DB) PruneCountSamples(olderThan time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM count_samples WHERE sampled_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AttachAdminRoutes mounts SQL debugging and backup endpoints under
// /debug/. These routes are for operators, not the public surface.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://census.db", db.DB, &tailsql.DBOptions{
		Label: "Census DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer os.Remove(backupPath)

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, backupPath)
	}))
}
