// Package audit persists the orchestrator's decision records. The log
// is append-only; queries serve the dashboard timeline and the startup
// state rebuild.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/efuentes-sec/ztcore/internal/core/domain"
	"github.com/efuentes-sec/ztcore/internal/core/ports"
)

//go:embed schema.sql
var schemaSQL string

// DefaultListLimit caps ListDecisions when the caller passes 0.
const DefaultListLimit = 500

// Log implements ports.DecisionAuditLog on SQLite.
type Log struct {
	db *sql.DB
}

var _ ports.DecisionAuditLog = (*Log)(nil)

// New opens (or creates) the audit database at path.
func New(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &Log{db: db}, nil
}

// RecordDecision appends one decision row.
func (l *Log) RecordDecision(ctx context.Context, rec domain.DecisionRecord) error {
	query := `
		INSERT INTO decision_audit (
			correlation_id, ts, device_id, trust, threat_level, decision, prev_decision, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(ctx, query,
		rec.CorrelationID, rec.Timestamp.UTC().UnixNano(), rec.DeviceID, rec.Trust,
		string(rec.ThreatLevel), string(rec.Decision), string(rec.PrevDecision), rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// ListDecisions returns records at or after since, oldest first.
func (l *Log) ListDecisions(ctx context.Context, since time.Time, limit int) ([]domain.DecisionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `
		SELECT correlation_id, ts, device_id, trust, threat_level, decision, prev_decision, reason
		FROM decision_audit
		WHERE ts >= ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`
	rows, err := l.db.QueryContext(ctx, query, since.UTC().UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestPerDevice returns each device's most recent decision.
func (l *Log) LatestPerDevice(ctx context.Context) (map[string]domain.Decision, error) {
	query := `
		SELECT device_id, decision FROM decision_audit
		WHERE id IN (SELECT MAX(id) FROM decision_audit GROUP BY device_id)
	`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("latest decisions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.Decision)
	for rows.Next() {
		var deviceID, decision string
		if err := rows.Scan(&deviceID, &decision); err != nil {
			return nil, err
		}
		out[deviceID] = domain.Decision(decision)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *Log) Close() error {
	return l.db.Close()
}

func scanRecord(rows *sql.Rows) (domain.DecisionRecord, error) {
	var rec domain.DecisionRecord
	var ts int64
	var threatLevel, decision, prevDecision string

	err := rows.Scan(
		&rec.CorrelationID, &ts, &rec.DeviceID, &rec.Trust,
		&threatLevel, &decision, &prevDecision, &rec.Reason,
	)
	if err != nil {
		return rec, err
	}

	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.ThreatLevel = domain.AlertSeverity(threatLevel)
	rec.Decision = domain.Decision(decision)
	rec.PrevDecision = domain.Decision(prevDecision)
	return rec, nil
}
