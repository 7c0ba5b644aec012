// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-security/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDetection stores one scored flow.
func (r *SQLRepository) SaveDetection(ctx context.Context, det *domain.Detection) error {
	if det == nil || det.ID == "" {
		return fmt.Errorf("%w: detection id is required", ErrInvalidInput)
	}

	features, _ := json.Marshal(det.Features)
	probabilities, _ := json.Marshal(det.Probabilities)
	reasons, _ := json.Marshal(det.AlertReasons)
	metadata, _ := json.Marshal(det.Metadata)

	alerted := 0
	if det.Alerted {
		alerted = 1
	}

	query := `
		INSERT INTO detections (
			id, source_ip, features, prediction, confidence,
			probabilities, threat_level, alerted, alert_reasons,
			timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		det.ID, det.SourceIP, string(features),
		det.Prediction, det.Confidence,
		string(probabilities), string(det.ThreatLevel), alerted,
		string(reasons), det.Timestamp, string(metadata),
	)
	return err
}

// GetDetection retrieves a detection by ID.
func (r *SQLRepository) GetDetection(ctx context.Context, id string) (*domain.Detection, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, source_ip, features, prediction, confidence,
			   probabilities, threat_level, alerted, alert_reasons,
			   timestamp, metadata
		FROM detections
		WHERE id = ?
	`

	det, err := scanDetection(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return det, err
}

// ListDetections retrieves the most recent detections.
func (r *SQLRepository) ListDetections(ctx context.Context, limit int) ([]*domain.Detection, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, source_ip, features, prediction, confidence,
			   probabilities, threat_level, alerted, alert_reasons,
			   timestamp, metadata
		FROM detections
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDetections(rows)
}

// ListDetectionsBySource retrieves detections for one source since a
// point in time, newest first.
func (r *SQLRepository) ListDetectionsBySource(ctx context.Context, sourceIP string, since time.Time) ([]*domain.Detection, error) {
	if sourceIP == "" {
		return nil, fmt.Errorf("%w: sourceIP is required", ErrInvalidInput)
	}

	query := `
		SELECT id, source_ip, features, prediction, confidence,
			   probabilities, threat_level, alerted, alert_reasons,
			   timestamp, metadata
		FROM detections
		WHERE source_ip = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), sourceIP, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDetections(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDetection(row rowScanner) (*domain.Detection, error) {
	var det domain.Detection
	var features, probabilities, reasons, metadata string
	var threatLevel string
	var alerted int

	err := row.Scan(
		&det.ID, &det.SourceIP, &features,
		&det.Prediction, &det.Confidence,
		&probabilities, &threatLevel, &alerted,
		&reasons, &det.Timestamp, &metadata,
	)
	if err != nil {
		return nil, err
	}

	det.ThreatLevel = domain.ThreatLevel(threatLevel)
	det.Alerted = alerted == 1
	json.Unmarshal([]byte(features), &det.Features)
	json.Unmarshal([]byte(probabilities), &det.Probabilities)
	json.Unmarshal([]byte(reasons), &det.AlertReasons)
	json.Unmarshal([]byte(metadata), &det.Metadata)

	return &det, nil
}

func scanDetections(rows *sql.Rows) ([]*domain.Detection, error) {
	var detections []*domain.Detection
	for rows.Next() {
		det, err := scanDetection(rows)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}
	return detections, rows.Err()
}

// SaveAlertRule stores or updates an alert rule.
func (r *SQLRepository) SaveAlertRule(ctx context.Context, rule *domain.AlertRule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()
	createdAt := rule.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	query := `
		INSERT INTO alert_rules (
			id, name, description, expression, threshold, action,
			enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			threshold = excluded.threshold,
			action = excluded.action,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description,
		rule.Expression, rule.Threshold, string(rule.Action),
		enabled, createdAt, now,
	)
	return err
}

// GetAlertRule retrieves an alert rule by ID.
func (r *SQLRepository) GetAlertRule(ctx context.Context, ruleID string) (*domain.AlertRule, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, name, description, expression, threshold, action,
			   enabled, created_at, updated_at
		FROM alert_rules
		WHERE id = ?
	`

	var rule domain.AlertRule
	var action string
	var enabled int

	err := r.db.QueryRowContext(ctx, r.rebind(query), ruleID).Scan(
		&rule.ID, &rule.Name, &rule.Description,
		&rule.Expression, &rule.Threshold, &action,
		&enabled, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Action = domain.RuleAction(action)
	rule.Enabled = enabled == 1
	return &rule, nil
}

// ListAlertRules retrieves every alert rule, enabled or not.
func (r *SQLRepository) ListAlertRules(ctx context.Context) ([]*domain.AlertRule, error) {
	query := `
		SELECT id, name, description, expression, threshold, action,
			   enabled, created_at, updated_at
		FROM alert_rules
		ORDER BY name
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rulesList []*domain.AlertRule
	for rows.Next() {
		var rule domain.AlertRule
		var action string
		var enabled int

		if err := rows.Scan(
			&rule.ID, &rule.Name, &rule.Description,
			&rule.Expression, &rule.Threshold, &action,
			&enabled, &rule.CreatedAt, &rule.UpdatedAt,
		); err != nil {
			return nil, err
		}

		rule.Action = domain.RuleAction(action)
		rule.Enabled = enabled == 1
		rulesList = append(rulesList, &rule)
	}

	return rulesList, rows.Err()
}

// DeleteAlertRule removes an alert rule.
func (r *SQLRepository) DeleteAlertRule(ctx context.Context, ruleID string) error {
	if ruleID == "" {
		return fmt.Errorf("%w: ruleID is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM alert_rules WHERE id = ?`), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
