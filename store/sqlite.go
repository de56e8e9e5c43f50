// Package store keeps an operational audit trail in SQLite: registry load
// events and offline training runs. Prediction requests are never recorded.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"riskscreen/registry"
)

const schema = `
    CREATE TABLE IF NOT EXISTS model_loads (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        subject TEXT NOT NULL DEFAULT '',
        event TEXT NOT NULL,
        version TEXT NOT NULL DEFAULT '',
        format TEXT NOT NULL DEFAULT '',
        duration_ms REAL DEFAULT 0,
        error TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_model_loads_created ON model_loads(created_at);
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        subject TEXT NOT NULL,
        model_type TEXT NOT NULL,
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        trained_at DATETIME NOT NULL,
        data_points INTEGER
    );
    `

// writeTimeout bounds a single audit insert made from a registry callback.
const writeTimeout = 2 * time.Second

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// LoadRecord is one row of model_loads.
type LoadRecord struct {
	Subject    string    `json:"subject"`
	Event      string    `json:"event"`
	Version    string    `json:"version,omitempty"`
	Format     string    `json:"format,omitempty"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type TrainingLog struct {
	Subject    string    `json:"subject"`
	ModelType  string    `json:"model_type"`
	Accuracy   float64   `json:"accuracy"`
	Precision  float64   `json:"precision"`
	Recall     float64   `json:"recall"`
	F1         float64   `json:"f1"`
	TrainedAt  time.Time `json:"trained_at"`
	DataPoints int       `json:"data_points"`
}

// Open opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// sqlite serializes writers; a single connection also keeps :memory: shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Store{db: db, logger: logger.Named("store")}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// OnEvent implements registry.Listener.
func (s *Store) OnEvent(e registry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.RecordLoad(ctx, e); err != nil {
		s.logger.Warn("audit insert failed", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

func (s *Store) RecordLoad(ctx context.Context, e registry.Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO model_loads (subject, event, version, format, duration_ms, error, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Subject, string(e.Type), e.Version, e.Format,
		float64(e.Duration)/float64(time.Millisecond), e.Error, at.UTC())
	return err
}

// Recent returns up to limit load records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]LoadRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT subject, event, version, format, duration_ms, error, created_at
        FROM model_loads
        ORDER BY created_at DESC, id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]LoadRecord, 0)
	for rows.Next() {
		var r LoadRecord
		if err := rows.Scan(&r.Subject, &r.Event, &r.Version, &r.Format, &r.DurationMS, &r.Error, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) SaveTrainingLog(ctx context.Context, log TrainingLog) error {
	if log.Subject == "" {
		return errors.New("subject required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (subject, model_type, accuracy, precision, recall, f1, trained_at, data_points)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.Subject, log.ModelType, log.Accuracy, log.Precision, log.Recall, log.F1, log.TrainedAt.UTC(), log.DataPoints)
	return err
}

// LoadTrainingLog lists training runs, newest first. An empty subject lists
// every subject.
func (s *Store) LoadTrainingLog(ctx context.Context, subject string) ([]TrainingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT subject, model_type, accuracy, precision, recall, f1, trained_at, data_points
        FROM training_log
        WHERE ? = '' OR subject = ?
        ORDER BY trained_at DESC, id DESC`, subject, subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var l TrainingLog
		if err := rows.Scan(&l.Subject, &l.ModelType, &l.Accuracy, &l.Precision, &l.Recall, &l.F1, &l.TrainedAt, &l.DataPoints); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
