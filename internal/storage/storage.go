package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// TimeLayout is how capture timestamps are stored. It sorts lexically.
const TimeLayout = "2006-01-02 15:04:05"

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for the photo catalog and jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps writes serialized and :memory: databases shared
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS photos (
            id TEXT PRIMARY KEY,
            taken_at TEXT NOT NULL UNIQUE,
            proxy_path TEXT NOT NULL,
            original_path TEXT,
            synthetic BOOLEAN DEFAULT FALSE,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_photos_taken_at ON photos(taken_at);`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// PhotoRecord is one catalog entry.
type PhotoRecord struct {
	ID           string    `json:"id"`
	TakenAt      time.Time `json:"taken_at"`
	ProxyPath    string    `json:"proxy_path"`
	OriginalPath string    `json:"original_path,omitempty"`
	Synthetic    bool      `json:"synthetic,omitempty"`
}

// InsertPhoto adds a photo. Timestamps are unique; a duplicate fails.
func (s *Store) InsertPhoto(ctx context.Context, rec PhotoRecord) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO photos (id, taken_at, proxy_path, original_path, synthetic) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.TakenAt.UTC().Format(TimeLayout), rec.ProxyPath, rec.OriginalPath, rec.Synthetic)
	if err != nil {
		return fmt.Errorf("insert photo %s: %w", rec.ID, err)
	}
	return nil
}

// DeletePhoto removes a photo by id.
func (s *Store) DeletePhoto(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM photos WHERE id=?;`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	return nil
}

// Photos returns every photo ordered by capture time.
func (s *Store) Photos(ctx context.Context) ([]PhotoRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, taken_at, proxy_path, original_path, synthetic FROM photos ORDER BY taken_at ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PhotoRecord
	for rows.Next() {
		rec, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PhotoByID fetches one photo.
func (s *Store) PhotoByID(ctx context.Context, id string) (PhotoRecord, error) {
	if s == nil {
		return PhotoRecord{}, errors.New("store not initialized")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, taken_at, proxy_path, original_path, synthetic FROM photos WHERE id=?;`, id)
	rec, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PhotoRecord{}, fmt.Errorf("photo %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// TakenAtExists reports whether a photo already uses the timestamp.
func (s *Store) TakenAtExists(ctx context.Context, t time.Time) (bool, error) {
	if s == nil {
		return false, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM photos WHERE taken_at=?;`, t.UTC().Format(TimeLayout)).Scan(&n)
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row scanner) (PhotoRecord, error) {
	var rec PhotoRecord
	var taken string
	var original sql.NullString
	if err := row.Scan(&rec.ID, &taken, &rec.ProxyPath, &original, &rec.Synthetic); err != nil {
		return PhotoRecord{}, err
	}
	t, err := time.ParseInLocation(TimeLayout, taken, time.UTC)
	if err != nil {
		return PhotoRecord{}, fmt.Errorf("photo %s: bad timestamp %q: %w", rec.ID, taken, err)
	}
	rec.TakenAt = t
	rec.OriginalPath = original.String
	return rec, nil
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	OptionsJSON string     `json:"options_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var input, output, options sql.NullString
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.InputPath, rec.OutputPath, rec.OptionsJSON = input.String, output.String, options.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
