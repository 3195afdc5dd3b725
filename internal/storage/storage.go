package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for the upload history.
type Store struct {
	DB *sql.DB
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps writes from the worker and bulk goroutines
	// serialized.
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
		`CREATE TABLE IF NOT EXISTS uploads (
            id TEXT PRIMARY KEY,
            file_path TEXT NOT NULL,
            source TEXT,
            outcome TEXT NOT NULL,
            message TEXT,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS frame_metadata (
            file_path TEXT PRIMARY KEY,
            object TEXT,
            instrument TEXT,
            telescope TEXT,
            filter TEXT,
            exposure REAL,
            width INTEGER,
            height INTEGER,
            captured_at TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_file_path ON uploads(file_path);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_created_at ON uploads(created_at);`,
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

// UploadRecord is one processed frame.
type UploadRecord struct {
	ID        string
	FilePath  string
	Source    string
	Outcome   string
	Message   string
	CreatedAt time.Time
}

// FrameMetadata is the header summary of an uploaded frame.
type FrameMetadata struct {
	FilePath   string
	Object     string
	Instrument string
	Telescope  string
	Filter     string
	Exposure   float64
	Width      int
	Height     int
	CapturedAt string
}

// RecordUpload appends rec, assigning an id and timestamp when missing.
func (s *Store) RecordUpload(rec UploadRecord) error {
	if s == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO uploads (id, file_path, source, outcome, message, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.FilePath, rec.Source, rec.Outcome, rec.Message, rec.CreatedAt.UnixNano())
	return err
}

// RecordFrameMetadata stores or replaces the summary for a file.
func (s *Store) RecordFrameMetadata(meta FrameMetadata) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO frame_metadata (file_path, object, instrument, telescope, filter, exposure, width, height, captured_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		meta.FilePath, meta.Object, meta.Instrument, meta.Telescope, meta.Filter, meta.Exposure, meta.Width, meta.Height, meta.CapturedAt)
	return err
}

// RecentUploads returns the latest records, newest first, up to limit.
func (s *Store) RecentUploads(limit int) ([]UploadRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, file_path, source, outcome, message, created_at FROM uploads ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		var source, message sql.NullString
		var created int64
		if err := rows.Scan(&rec.ID, &rec.FilePath, &source, &rec.Outcome, &message, &created); err != nil {
			return nil, err
		}
		rec.Source = source.String
		rec.Message = message.String
		rec.CreatedAt = time.Unix(0, created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Totals counts records per outcome.
func (s *Store) Totals() (map[string]int, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT outcome, COUNT(*) FROM uploads GROUP BY outcome;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

// Metadata fetches the stored summary for path.
func (s *Store) Metadata(path string) (FrameMetadata, error) {
	if s == nil {
		return FrameMetadata{}, errors.New("store not initialized")
	}
	var m FrameMetadata
	var object, instrument, telescope, filter, captured sql.NullString
	err := s.DB.QueryRow(`SELECT file_path, object, instrument, telescope, filter, exposure, width, height, captured_at FROM frame_metadata WHERE file_path=?;`, path).
		Scan(&m.FilePath, &object, &instrument, &telescope, &filter, &m.Exposure, &m.Width, &m.Height, &captured)
	if err != nil {
		return FrameMetadata{}, err
	}
	m.Object, m.Instrument, m.Telescope, m.Filter, m.CapturedAt = object.String, instrument.String, telescope.String, filter.String, captured.String
	return m, nil
}
