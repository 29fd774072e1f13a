package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no record exists for the given identifier.
var ErrNotFound = errors.New("record not found")

// ImageStatus tracks an uploaded source raster through preview generation.
type ImageStatus string

const (
	ImageProcessing ImageStatus = "processing"
	ImageReady      ImageStatus = "ready"
	ImageError      ImageStatus = "error"
)

// JobStatus values move monotonically queued -> running -> done|error.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// Terminal reports whether no further status transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobError
}

var statusRank = map[JobStatus]int{
	JobQueued:  0,
	JobRunning: 1,
	JobDone:    2,
	JobError:   2,
}

// AOI is a rectangular geographic bounding box in degrees.
type AOI struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Valid checks that all bounds are finite and the box is non-degenerate.
func (a AOI) Valid() bool {
	for _, v := range []float64{a.North, a.South, a.East, a.West} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return a.North > a.South && a.East > a.West
}

// ImageRecord captures a persisted uploaded source raster.
type ImageRecord struct {
	ID               string      `json:"id"`
	OriginalFilename string      `json:"originalFilename"`
	StoredFilename   string      `json:"storedFilename"`
	Size             int64       `json:"size"`
	Status           ImageStatus `json:"status"`
	PreviewFilename  string      `json:"previewFilename,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// ImagePatch is a partial update; nil fields are left untouched.
type ImagePatch struct {
	Status          *ImageStatus
	PreviewFilename *string
	Error           *string
}

// JobOutputs references the two well-known output rasters of a finished job.
type JobOutputs struct {
	ImageA string `json:"imageA"`
	ImageB string `json:"imageB"`
}

// JobRecord captures one clip-and-register request.
type JobRecord struct {
	ID          string      `json:"id"`
	Status      JobStatus   `json:"status"`
	Progress    int         `json:"progress"`
	ImageA      string      `json:"imageA"`
	ImageB      string      `json:"imageB"`
	AOI         AOI         `json:"aoi"`
	Error       string      `json:"error,omitempty"`
	Outputs     *JobOutputs `json:"outputs,omitempty"`
	Log         []string    `json:"log"`
	CreatedAt   time.Time   `json:"createdAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// JobPatch is a partial update; nil fields are left untouched. LogLine is
// appended to the job's log list rather than replacing it.
type JobPatch struct {
	Status      *JobStatus
	Progress    *int
	Error       *string
	Outputs     *JobOutputs
	StartedAt   *time.Time
	CompletedAt *time.Time
	LogLine     *string
}

// Store wraps SQLite-backed persistence for images and jobs.
//
// All updates run a read-merge-write cycle; the store mutex serializes those
// cycles so concurrent writers touching different records cannot interleave
// destructively.
type Store struct {
	DB *sql.DB

	mu sync.Mutex
}

// New opens (or creates) the database at path and ensures schema.
//
// The pool is capped at a single connection and the database runs in WAL
// mode with a busy timeout: status polls arrive concurrently with job
// writes, and a read must never surface SQLITE_BUSY to a caller.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
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
		`CREATE TABLE IF NOT EXISTS images (
            id TEXT PRIMARY KEY,
            original_filename TEXT NOT NULL,
            stored_filename TEXT NOT NULL,
            size_bytes INTEGER NOT NULL,
            status TEXT NOT NULL,
            preview_filename TEXT NOT NULL DEFAULT '',
            error_message TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            image_a TEXT NOT NULL,
            image_b TEXT NOT NULL,
            aoi_north REAL NOT NULL,
            aoi_south REAL NOT NULL,
            aoi_east REAL NOT NULL,
            aoi_west REAL NOT NULL,
            error_message TEXT NOT NULL DEFAULT '',
            output_a TEXT NOT NULL DEFAULT '',
            output_b TEXT NOT NULL DEFAULT '',
            log_json TEXT NOT NULL DEFAULT '[]',
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);`,
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

// CreateImage inserts a new uploaded-image record.
func (s *Store) CreateImage(rec ImageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO images (id, original_filename, stored_filename, size_bytes, status, preview_filename, error_message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.OriginalFilename, rec.StoredFilename, rec.Size, string(rec.Status), rec.PreviewFilename, rec.Error, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create image %s: %w", rec.ID, err)
	}
	return nil
}

// GetImage fetches an image record by identifier.
func (s *Store) GetImage(id string) (ImageRecord, error) {
	var rec ImageRecord
	var status string
	err := s.DB.QueryRow(`SELECT id, original_filename, stored_filename, size_bytes, status, preview_filename, error_message, created_at
        FROM images WHERE id=?;`, id).
		Scan(&rec.ID, &rec.OriginalFilename, &rec.StoredFilename, &rec.Size, &status, &rec.PreviewFilename, &rec.Error, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ImageRecord{}, ErrNotFound
	}
	if err != nil {
		return ImageRecord{}, err
	}
	rec.Status = ImageStatus(status)
	return rec, nil
}

// UpdateImage applies a partial patch to an image record. Exactly one
// lifecycle mutation is expected: processing -> ready (or error).
func (s *Store) UpdateImage(id string, patch ImagePatch) (ImageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetImage(id)
	if err != nil {
		return ImageRecord{}, err
	}

	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.PreviewFilename != nil {
		rec.PreviewFilename = *patch.PreviewFilename
	}
	if patch.Error != nil {
		rec.Error = *patch.Error
	}

	_, err = s.DB.Exec(`UPDATE images SET status=?, preview_filename=?, error_message=? WHERE id=?;`,
		string(rec.Status), rec.PreviewFilename, rec.Error, id)
	if err != nil {
		return ImageRecord{}, fmt.Errorf("update image %s: %w", id, err)
	}
	return rec, nil
}

// CreateJob inserts a new job record. Callers create jobs in JobQueued.
func (s *Store) CreateJob(rec JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	logJSON, _ := json.Marshal(rec.Log)
	_, err := s.DB.Exec(`INSERT INTO jobs (id, status, progress, image_a, image_b, aoi_north, aoi_south, aoi_east, aoi_west, log_json, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, string(rec.Status), rec.Progress, rec.ImageA, rec.ImageB,
		rec.AOI.North, rec.AOI.South, rec.AOI.East, rec.AOI.West, string(logJSON), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", rec.ID, err)
	}
	return nil
}

// GetJob fetches a job record by identifier.
func (s *Store) GetJob(id string) (JobRecord, error) {
	return s.scanJob(s.DB.QueryRow(`SELECT id, status, progress, image_a, image_b, aoi_north, aoi_south, aoi_east, aoi_west, error_message, output_a, output_b, log_json, created_at, started_at, completed_at
        FROM jobs WHERE id=?;`, id))
}

// UpdateJob applies a partial patch to a job record and returns the merged
// result. Invariants enforced here:
//
//   - terminal records never change status, progress, outputs or error;
//     only log appends still apply
//   - status never moves backwards (queued -> running -> done|error)
//   - progress is non-decreasing and forced to 100 at done
//   - outputs are only persisted together with done, error only with error
func (s *Store) UpdateJob(id string, patch JobPatch) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetJob(id)
	if err != nil {
		return JobRecord{}, err
	}

	terminal := rec.Status.Terminal()

	if !terminal {
		if patch.Status != nil && statusRank[*patch.Status] >= statusRank[rec.Status] {
			rec.Status = *patch.Status
		}
		if patch.Progress != nil && *patch.Progress > rec.Progress {
			rec.Progress = *patch.Progress
		}
		if patch.StartedAt != nil {
			rec.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			rec.CompletedAt = patch.CompletedAt
		}
		if rec.Status == JobDone {
			rec.Progress = 100
			if patch.Outputs != nil {
				rec.Outputs = patch.Outputs
			}
		}
		if rec.Status == JobError && patch.Error != nil {
			rec.Error = *patch.Error
		}
	}
	if patch.LogLine != nil {
		rec.Log = append(rec.Log, *patch.LogLine)
	}

	outA, outB := "", ""
	if rec.Outputs != nil {
		outA, outB = rec.Outputs.ImageA, rec.Outputs.ImageB
	}
	logJSON, _ := json.Marshal(rec.Log)
	_, err = s.DB.Exec(`UPDATE jobs SET status=?, progress=?, error_message=?, output_a=?, output_b=?, log_json=?, started_at=?, completed_at=? WHERE id=?;`,
		string(rec.Status), rec.Progress, rec.Error, outA, outB, string(logJSON), rec.StartedAt, rec.CompletedAt, id)
	if err != nil {
		return JobRecord{}, fmt.Errorf("update job %s: %w", id, err)
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	rows, err := s.DB.Query(`SELECT id, status, progress, image_a, image_b, aoi_north, aoi_south, aoi_east, aoi_west, error_message, output_a, output_b, log_json, created_at, started_at, completed_at
        FROM jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJob(row rowScanner) (JobRecord, error) {
	var rec JobRecord
	var status string
	var outA, outB, logJSON string
	var started, completed sql.NullTime
	err := row.Scan(&rec.ID, &status, &rec.Progress, &rec.ImageA, &rec.ImageB,
		&rec.AOI.North, &rec.AOI.South, &rec.AOI.East, &rec.AOI.West,
		&rec.Error, &outA, &outB, &logJSON, &rec.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	rec.Status = JobStatus(status)
	if outA != "" || outB != "" {
		rec.Outputs = &JobOutputs{ImageA: outA, ImageB: outB}
	}
	if err := json.Unmarshal([]byte(logJSON), &rec.Log); err != nil {
		rec.Log = nil
	}
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}
