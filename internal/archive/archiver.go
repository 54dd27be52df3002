package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
)

const (
	filePrefix = "archive_"
	fileSuffix = ".db"
)

// Store is what the archiver needs from the main database.
type Store interface {
	TerminalJobsBefore(ctx context.Context, cutoff time.Time) ([]*core.Job, error)
	JobLogs(ctx context.Context, jobID int64) ([]*core.ExecutionLog, error)
	MarkArchived(ctx context.Context, ids []int64, archiveFile string) error
	ArchivedJobCount(ctx context.Context, archiveFile string) (int, error)
}

type File struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	Month     string    `json:"month"`
}

type Result struct {
	Archived int    `json:"archived"`
	File     string `json:"file,omitempty"`
}

type Archiver struct {
	store    Store
	path     string
	days     int
	schedule cron.Schedule
	cronExpr string
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

func NewArchiver(store Store, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/archives"
	}
	if cfg.Days <= 0 {
		cfg.Days = 30
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid archive schedule %q: %w", cfg.Schedule, err)
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		store:    store,
		path:     cfg.Path,
		days:     cfg.Days,
		schedule: schedule,
		cronExpr: cfg.Schedule,
		logger:   logger.With("component", "archiver"),
		now:      time.Now,
	}, nil
}

// Run archives on the configured schedule until ctx ends.
func (a *Archiver) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(a.schedule, cron.FuncJob(func() {
		if _, err := a.RunArchive(ctx); err != nil {
			a.logger.Error("scheduled archive failed", "error", err)
		}
	}))
	c.Start()
	a.logger.Info("archiver started", "schedule", a.cronExpr, "days", a.days)

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunArchive moves terminal jobs that ended more than the configured number
// of days ago into this month's archive file.
func (a *Archiver) RunArchive(ctx context.Context) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.AddDate(0, 0, -a.days)
	jobs, err := a.store.TerminalJobsBefore(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	if len(jobs) == 0 {
		return Result{}, nil
	}

	filename := filePrefix + now.UTC().Format("2006_01") + fileSuffix
	archiveDB, err := openArchiveDB(filepath.Join(a.path, filename))
	if err != nil {
		return Result{}, fmt.Errorf("failed to open archive database: %w", err)
	}
	defer archiveDB.Close()

	if err := a.copyJobs(ctx, archiveDB, jobs); err != nil {
		return Result{}, err
	}

	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	if err := a.store.MarkArchived(ctx, ids, filename); err != nil {
		return Result{}, fmt.Errorf("failed to remove archived jobs: %w", err)
	}

	a.logger.Info("archived jobs", "count", len(jobs), "file", filename)
	return Result{Archived: len(jobs), File: filename}, nil
}

func (a *Archiver) copyJobs(ctx context.Context, archiveDB *sql.DB, jobs []*core.Job) error {
	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx, insertArchivedJob,
			j.ID, j.Name, j.Type, j.Payload, int(j.Priority), string(j.Status),
			j.ScheduledTime, j.Progress, j.RetryCount, j.MaxRetries,
			j.CreatedTime, j.StartTime, j.EndTime, j.ErrorMessage,
		); err != nil {
			return fmt.Errorf("failed to archive job %d: %w", j.ID, err)
		}

		logs, err := a.store.JobLogs(ctx, j.ID)
		if err != nil {
			return fmt.Errorf("failed to read logs of job %d: %w", j.ID, err)
		}
		for _, l := range logs {
			if _, err := tx.ExecContext(ctx, insertArchivedLog,
				l.ID, l.JobID, l.WorkerID, l.Level, l.Message, l.Timestamp,
			); err != nil {
				return fmt.Errorf("failed to archive log %d: %w", l.ID, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, upsertArchiveMetadata, a.now().UTC()); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}
	return tx.Commit()
}

func openArchiveDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(archiveSchema); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ListArchives returns the archive files, newest month first.
func (a *Archiver) ListArchives(ctx context.Context) ([]*File, error) {
	entries, err := os.ReadDir(a.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []*File{}, nil
		}
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := make([]*File, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		f := &File{
			Filename:  name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Month:     strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix),
		}
		if n, err := a.store.ArchivedJobCount(ctx, name); err == nil {
			f.JobCount = n
		} else {
			a.logger.Warn("failed to count archived jobs", "file", name, "error", err)
		}
		archives = append(archives, f)
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename > archives[j].Filename })
	return archives, nil
}

const archiveSchema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		scheduled_time DATETIME,
		progress INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		created_time DATETIME NOT NULL,
		start_time DATETIME,
		end_time DATETIME,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS execution_logs (
		id INTEGER PRIMARY KEY,
		job_id INTEGER NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS archive_metadata (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		archived_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_archive_jobs_end_time ON jobs(end_time);
	CREATE INDEX IF NOT EXISTS idx_archive_logs_job ON execution_logs(job_id);
`

const insertArchivedJob = `
	INSERT OR REPLACE INTO jobs (id, name, type, payload, priority, status, scheduled_time,
		progress, retry_count, max_retries, created_time, start_time, end_time, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const insertArchivedLog = `
	INSERT OR REPLACE INTO execution_logs (id, job_id, worker_id, level, message, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)
`

const upsertArchiveMetadata = `
	INSERT OR REPLACE INTO archive_metadata (id, archived_at) VALUES (1, ?)
`
