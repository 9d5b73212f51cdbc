package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "steward.db"
	lockFileName  = "steward.lock"
)

type Config struct {
	Workspace string
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".steward", defaultDBName)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".steward")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}

// AcquireLock takes the single-process lock for a workspace. The scheduler
// refuses to start when another instance holds it; attempts are spaced out
// so a cleanly-exiting previous instance has time to release.
func AcquireLock(workspace string, attempts int, wait time.Duration) (release func(), err error) {
	dir, err := EnsureWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFileName)
	for i := 0; i < attempts; i++ {
		f, ferr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if ferr == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(ferr) {
			return nil, ferr
		}
		err = ferr
		if i < attempts-1 {
			time.Sleep(wait)
		}
	}
	return nil, fmt.Errorf("lock %s held by another process after %d attempts: %w", path, attempts, err)
}
