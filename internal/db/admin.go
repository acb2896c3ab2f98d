package db

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/depthkit/internal/monitoring"
	"github.com/banshee-data/depthkit/internal/security"
	"github.com/banshee-data/depthkit/internal/task"
)

// AttachAdminRoutes mounts /debug/tailsql/ and /debug/backup on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Calibration DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "depthkit-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logf("Failed to remove backup directory: %v", err)
		}
	}()

	backupPath, err := db.Backup(r.Context(), dir)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("Failed to stream backup: %v", err)
	}
}

// Backup writes a consistent copy of the database into dir with VACUUM INTO
// and returns its path.
func (db *DB) Backup(ctx context.Context, dir string) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, err)
	}
	return path, nil
}

// BackupTask returns a task body that backs the database up into dir and
// prunes all but the newest keep backups there.
func (db *DB) BackupTask(dir string, keep int) task.Func {
	return func(ctx context.Context, p *task.Progress) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path, err := db.Backup(ctx, dir)
		if err != nil {
			return err
		}
		p.Report(0.8)
		if p.Cancelled() {
			return ctx.Err()
		}
		monitoring.Logf("[Task] database backed up to %s", path)
		return pruneBackups(dir, keep)
	}
}

func pruneBackups(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "backup-*.db"))
	if err != nil {
		return err
	}
	// Names embed a nanosecond timestamp of fixed width, so lexical order is
	// chronological.
	for len(matches) > keep {
		if err := security.ValidatePathWithinDirectory(matches[0], dir); err != nil {
			return err
		}
		if err := os.Remove(matches[0]); err != nil {
			return err
		}
		matches = matches[1:]
	}
	return nil
}
