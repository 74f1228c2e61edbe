package planning

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"time"

	"changeover-planner/internal/db"
)

// FolderFor is the document store folder holding a process's proof files.
func FolderFor(planID int64, no int, kind FileKind) string {
	key := fmt.Sprintf("%d", no)
	if proc, ok := LookupProcess(no); ok {
		key = fmt.Sprintf("%d-%s", no, proc.Key)
	}
	return path.Join(fmt.Sprintf("plan-%d", planID), key, string(kind))
}

const fileColumns = `id, plan_id, process_no, kind, orig_name, content_type, size_bytes,
	COALESCE(sha256, ''), COALESCE(remote_id, ''), status, uploaded_by, created_at`

func scanFile(s scanner) (ProcessFile, error) {
	var f ProcessFile
	var kind string
	err := s.Scan(&f.ID, &f.PlanID, &f.ProcessNo, &kind, &f.OrigName, &f.ContentType, &f.SizeBytes,
		&f.SHA256, &f.RemoteID, &f.Status, &f.UploadedBy, &f.CreatedAt)
	f.Kind = FileKind(kind)
	return f, err
}

// ListFiles returns every file row of a plan ordered by process and age.
func (r *Repo) ListFiles(ctx context.Context, planID int64) ([]ProcessFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM process_files WHERE plan_id = ?
		ORDER BY process_no, created_at, id
	`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []ProcessFile{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *Repo) GetFile(ctx context.Context, id string) (ProcessFile, error) {
	f, err := scanFile(r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM process_files WHERE id = ?`, id))
	if err != nil {
		return ProcessFile{}, translate(err, "file")
	}
	return f, nil
}

// InsertPendingFile records an upload before any bytes reach the store.
func (r *Repo) InsertPendingFile(ctx context.Context, f ProcessFile) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO process_files (id, plan_id, process_no, kind, orig_name, content_type, size_bytes, status, uploaded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, f.ID, f.PlanID, f.ProcessNo, string(f.Kind), f.OrigName, f.ContentType, FileStatusPending, f.UploadedBy, f.CreatedAt.UTC())
	return translate(err, "file")
}

// MarkFileStored moves a pending row to stored.
func (r *Repo) MarkFileStored(ctx context.Context, id, remoteID string, size int64, sum string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE process_files SET status = ?, remote_id = ?, size_bytes = ?, sha256 = ?
		WHERE id = ? AND status = ?
	`, FileStatusStored, remoteID, size, sum, id, FileStatusPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pending file %s", ErrConflict, id)
	}
	return nil
}

func (r *Repo) MarkFileFailed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE process_files SET status = ? WHERE id = ?`, FileStatusFailed, id)
	return err
}

func (r *Repo) DeleteFile(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM process_files WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file", ErrNotFound)
	}
	return nil
}

// StaleFiles returns pending or failed rows created before cutoff.
func (r *Repo) StaleFiles(ctx context.Context, cutoff time.Time, limit int) ([]ProcessFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM process_files
		WHERE status IN (?, ?) AND created_at < ?
		ORDER BY created_at
		LIMIT ?
	`, FileStatusPending, FileStatusFailed, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProcessFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFileIfOpen removes a proof file unless its process is complete. The
// stored object goes first, through remove, while the row is locked. When
// remove fails the row is kept as failed so the cleanup job retries it.
func (r *Repo) DeleteFileIfOpen(ctx context.Context, id string, remove func(ctx context.Context, remoteID string) error) (ProcessFile, error) {
	var f ProcessFile
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var err error
		f, err = scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM process_files WHERE id = ? FOR UPDATE`, id))
		if err != nil {
			return translate(err, "file")
		}
		var pct int
		err = tx.QueryRowContext(ctx, `
			SELECT percent FROM plan_processes WHERE plan_id = ? AND process_no = ? FOR UPDATE
		`, f.PlanID, f.ProcessNo).Scan(&pct)
		if err != nil {
			return translate(err, "process")
		}
		if pct >= 100 {
			return fmt.Errorf("%w: process %d is complete, its proof cannot be removed", ErrConflict, f.ProcessNo)
		}
		if f.RemoteID != "" && remove != nil {
			if rmErr := remove(ctx, f.RemoteID); rmErr != nil {
				f.Status = FileStatusFailed
				_, err = tx.ExecContext(ctx, `UPDATE process_files SET status = ? WHERE id = ?`, FileStatusFailed, id)
				return err
			}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM process_files WHERE id = ?`, id)
		return err
	})
	return f, err
}
