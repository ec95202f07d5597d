package backup

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"
)

// snapshotSQLite writes a consistent point-in-time copy of a SQLite database.
// VACUUM INTO handles WAL mode correctly.
func snapshotSQLite(sourcePath, destPath string) error {
	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("backup: open source database: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := src.Ping(); err != nil {
		return fmt.Errorf("backup: source database unreachable: %w", err)
	}

	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("backup: vacuum into %s: %w", destPath, err)
	}
	return nil
}

// verifySnapshot runs SQLite's integrity_check against a snapshot file.
func verifySnapshot(path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}

// Restore copies a verified snapshot over a target database file. The target
// must not be in use; a pre-restore copy of the current file is kept only
// while the restore is in flight.
func Restore(snapshotPath, targetPath string) error {
	if err := verifySnapshot(snapshotPath); err != nil {
		return err
	}

	preRestore := targetPath + ".pre-restore"
	if _, err := os.Stat(targetPath); err == nil {
		if err := snapshotSQLite(targetPath, preRestore); err != nil {
			return fmt.Errorf("backup: pre-restore snapshot: %w", err)
		}
		defer func() { _ = os.Remove(preRestore) }()
	}

	if err := copyFile(snapshotPath, targetPath); err != nil {
		if _, statErr := os.Stat(preRestore); statErr == nil {
			if rbErr := copyFile(preRestore, targetPath); rbErr != nil {
				return fmt.Errorf("backup: restore and rollback both failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("backup: restore failed, previous state kept: %w", err)
		}
		return err
	}

	return verifySnapshot(targetPath)
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", srcPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dstPath, err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("backup: copy to %s: %w", dstPath, err)
	}
	return dst.Sync()
}
