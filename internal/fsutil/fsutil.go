// Package fsutil holds file copy and atomic-write helpers used when
// capturing and restoring system configuration.
package fsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over filename.
func WriteFileAtomic(filename string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filename)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", tmpName, filename, err)
	}
	return nil
}

// CopyFile copies src to dst preserving the permission bits.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}
	return WriteFileAtomic(dst, data, info.Mode().Perm())
}

// CopyTree copies the regular files and directories under src into dst.
// Symlinks are recreated as links; other special files are skipped.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return CopyFile(path, target)
		default:
			return nil
		}
	})
}

// ReplaceTree makes dst an exact copy of src. The copy is assembled next to
// dst and swapped in with renames so dst is never half-written.
func ReplaceTree(src, dst string) error {
	staging := dst + ".gpuprov-new"
	old := dst + ".gpuprov-old"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear %s: %w", staging, err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to clear %s: %w", old, err)
	}
	if err := CopyTree(src, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to stage %s: %w", dst, err)
	}

	hadDst := true
	if err := os.Rename(dst, old); err != nil {
		if !os.IsNotExist(err) {
			os.RemoveAll(staging)
			return fmt.Errorf("failed to move %s aside: %w", dst, err)
		}
		hadDst = false
	}
	if err := os.Rename(staging, dst); err != nil {
		if hadDst {
			os.Rename(old, dst)
		}
		os.RemoveAll(staging)
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	if hadDst {
		return os.RemoveAll(old)
	}
	return nil
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
