package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	fileutil "sdhost/internal/file"

	"github.com/rs/zerolog/log"
)

var ErrUnsafePath = errors.New("archive entry escapes destination")

// Result summarizes an extraction.
type Result struct {
	Files   int
	Flatten bool
}

// Extract unpacks zipPath into destDir. When every entry sits under one
// top-level directory, that directory's contents land directly in destDir.
// Existing files with the same names are replaced.
func Extract(zipPath, destDir string) (Result, error) {
	if err := fileutil.EnsureDir(destDir); err != nil {
		return Result{}, err
	}
	staging, err := os.MkdirTemp(destDir, ".extract-*")
	if err != nil {
		return Result{}, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	count, err := unzip(zipPath, staging)
	if err != nil {
		return Result{}, err
	}

	root, flatten, err := contentRoot(staging)
	if err != nil {
		return Result{}, err
	}
	if err := moveEntries(root, destDir); err != nil {
		return Result{}, err
	}
	log.Info().Str("archive", zipPath).Str("dest", destDir).Int("files", count).Bool("flatten", flatten).Msg("archive extracted")
	return Result{Files: count, Flatten: flatten}, nil
}

func unzip(zipPath, dest string) (int, error) {
	reader, err := zip.OpenReader(zipPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		if reader != nil {
			_ = reader.Close()
		}
		return 0, fmt.Errorf("%w: %s", ErrUnsafePath, zipPath)
	}
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = reader.Close() }()

	files := 0
	for _, entry := range reader.File {
		target, err := safeJoin(dest, entry.Name)
		if err != nil {
			return files, err
		}
		if entry.FileInfo().IsDir() {
			if err := fileutil.EnsureDir(target); err != nil {
				return files, err
			}
			continue
		}
		if err := writeEntry(entry, target); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}

func writeEntry(entry *zip.File, target string) error {
	if err := fileutil.EnsureDir(filepath.Dir(target)); err != nil {
		return err
	}
	src, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer func() { _ = src.Close() }()

	mode := entry.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode) //nolint:gosec // target checked by safeJoin
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, src); err != nil { //nolint:gosec // engine archives are trusted release assets
		_ = out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", target, err)
	}
	return nil
}

// safeJoin resolves name under dest and rejects entries that would escape it.
func safeJoin(dest, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return filepath.Join(dest, cleaned), nil
}

// contentRoot returns the directory whose entries should be moved out, and
// whether it is a single nested directory.
func contentRoot(staging string) (string, bool, error) {
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", false, fmt.Errorf("read staging dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), true, nil
	}
	return staging, false, nil
}

func moveEntries(from, to string) error {
	entries, err := os.ReadDir(from)
	if err != nil {
		return fmt.Errorf("read %s: %w", from, err)
	}
	for _, e := range entries {
		src := filepath.Join(from, e.Name())
		dst := filepath.Join(to, e.Name())
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("replace %s: %w", dst, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", e.Name(), err)
		}
	}
	return nil
}
