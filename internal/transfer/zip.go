package transfer

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Archiver packs a directory into an archive file and unpacks one. The
// wire protocol fixes the format to a deflated zip.
type Archiver interface {
	// ZipDir archives srcDir into a fresh temp file and reports the
	// archive path, the number of regular files packed, and their total
	// uncompressed size.
	ZipDir(srcDir string) (archivePath string, numFiles, totalBytes int64, err error)

	// UnzipInto extracts an archive into destDir, restoring file modes.
	UnzipInto(destDir, archivePath string) error
}

// ZipArchiver implements Archiver with archive/zip and deflate compression.
type ZipArchiver struct {
	// TempDir overrides the system temp directory for staging archives.
	TempDir string
}

// ZipDir streams a directory into a deflated zip archive. Entry names are
// relative to the directory with forward slashes; POSIX modes land in the
// external attributes.
func (z *ZipArchiver) ZipDir(srcDir string) (string, int64, int64, error) {
	srcDir = filepath.Clean(srcDir)
	info, err := os.Stat(srcDir)
	if err != nil {
		return "", 0, 0, fmt.Errorf("cannot access directory: %w", err)
	}
	if !info.IsDir() {
		return "", 0, 0, fmt.Errorf("path is not a directory: %s", srcDir)
	}

	tmp, err := os.CreateTemp(z.TempDir, "wormhole-zip-*.zip")
	if err != nil {
		return "", 0, 0, fmt.Errorf("create archive: %w", err)
	}

	var numFiles, totalBytes int64
	zw := zip.NewWriter(tmp)

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		if relPath == "." {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("failed to create zip header: %w", err)
		}
		header.Name = filepath.ToSlash(relPath)

		if info.IsDir() {
			header.Name += "/"
			_, err := zw.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			// Symlinks and special files do not survive a zip transfer.
			return nil
		}

		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to write zip header: %w", err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		n, err := io.Copy(w, file)
		if err != nil {
			return fmt.Errorf("failed to write file to zip: %w", err)
		}
		numFiles++
		totalBytes += n
		return nil
	})
	if err == nil {
		err = zw.Close()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, 0, err
	}

	return tmp.Name(), numFiles, totalBytes, nil
}

// UnzipInto extracts an archive into destDir. Entry names are normalized
// and validated to prevent traversal outside the destination; modes come
// from the zip external attributes.
func (z *ZipArchiver) UnzipInto(destDir, archivePath string) error {
	destDir = filepath.Clean(destDir)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := sanitizeEntryName(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, f.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := extractFile(target, f); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(target string, f *zip.File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open zip entry: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return nil
}

// sanitizeEntryName maps a zip entry name to a path under destDir,
// rejecting absolute names and traversal.
func sanitizeEntryName(destDir, name string) (string, error) {
	name = norm.NFC.String(name)
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("zip entry name contains NUL: %q", name)
	}

	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("zip entry escapes destination: %q", name)
	}
	return filepath.Join(destDir, cleaned), nil
}
