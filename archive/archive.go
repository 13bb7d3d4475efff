// Package archive handles the compressed dataset archives the execution
// platform supplies and the processed-data archives the pipeline emits.
// Archive format is detected from content magic bytes, never from the file
// extension.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/voxelmed/segvol/segerr"
)

// Format identifies a supported archive container.
type Format int

const (
	Unknown Format = iota
	Zip
	Tar
	TarGz
)

func (f Format) String() string {
	switch f {
	case Zip:
		return "zip"
	case Tar:
		return "tar"
	case TarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

// Detect sniffs the archive format from the file's leading bytes. Tar is
// recognized by the ustar magic at offset 257; gzipped tar by the gzip
// magic.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unknown, fmt.Errorf("failed to open archive %s: %w", path, err)
	}
	defer f.Close()

	head := make([]byte, 265)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return Unknown, fmt.Errorf("failed to read archive header: %w", err)
	}
	head = head[:n]

	switch {
	case len(head) >= 4 && bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return Zip, nil
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return TarGz, nil
	case len(head) >= 263 && bytes.Equal(head[257:262], []byte("ustar")):
		return Tar, nil
	default:
		return Unknown, segerr.Inputf("unrecognized archive format in %s", path)
	}
}

// Extract unpacks the archive at path into destDir, detecting the format
// from content. Entries that would escape destDir are rejected.
func Extract(path, destDir string) error {
	format, err := Detect(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	switch format {
	case Zip:
		return extractZip(path, destDir)
	case Tar, TarGz:
		return extractTar(path, destDir, format == TarGz)
	default:
		return segerr.Inputf("unsupported archive format %s", format)
	}
}

func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean(name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", segerr.Inputf("archive entry %q escapes extraction directory", name)
	}
	return target, nil
}

func extractZip(path, destDir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open zip archive %s: %w", path, err)
	}
	defer r.Close()

	for _, entry := range r.File {
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", target, err)
		}
		src, err := entry.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", entry.Name, err)
		}
		if err := writeFile(target, src); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return nil
}

func extractTar(path, destDir string, gzipped bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open tar archive %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream in %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}
		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", target, err)
			}
			if err := writeFile(target, tr); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, src io.Reader) error {
	dst, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return dst.Close()
}

// PackZip archives every regular file under srcDir into a zip at destPath,
// with entry names relative to srcDir.
func PackZip(srcDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", destPath, err)
	}
	zw := zip.NewWriter(out)

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", rel, err)
		}
		src, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return out.Close()
}

// FindDir searches root recursively for a directory with the given base
// name and returns its path, failing with NotFoundError when absent.
func FindDir(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to search %s: %w", root, err)
	}
	if found == "" {
		return "", &segerr.NotFoundError{Path: filepath.Join(root, "**", name)}
	}
	return found, nil
}
