package builder

import (
	"archive/tar"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// tarPrefix is the top-level directory npm-compatible tarballs unpack into.
const tarPrefix = "package"

// Entries are stamped with a fixed time so identical inputs produce identical digests.
var tarEpoch = time.Date(1985, time.October, 26, 8, 15, 0, 0, time.UTC)

var ErrIntegrityMismatch = errors.New("integrity mismatch")

// Tarball describes a packed archive on disk.
type Tarball struct {
	Path   string
	Size   int64
	Digest digest.Digest
}

// Integrity is the value recorded on the package version.
func (t *Tarball) Integrity() string {
	return t.Digest.String()
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))

	return len(p), nil
}

// Pack writes a gzip-compressed tarball of the include paths (relative to srcDir)
// to dest. Directories are walked recursively in lexical order.
func Pack(srcDir string, include []string, dest string) (*Tarball, error) {
	if len(include) == 0 {
		return nil, errors.New("nothing to pack")
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".pack-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	digester := digest.Canonical.Digester()
	counter := &countingWriter{}
	out := io.MultiWriter(tmp, digester.Hash(), counter)

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, rel := range include {
		if err := addPath(tw, srcDir, rel); err != nil {
			_ = tmp.Close()

			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		_ = tmp.Close()

		return nil, fmt.Errorf("failed to finish tar stream: %w", err)
	}

	if err := gz.Close(); err != nil {
		_ = tmp.Close()

		return nil, fmt.Errorf("failed to finish gzip stream: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tarball: %w", err)
	}

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return nil, fmt.Errorf("failed to move tarball into place: %w", err)
	}

	return &Tarball{Path: dest, Size: counter.n, Digest: digester.Digest()}, nil
}

func addPath(tw *tar.Writer, srcDir, rel string) error {
	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the source directory", rel)
	}

	root := filepath.Join(srcDir, clean)

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		name, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		header := &tar.Header{
			Name:    tarPrefix + "/" + filepath.ToSlash(name),
			ModTime: tarEpoch,
			Mode:    0o644,
		}

		if info.IsDir() {
			header.Typeflag = tar.TypeDir
			header.Name += "/"
			header.Mode = 0o755

			return tw.WriteHeader(header)
		}

		header.Typeflag = tar.TypeReg
		header.Size = info.Size()

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)

		return err
	})
}

// VerifyIntegrity checks r against an integrity value produced by Pack.
func VerifyIntegrity(r io.Reader, integrity string) error {
	expected, err := digest.Parse(integrity)
	if err != nil {
		return fmt.Errorf("invalid integrity %q: %w", integrity, err)
	}

	verifier := expected.Verifier()
	if _, err := io.Copy(verifier, r); err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	if !verifier.Verified() {
		return fmt.Errorf("%w: expected %s", ErrIntegrityMismatch, expected)
	}

	return nil
}

// ListEntries lists the entry names of a tarball produced by Pack.
func ListEntries(r io.Reader) ([]string, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var names []string

	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}

		if err != nil {
			return nil, err
		}

		names = append(names, header.Name)
	}
}
