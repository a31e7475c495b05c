package backup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// packDir writes the regular files under dir into a gzip tar at dest.
// Member names are relative, slash separated and sorted.
func packDir(dir, dest string) (int64, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("symlinks are not allowed in backups: %s", p)
		}
		if info.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	var raw int64
	for _, p := range files {
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			_ = out.Close()
			return 0, err
		}
		n, err := addFile(tw, p, filepath.ToSlash(rel))
		if err != nil {
			_ = out.Close()
			return 0, err
		}
		raw += n
	}
	if err := tw.Close(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return raw, nil
}

func addFile(tw *tar.Writer, src, name string) (int64, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	hdr.Mode = 0o600
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(tw, in)
}

// memberPath validates a tar member name and returns it cleaned.
func memberPath(hdr *tar.Header) (string, error) {
	name := hdr.Name
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeDir:
	case tar.TypeSymlink, tar.TypeLink:
		return "", fmt.Errorf("%w: link member %q", ErrUnsafeArchive, name)
	default:
		return "", fmt.Errorf("%w: unsupported member type %q for %q", ErrUnsafeArchive, hdr.Typeflag, name)
	}
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: absolute member %q", ErrUnsafeArchive, name)
	}
	for _, part := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: member %q escapes archive root", ErrUnsafeArchive, name)
		}
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", fmt.Errorf("%w: empty member name", ErrUnsafeArchive)
	}
	return clean, nil
}

// inspectArchive checks every member before anything is extracted.
func inspectArchive(src string) error {
	return walkArchive(src, func(hdr *tar.Header, _ io.Reader) error {
		_, err := memberPath(hdr)
		return err
	})
}

// unpackArchive extracts src into root. Call inspectArchive first.
func unpackArchive(src, root string) error {
	return walkArchive(src, func(hdr *tar.Header, r io.Reader) error {
		rel, err := memberPath(hdr)
		if err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(rel))
		if !pathWithin(target, root) {
			return fmt.Errorf("%w: member %q escapes extraction root", ErrUnsafeArchive, hdr.Name)
		}
		if hdr.Typeflag == tar.TypeDir {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, r); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}

func walkArchive(src string, fn func(*tar.Header, io.Reader) error) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open backup archive: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", ErrUnsafeArchive, err)
		}
		if err != nil {
			return fmt.Errorf("read backup archive: %w", err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func pathWithin(candidate, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(candidate))
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
