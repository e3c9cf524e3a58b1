package replay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pmezard/go-difflib/difflib"
)

// Entry is one file of a hashed tree.
type Entry struct {
	Path string // slash-separated, relative to the tree root
	Mode fs.FileMode
	Hash string // sha256 of the content, or of the link target
}

// Listing walks dir and returns its entries sorted by path.
func Listing(dir string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := Entry{Path: filepath.ToSlash(rel), Mode: info.Mode().Type()}
		switch {
		case d.IsDir():
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			entry.Hash = hashBytes([]byte(target))
		case info.Mode().IsRegular():
			h, err := hashFile(p)
			if err != nil {
				return err
			}
			entry.Hash = h
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// HashTree digests a directory tree: paths, entry types and contents. Two
// trees hash equal exactly when they hold the same files with the same
// bytes; timestamps and permissions beyond the type are ignored.
func HashTree(dir string) (string, error) {
	entries, err := Listing(dir)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, e := range entries {
		fmt.Fprintf(h, "%s\x00%s\x00%s\n", e.Path, e.Mode.String(), e.Hash)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff reconstructs indices from and to and returns a unified diff of their
// listings. An empty string means the trees are identical.
func (e *Engine) Diff(ctx context.Context, from, to int) (string, error) {
	a, err := e.Reconstruct(ctx, from)
	if err != nil {
		return "", err
	}
	la, err := Listing(a)
	if err != nil {
		return "", err
	}
	b, err := e.Reconstruct(ctx, to)
	if err != nil {
		return "", err
	}
	lb, err := Listing(b)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        listingLines(la),
		B:        listingLines(lb),
		FromFile: fmt.Sprintf("event %d", from),
		ToFile:   fmt.Sprintf("event %d", to),
		Context:  2,
	})
}

func listingLines(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		switch {
		case e.Mode.IsDir():
			out[i] = e.Path + "/\n"
		case len(e.Hash) >= 12:
			out[i] = fmt.Sprintf("%s  %s\n", e.Path, e.Hash[:12])
		default:
			out[i] = e.Path + "\n"
		}
	}
	return out
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
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

// copyTree copies src into dst, which must not exist yet. Regular files
// keep their permission bits; symlinks are recreated as links.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
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
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
