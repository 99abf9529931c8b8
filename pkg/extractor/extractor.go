// Package extractor unpacks uploaded project archives into a build directory.
// Every entry is checked against the destination before anything is written,
// and a failed extraction leaves no partial tree behind.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/codeclysm/extract"
	"github.com/klauspost/compress/zip"
)

const (
	DefaultMaxBytes   int64 = 400 << 20
	DefaultMaxEntries       = 20000

	stagingSuffix = ".partial"
	maxLinkTarget = 4096
)

var (
	ErrPathTraversal   = errors.New("archive entry escapes the extraction directory")
	ErrArchiveTooLarge = errors.New("archive exceeds extraction limits")
	ErrCorruptArchive  = errors.New("archive is not a readable zip file")
)

// TraversalError names the offending entry.
type TraversalError struct {
	Entry  string
	Reason string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%v: %q (%s)", ErrPathTraversal, e.Entry, e.Reason)
}

func (e *TraversalError) Unwrap() error {
	return ErrPathTraversal
}

type Options struct {
	MaxBytes   int64
	MaxEntries int
}

type Extractor struct {
	maxBytes   int64
	maxEntries int
}

func New(opts Options) *Extractor {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	return &Extractor{maxBytes: opts.MaxBytes, maxEntries: opts.MaxEntries}
}

// Extract unpacks archivePath into targetDir, which must not exist yet.
// Either the whole archive lands in targetDir or nothing does.
func (e *Extractor) Extract(ctx context.Context, archivePath, targetDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", targetDir, err)
	}
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("extraction target %s already exists", target)
	}

	if err := e.validate(archivePath, target); err != nil {
		return err
	}

	staging := target + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	if err := e.unpack(ctx, archivePath, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	if err := os.Rename(staging, target); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("publishing extracted tree: %w", err)
	}
	return nil
}

func (e *Extractor) unpack(ctx context.Context, archivePath, staging string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	if err := extract.Zip(ctx, f, staging, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	return verifyLinks(staging)
}

// validate walks the central directory and rejects the archive before any write.
func (e *Extractor) validate(archivePath, target string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer r.Close()

	if len(r.File) > e.maxEntries {
		return fmt.Errorf("%w: %d entries, limit is %d", ErrArchiveTooLarge, len(r.File), e.maxEntries)
	}

	var total uint64
	links := map[string]bool{}
	paths := make([]string, 0, len(r.File))

	for _, zf := range r.File {
		rel, err := entryPath(target, zf.Name)
		if err != nil {
			return err
		}

		total += zf.UncompressedSize64
		if total > uint64(e.maxBytes) {
			return fmt.Errorf("%w: more than %d bytes uncompressed", ErrArchiveTooLarge, e.maxBytes)
		}

		if zf.Mode()&os.ModeSymlink != 0 {
			if rel == "." {
				return &TraversalError{Entry: zf.Name, Reason: "symlink replaces the extraction root"}
			}
			if err := checkLink(target, rel, zf); err != nil {
				return err
			}
			links[rel] = true
		}
		paths = append(paths, rel)
	}

	for i, rel := range paths {
		for dir := filepath.Dir(rel); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			if links[dir] {
				return &TraversalError{Entry: r.File[i].Name, Reason: "nested under symlink " + dir}
			}
		}
	}

	return nil
}

// entryPath returns name relative to target, or a TraversalError when name
// would land outside of it.
func entryPath(target, name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", &TraversalError{Entry: name, Reason: "NUL byte in name"}
	}

	normalized := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", &TraversalError{Entry: name, Reason: "absolute path"}
	}

	for _, candidate := range []string{name, normalized} {
		if !within(target, filepath.Join(target, candidate)) {
			return "", &TraversalError{Entry: name, Reason: "resolves outside the target"}
		}
	}

	rel, err := filepath.Rel(target, filepath.Join(target, name))
	if err != nil {
		return "", &TraversalError{Entry: name, Reason: err.Error()}
	}
	return rel, nil
}

func checkLink(target, rel string, zf *zip.File) error {
	if zf.UncompressedSize64 > maxLinkTarget {
		return &TraversalError{Entry: zf.Name, Reason: "symlink target too long"}
	}

	rc, err := zf.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget+1))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	dest := string(raw)
	if dest == "" || strings.ContainsRune(dest, 0) {
		return &TraversalError{Entry: zf.Name, Reason: "invalid symlink target"}
	}
	if filepath.IsAbs(dest) || strings.HasPrefix(strings.ReplaceAll(dest, `\`, "/"), "/") {
		return &TraversalError{Entry: zf.Name, Reason: "absolute symlink target " + dest}
	}

	resolved := filepath.Join(target, filepath.Dir(rel), dest)
	if !within(target, resolved) {
		return &TraversalError{Entry: zf.Name, Reason: "symlink target " + dest + " leaves the target"}
	}
	return nil
}

// verifyLinks re-checks the links that actually landed on disk.
func verifyLinks(root string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return err
	}

	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}

		resolved, err := filepath.EvalSymlinks(p)
		if errors.Is(err, os.ErrNotExist) {
			dest, rerr := os.Readlink(p)
			if rerr != nil {
				return rerr
			}
			if filepath.IsAbs(dest) {
				resolved = dest
			} else {
				resolved = filepath.Join(realRoot, mustRel(root, filepath.Dir(p)), dest)
			}
		} else if err != nil {
			return err
		}

		if !within(realRoot, resolved) {
			rel, _ := filepath.Rel(root, p)
			return &TraversalError{Entry: rel, Reason: "extracted symlink resolves to " + resolved}
		}
		return nil
	})
}

// within reports whether p is root or lies beneath it.
func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func mustRel(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return "."
	}
	return rel
}
