// Package transfer moves changed files to the deployment target and removes
// deleted ones.
package transfer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/schaermu/deploysync/internal/remote"
)

// batchSize bounds the number of paths passed to a single remote command.
const batchSize = 200

// Archive is a staged gzip compressed tarball on local disk.
type Archive struct {
	path  string
	Files int
	Bytes int64
}

// Open returns a reader over the compressed archive.
func (a *Archive) Open() (*os.File, error) {
	return os.Open(a.path)
}

// Close removes the staged file.
func (a *Archive) Close() error {
	if a == nil || a.path == "" {
		return nil
	}
	err := os.Remove(a.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Options configures a Packager.
type Options struct {
	// LocalRoot is the directory staged paths are read from.
	LocalRoot string
	// RemoteRoot is the deployment root on the target.
	RemoteRoot string
	// PruneEmptyDirs removes directories left empty by RemoveRemote.
	PruneEmptyDirs bool
	// TempDir holds staged archives. Empty means os.TempDir.
	TempDir string
}

// Packager stages files from the local tree and applies them to the target.
type Packager struct {
	opts   Options
	ch     remote.Channel
	logger *slog.Logger
}

// NewPackager returns a packager that runs its remote commands through ch.
func NewPackager(ch remote.Channel, opts Options, logger *slog.Logger) *Packager {
	return &Packager{opts: opts, ch: ch, logger: logger}
}

// Stage writes the given paths, relative to the local root, into a new
// archive. Regular files and symlinks are supported and keep their mode. An
// empty path list returns a nil archive.
func (p *Packager) Stage(paths []string) (archive *Archive, err error) {
	if len(paths) == 0 {
		return nil, nil
	}

	f, err := os.CreateTemp(p.opts.TempDir, "deploysync-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive file: %w", err)
	}
	archive = &Archive{path: f.Name()}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("failed to close archive file: %w", cerr)
		}
		if err != nil {
			_ = archive.Close()
			archive = nil
		}
	}()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, rel := range paths {
		n, err := p.add(tw, rel)
		if err != nil {
			return archive, err
		}
		archive.Files++
		archive.Bytes += n
	}

	if err := tw.Close(); err != nil {
		return archive, fmt.Errorf("failed to finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return archive, fmt.Errorf("failed to finish gzip stream: %w", err)
	}

	p.logger.Debug("staged archive", "files", archive.Files, "bytes", archive.Bytes, "path", archive.path)
	return archive, nil
}

func (p *Packager) add(tw *tar.Writer, rel string) (int64, error) {
	if err := checkPath(rel); err != nil {
		return 0, err
	}

	full := filepath.Join(p.opts.LocalRoot, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", rel, err)
	}

	var link string
	switch {
	case info.Mode().IsRegular():
	case info.Mode()&os.ModeSymlink != 0:
		if link, err = os.Readlink(full); err != nil {
			return 0, fmt.Errorf("failed to read symlink %s: %w", rel, err)
		}
	default:
		return 0, fmt.Errorf("unsupported file type for %s: %s", rel, info.Mode().Type())
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return 0, fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	hdr.Name = rel
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	hdr.Format = tar.FormatPAX

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, fmt.Errorf("failed to write header for %s: %w", rel, err)
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	src, err := os.Open(full)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer func() { _ = src.Close() }()

	n, err := io.Copy(tw, src)
	if err != nil {
		return n, fmt.Errorf("failed to archive %s: %w", rel, err)
	}
	return n, nil
}

// Transmit streams the archive into the remote root, creating it if needed.
// A nil archive is a no-op.
func (p *Packager) Transmit(ctx context.Context, archive *Archive) error {
	if archive == nil {
		return nil
	}

	f, err := archive.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	root := remote.Quote(p.opts.RemoteRoot)
	cmd := fmt.Sprintf("mkdir -p %s && tar -x -z -o -f - -C %s", root, root)
	if _, err := p.ch.Run(ctx, cmd, f); err != nil {
		return fmt.Errorf("failed to extract archive into %s: %w", p.opts.RemoteRoot, err)
	}

	p.logger.Debug("transmitted archive", "files", archive.Files, "root", p.opts.RemoteRoot)
	return nil
}

// RemoveRemote deletes paths, relative to the remote root, from the target.
// Paths that are already absent are not an error.
func (p *Packager) RemoveRemote(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	for _, rel := range paths {
		if err := checkPath(rel); err != nil {
			return err
		}
	}

	root := remote.Quote(p.opts.RemoteRoot)
	for _, batch := range batches(paths, batchSize) {
		cmd := fmt.Sprintf("cd %s && rm -f -- %s", root, remote.QuoteAll(batch))
		if _, err := p.ch.Run(ctx, cmd, nil); err != nil {
			return fmt.Errorf("failed to remove files under %s: %w", p.opts.RemoteRoot, err)
		}
	}
	p.logger.Debug("removed remote files", "count", len(paths), "root", p.opts.RemoteRoot)

	if p.opts.PruneEmptyDirs {
		p.prune(ctx, paths)
	}
	return nil
}

// prune removes parent directories of paths that are now empty. Failures
// only mean a directory still has content.
func (p *Packager) prune(ctx context.Context, paths []string) {
	dirs := parentDirs(paths)
	if len(dirs) == 0 {
		return
	}

	root := remote.Quote(p.opts.RemoteRoot)
	for _, batch := range batches(dirs, batchSize) {
		cmd := fmt.Sprintf("cd %s && rmdir -- %s 2>/dev/null; true", root, remote.QuoteAll(batch))
		if _, err := p.ch.Run(ctx, cmd, nil); err != nil {
			p.logger.Debug("failed to prune directories", "error", err)
			return
		}
	}
}

// parentDirs returns every ancestor directory of paths, deepest first.
func parentDirs(paths []string) []string {
	seen := make(map[string]bool)
	for _, p := range paths {
		for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
			seen[dir] = true
		}
	}

	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Slice(dirs, func(i, j int) bool {
		di, dj := strings.Count(dirs[i], "/"), strings.Count(dirs[j], "/")
		if di != dj {
			return di > dj
		}
		return dirs[i] < dirs[j]
	})
	return dirs
}

func batches(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// checkPath rejects paths that could reach outside the deployment root.
func checkPath(rel string) error {
	if rel == "" || path.IsAbs(rel) {
		return fmt.Errorf("invalid path %q", rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." || seg == "." || seg == "" {
			return fmt.Errorf("invalid path %q", rel)
		}
	}
	return nil
}
