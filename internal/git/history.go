package git

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// ErrRevisionNotFound is returned when a revision cannot be found in the
// repository history.
var ErrRevisionNotFound = errors.New("revision not found in history")

// Revision is a full commit hash.
type Revision string

func (r Revision) String() string {
	return string(r)
}

// Short returns the abbreviated form used in log output.
func (r Revision) Short() string {
	if len(r) > 12 {
		return string(r[:12])
	}
	return string(r)
}

// ChangeKind classifies how a path changed between two revisions.
type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Present reports whether the path exists at the newer revision and must be
// transferred.
func (k ChangeKind) Present() bool {
	return k == Added || k == Modified
}

// Change is a single affected path, relative to the diff scope.
type Change struct {
	Path string
	Kind ChangeKind
}

// DiffResult is the outcome of Repo.Diff.
type DiffResult struct {
	Changes []Change
	// Full is set when the previous revision was absent or unknown and every
	// file under the scope is reported as Added.
	Full bool
	// Reason explains why Full is set.
	Reason string
}

// Repo reads commit history from a local repository.
type Repo struct {
	repo *gogit.Repository
}

// Open opens the repository containing dir. Parent directories are searched
// for the .git directory.
func Open(dir string) (*Repo, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", dir, err)
	}
	return &Repo{repo: repo}, nil
}

// NewRepo wraps an already opened repository.
func NewRepo(repo *gogit.Repository) *Repo {
	return &Repo{repo: repo}
}

// Resolve turns a branch, tag, abbreviated hash or HEAD into the full commit
// hash it points at.
func (r *Repo) Resolve(rev string) (Revision, error) {
	commit, err := r.commit(rev)
	if err != nil {
		return "", err
	}
	return Revision(commit.Hash.String()), nil
}

// Diff classifies every path under scope that differs between prev and cur.
// An empty or unknown prev yields a full listing of cur. Renames are reported
// as a deletion of the old path and an addition of the new one.
func (r *Repo) Diff(ctx context.Context, prev, cur Revision, scope string) (*DiffResult, error) {
	scope = cleanScope(scope)

	curCommit, err := r.commit(string(cur))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current revision %s: %w", cur, err)
	}

	if prev == "" {
		return r.full(curCommit, scope, "no previous revision")
	}

	prevCommit, err := r.commit(string(prev))
	if errors.Is(err, ErrRevisionNotFound) {
		return r.full(curCommit, scope, fmt.Sprintf("previous revision %s not in history", prev.Short()))
	} else if err != nil {
		return nil, err
	}

	if prevCommit.Hash == curCommit.Hash {
		return &DiffResult{}, nil
	}

	prevTree, err := prevCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", prev, err)
	}
	curTree, err := curCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", cur, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, prevTree, curTree, &object.DiffTreeOptions{DetectRenames: false})
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..%s: %w", prev.Short(), cur.Short(), err)
	}

	kinds := make(map[string]ChangeKind)
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, fmt.Errorf("failed to classify change: %w", err)
		}

		// Submodule entries have no content in this repository and are
		// left out, as in a full listing.
		from, to := isFile(ch.From), isFile(ch.To)
		switch {
		case action == merkletrie.Insert && to:
			record(kinds, scope, ch.To.Name, Added)
		case action == merkletrie.Delete && from:
			record(kinds, scope, ch.From.Name, Deleted)
		case action == merkletrie.Modify:
			if from && to && ch.From.Name == ch.To.Name {
				record(kinds, scope, ch.To.Name, Modified)
				break
			}
			if from {
				record(kinds, scope, ch.From.Name, Deleted)
			}
			if to {
				record(kinds, scope, ch.To.Name, Added)
			}
		}
	}

	return &DiffResult{Changes: sorted(kinds)}, nil
}

// Files lists every file under scope at rev, classified as Added.
func (r *Repo) Files(rev Revision, scope string) ([]Change, error) {
	commit, err := r.commit(string(rev))
	if err != nil {
		return nil, err
	}
	res, err := r.full(commit, cleanScope(scope), "")
	if err != nil {
		return nil, err
	}
	return res.Changes, nil
}

func (r *Repo) full(commit *object.Commit, scope, reason string) (*DiffResult, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree of %s: %w", commit.Hash, err)
	}

	if scope != "" {
		tree, err = tree.Tree(scope)
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return &DiffResult{Full: true, Reason: reason}, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to read %s at %s: %w", scope, commit.Hash, err)
		}
	}

	kinds := make(map[string]ChangeKind)
	err = tree.Files().ForEach(func(f *object.File) error {
		kinds[f.Name] = Added
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files at %s: %w", commit.Hash, err)
	}

	return &DiffResult{Changes: sorted(kinds), Full: true, Reason: reason}, nil
}

func (r *Repo) commit(rev string) (*object.Commit, error) {
	if rev == "" {
		return nil, fmt.Errorf("empty revision: %w", ErrRevisionNotFound)
	}

	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", rev, ErrRevisionNotFound)
		}
		return nil, fmt.Errorf("failed to resolve %s: %w", rev, err)
	}

	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", rev, ErrRevisionNotFound)
		}
		return nil, fmt.Errorf("failed to load commit %s: %w", rev, err)
	}
	return commit, nil
}

// RelativeDir returns dir relative to the root of the working tree, in
// slash form. The root itself is "".
func (r *Repo) RelativeDir(dir string) (string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open working tree: %w", err)
	}
	root, err := realPath(wt.Filesystem.Root())
	if err != nil {
		return "", err
	}
	abs, err := realPath(dir)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the working tree %s", dir, root)
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Dirty lists tracked files under scope whose working tree or staged content
// differs from HEAD. Untracked files are not reported.
func (r *Repo) Dirty(scope string) ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open working tree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read working tree status: %w", err)
	}

	scope = cleanScope(scope)
	var dirty []string
	for name, st := range status {
		if st.Worktree == gogit.Untracked && st.Staging == gogit.Untracked {
			continue
		}
		if st.Worktree == gogit.Unmodified && st.Staging == gogit.Unmodified {
			continue
		}
		if rel, ok := relative(scope, filepath.ToSlash(name)); ok {
			dirty = append(dirty, rel)
		}
	}
	sort.Strings(dirty)
	return dirty, nil
}

func realPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return resolved, nil
}

func isFile(e object.ChangeEntry) bool {
	return e.Name != "" && e.TreeEntry.Mode != filemode.Submodule
}

func isNotFound(err error) bool {
	return errors.Is(err, plumbing.ErrReferenceNotFound) ||
		errors.Is(err, plumbing.ErrObjectNotFound)
}

// record stores kind for name when it lies under scope. A path reported
// twice (type change from file to symlink, for instance) becomes Modified.
func record(kinds map[string]ChangeKind, scope, name string, kind ChangeKind) {
	rel, ok := relative(scope, name)
	if !ok {
		return
	}
	if prev, seen := kinds[rel]; seen && prev != kind {
		kind = Modified
	}
	kinds[rel] = kind
}

func relative(scope, name string) (string, bool) {
	if scope == "" {
		return name, true
	}
	if !strings.HasPrefix(name, scope+"/") {
		return "", false
	}
	return strings.TrimPrefix(name, scope+"/"), true
}

func sorted(kinds map[string]ChangeKind) []Change {
	out := make([]Change, 0, len(kinds))
	for p, k := range kinds {
		out = append(out, Change{Path: p, Kind: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func cleanScope(scope string) string {
	scope = strings.ReplaceAll(scope, `\`, "/")
	if scope == "" {
		return ""
	}
	scope = path.Clean("/" + scope)
	return strings.TrimPrefix(scope, "/")
}
