package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/remote"
)

// sourceRepo is a real repository used as deployment source.
type sourceRepo struct {
	t   *testing.T
	dir string
	wt  *gogit.Worktree
}

func newSourceRepo(t *testing.T) *sourceRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	return &sourceRepo{t: t, dir: dir, wt: wt}
}

func (r *sourceRepo) write(name, content string) {
	r.t.Helper()
	p := filepath.Join(r.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		r.t.Fatal(err)
	}
	if _, err := r.wt.Add(name); err != nil {
		r.t.Fatal(err)
	}
}

func (r *sourceRepo) remove(name string) {
	r.t.Helper()
	if _, err := r.wt.Remove(name); err != nil {
		r.t.Fatal(err)
	}
}

func (r *sourceRepo) commit(msg string) git.Revision {
	r.t.Helper()
	hash, err := r.wt.Commit(msg, &gogit.CommitOptions{
		All:    true,
		Author: &object.Signature{Name: "Test", Email: "test@test.com", When: time.Now()},
	})
	if err != nil {
		r.t.Fatal(err)
	}
	return git.Revision(hash.String())
}

func deploy(t *testing.T, cfg *config.Config, opts Options) Result {
	t.Helper()
	ch := remote.NewLocalChannel("")
	res, err := NewEngine(cfg, DefaultDeps(cfg, ch, testLogger()), testLogger(), opts).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func TestDeploy_EndToEnd(t *testing.T) {
	src := newSourceRepo(t)
	target := filepath.Join(t.TempDir(), "www")

	src.write(".gitignore", "*.log\n!important.log\n")
	src.write("index.html", "v1")
	src.write("blog/2024/post.html", "post")
	src.write("debug.log", "noise")
	src.write("important.log", "keep me")
	src.write("drafts/wip.html", "wip")
	rev1 := src.commit("initial")

	cfg := &config.Config{
		Source: config.SourceConfig{Dir: src.dir, Ref: "HEAD"},
		Remote: config.RemoteConfig{Root: target},
		Sync: config.SyncConfig{
			Exclude:        "drafts/",
			IgnoreFile:     ".gitignore",
			CheckpointFile: marker,
			PruneEmptyDirs: true,
		},
	}

	// First deploy: everything not excluded is transferred.
	res := deploy(t, cfg, Options{})
	if res.Mode != ModeFull || res.Current != rev1 {
		t.Fatalf("unexpected first result %+v", res)
	}
	for _, want := range []string{".gitignore", "index.html", "blog/2024/post.html", "important.log"} {
		if !exists(filepath.Join(target, want)) {
			t.Errorf("%s missing after first deploy", want)
		}
	}
	for _, unwanted := range []string{"debug.log", "drafts/wip.html"} {
		if exists(filepath.Join(target, unwanted)) {
			t.Errorf("%s must not be deployed", unwanted)
		}
	}
	content, err := os.ReadFile(filepath.Join(target, marker))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(content)) != string(rev1) {
		t.Errorf("checkpoint = %q, want %s", content, rev1)
	}

	// Second deploy without changes is a no-op.
	res = deploy(t, cfg, Options{})
	if res.Mode != ModeNoOp || res.Transferred != 0 {
		t.Errorf("expected no-op, got %+v", res)
	}

	// Incremental update with a modification and a deletion.
	src.write("index.html", "v2")
	src.remove("blog/2024/post.html")
	rev2 := src.commit("update")

	res = deploy(t, cfg, Options{})
	if res.Mode != ModeIncremental || res.Previous != rev1 || res.Current != rev2 {
		t.Fatalf("unexpected incremental result %+v", res)
	}
	if res.Modified != 1 || res.Deleted != 1 {
		t.Errorf("counts: modified=%d deleted=%d", res.Modified, res.Deleted)
	}
	if got, _ := os.ReadFile(filepath.Join(target, "index.html")); string(got) != "v2" {
		t.Errorf("index.html = %q, want v2", got)
	}
	if exists(filepath.Join(target, "blog")) {
		t.Error("empty blog directory should have been pruned")
	}
	content, _ = os.ReadFile(filepath.Join(target, marker))
	if strings.TrimSpace(string(content)) != string(rev2) {
		t.Errorf("checkpoint = %q, want %s", content, rev2)
	}
}

func TestDeploy_UnknownCheckpointFallsBackToFull(t *testing.T) {
	src := newSourceRepo(t)
	target := t.TempDir()

	src.write("a.html", "a")
	src.commit("initial")

	unknown := strings.Repeat("e", 40) + "\n"
	if err := os.WriteFile(filepath.Join(target, marker), []byte(unknown), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Source: config.SourceConfig{Dir: src.dir, Ref: "HEAD"},
		Remote: config.RemoteConfig{Root: target},
		Sync:   config.SyncConfig{IgnoreFile: ".gitignore", CheckpointFile: marker},
	}

	res := deploy(t, cfg, Options{})
	if res.Mode != ModeFull || res.Transferred != 1 {
		t.Errorf("expected full deploy, got %+v", res)
	}
}

func TestDeploy_Subdir(t *testing.T) {
	src := newSourceRepo(t)
	target := t.TempDir()

	src.write("public/index.html", "site")
	src.write("public/.gitignore", "*.map\n")
	src.write("public/app.js.map", "map")
	src.write("README.md", "outside scope")
	src.commit("initial")

	cfg := &config.Config{
		Source: config.SourceConfig{Dir: src.dir, Ref: "HEAD", Subdir: "public"},
		Remote: config.RemoteConfig{Root: target},
		Sync:   config.SyncConfig{IgnoreFile: ".gitignore", CheckpointFile: marker},
	}

	res := deploy(t, cfg, Options{})
	if res.Transferred != 2 {
		t.Errorf("Transferred = %d, want 2", res.Transferred)
	}
	if !exists(filepath.Join(target, "index.html")) {
		t.Error("index.html should be deployed at the target root")
	}
	if exists(filepath.Join(target, "README.md")) || exists(filepath.Join(target, "public")) {
		t.Error("files outside the scope must not be deployed")
	}
	if exists(filepath.Join(target, "app.js.map")) {
		t.Error("nested ignore file not honored")
	}
}

func TestDeploy_NestedSourceDir(t *testing.T) {
	src := newSourceRepo(t)
	target := t.TempDir()

	src.write("public/index.html", "v1")
	src.write("README.md", "outside scope")
	src.commit("initial")

	cfg := &config.Config{
		Source: config.SourceConfig{Dir: filepath.Join(src.dir, "public"), Ref: "HEAD"},
		Remote: config.RemoteConfig{Root: target},
		Sync:   config.SyncConfig{IgnoreFile: ".gitignore", CheckpointFile: marker},
	}

	res := deploy(t, cfg, Options{})
	if res.Mode != ModeFull || res.Transferred != 1 {
		t.Errorf("expected full deploy of one file, got %+v", res)
	}

	src.write("README.md", "changed outside scope")
	src.write("public/about.html", "about")
	src.commit("update")

	res = deploy(t, cfg, Options{})
	if res.Mode != ModeIncremental || res.Added != 1 || res.Modified != 0 {
		t.Errorf("expected one added file, got %+v", res)
	}
	for _, want := range []string{"index.html", "about.html"} {
		if !exists(filepath.Join(target, want)) {
			t.Errorf("%s missing at the target root", want)
		}
	}
	if exists(filepath.Join(target, "README.md")) || exists(filepath.Join(target, "public")) {
		t.Error("paths must be relative to source.dir")
	}
}

func TestDeploy_DirtyWorktree(t *testing.T) {
	src := newSourceRepo(t)
	target := t.TempDir()

	src.write("index.html", "committed")
	src.commit("initial")
	if err := os.WriteFile(filepath.Join(src.dir, "index.html"), []byte("uncommitted"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Source: config.SourceConfig{Dir: src.dir, Ref: "HEAD"},
		Remote: config.RemoteConfig{Root: target},
		Sync:   config.SyncConfig{IgnoreFile: ".gitignore", CheckpointFile: marker},
	}

	ch := remote.NewLocalChannel("")
	res, err := NewEngine(cfg, DefaultDeps(cfg, ch, testLogger()), testLogger(), Options{}).Run(context.Background())
	if !errors.Is(err, ErrPrecheck) || !strings.Contains(err.Error(), "index.html") {
		t.Fatalf("expected precheck error naming index.html, got %v", err)
	}
	if res.Status.ExitCode() != 2 || exists(filepath.Join(target, "index.html")) || exists(filepath.Join(target, marker)) {
		t.Errorf("dirty working tree was deployed: %+v", res)
	}

	cfg.Sync.AllowDirty = true
	if res := deploy(t, cfg, Options{}); res.Transferred != 1 {
		t.Errorf("expected deploy with allow_dirty, got %+v", res)
	}
}
