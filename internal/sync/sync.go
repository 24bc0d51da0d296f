package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/schaermu/deploysync/internal/checkpoint"
	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/hook"
	"github.com/schaermu/deploysync/internal/ignore"
	"github.com/schaermu/deploysync/internal/transfer"
)

// History resolves revisions and computes path changes between them.
type History interface {
	Resolve(rev string) (git.Revision, error)
	Diff(ctx context.Context, prev, cur git.Revision, scope string) (*git.DiffResult, error)
}

// Transfer applies a change set to the target.
type Transfer interface {
	Stage(paths []string) (*transfer.Archive, error)
	Transmit(ctx context.Context, archive *transfer.Archive) error
	RemoveRemote(ctx context.Context, paths []string) error
}

// Worktree is implemented by histories backed by a checkout. It places
// source.dir inside the repository and reports uncommitted edits.
type Worktree interface {
	RelativeDir(dir string) (string, error)
	Dirty(scope string) ([]string, error)
}

// HookRunner runs the pre- and post-deploy hooks.
type HookRunner interface {
	Run(ctx context.Context, name string, h config.Hook, env map[string]string) error
}

// Rules decides which paths are excluded from a deployment.
type Rules interface {
	IsExcluded(path string) bool
}

// Deps are the collaborators of an Engine. History and Rules are loaded from
// the source directory when nil; Fetcher is only used when source.url is set.
type Deps struct {
	Fetcher  git.Fetcher
	History  History
	Rules    Rules
	Store    checkpoint.Store
	Transfer Transfer
	Hooks    HookRunner
}

// Options are per-run overrides of the configuration.
type Options struct {
	DryRun bool
	// Full ignores the stored checkpoint.
	Full bool
	// Ref overrides source.ref.
	Ref string
	// Excludes are appended to sync.exclude.
	Excludes []string
}

// Engine orchestrates a deployment run
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	opts   Options
	// scope is the deployed subtree relative to the repository root.
	scope string
}

// NewEngine creates a new deployment engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger, opts Options) *Engine {
	return &Engine{cfg: cfg, deps: deps, logger: logger, opts: opts}
}

// Run executes one deployment. The returned Result is always populated; on
// failure the error is a *RunError and the checkpoint is left untouched.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{DryRun: e.opts.DryRun, Stage: StageInit}

	err := e.run(ctx, &res)
	res.Duration = time.Since(start)

	if err != nil {
		runErr := err.(*RunError)
		res.Status = runErr.Status
		res.Stage = runErr.Stage
		e.logger.Error("deployment failed",
			"status", res.Status,
			"stage", res.Stage.String(),
			"error", runErr.Err)
		return res, err
	}

	res.Status = StatusSuccess
	e.logger.Info("deployment finished",
		"mode", res.Mode,
		"revision", res.Current.Short(),
		"transferred", res.Transferred,
		"deleted", res.Deleted,
		"skipped", res.Skipped,
		"dry_run", res.DryRun,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func fail(status Status, stage Stage, sentinel, cause error) error {
	return &RunError{Status: status, Stage: stage, Err: fmt.Errorf("%w: %w", sentinel, cause)}
}

func (e *Engine) run(ctx context.Context, res *Result) error {
	e.logger.Info("starting deployment",
		"source", e.cfg.ScopeDir(),
		"target", e.cfg.Target(),
		"ref", e.ref(),
		"dry_run", e.opts.DryRun)

	// Init
	cur, err := e.init(ctx)
	if err != nil {
		return fail(StatusFailedPrecheck, StageInit, ErrPrecheck, err)
	}
	res.Current = cur

	// CheckpointRead
	res.Stage = StageCheckpointRead
	var prev git.Revision
	if e.opts.Full || e.cfg.Sync.ForceFull {
		e.logger.Info("full deployment requested, ignoring checkpoint")
	} else if rev, ok := e.deps.Store.Read(ctx); ok {
		prev = rev
	}
	res.Previous = prev

	// DiffComputed
	res.Stage = StageDiffComputed
	diff, err := e.deps.History.Diff(ctx, prev, cur, e.scope)
	if err != nil {
		return fail(StatusFailedPrecheck, StageDiffComputed, ErrPrecheck, err)
	}
	res.Mode = ModeIncremental
	if diff.Full {
		res.Mode = ModeFull
		e.logger.Info("deploying full tree", "reason", fullReason(diff, e.opts.Full || e.cfg.Sync.ForceFull))
	}

	plan := e.buildPlan(diff)
	for _, c := range plan.Transfer {
		if c.Kind == git.Added {
			res.Added++
		} else {
			res.Modified++
		}
	}
	res.Skipped = len(plan.Skipped)

	e.logger.Info("deployment plan",
		"mode", res.Mode,
		"previous", prev.Short(),
		"revision", cur.Short(),
		"added", res.Added,
		"modified", res.Modified,
		"deleted", len(plan.Delete),
		"skipped", res.Skipped)

	if plan.Empty() {
		return e.noop(ctx, res, prev, cur)
	}

	if e.opts.DryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		res.Stage = StageDone
		return nil
	}

	env := e.hookEnv(prev, cur, res.Mode)
	if err := e.runHook(ctx, "pre_deploy", e.cfg.Hooks.PreDeploy, env); err != nil {
		return fail(StatusFailedPrecheck, StageDiffComputed, ErrPrecheck, err)
	}

	// Packaging
	res.Stage = StagePackaging
	archive, err := e.deps.Transfer.Stage(plan.TransferPaths())
	if err != nil {
		return fail(StatusFailedTransfer, StagePackaging, ErrPackaging, err)
	}
	defer func() {
		if err := archive.Close(); err != nil {
			e.logger.Warn("failed to remove staged archive", "error", err)
		}
	}()

	// Transferring
	res.Stage = StageTransferring
	if err := e.deps.Transfer.Transmit(ctx, archive); err != nil {
		return fail(StatusFailedTransfer, StageTransferring, ErrTransfer, err)
	}
	res.Transferred = len(plan.Transfer)
	e.logger.Info("transferred files", "count", res.Transferred)

	// Cleaning
	res.Stage = StageCleaning
	if err := e.deps.Transfer.RemoveRemote(ctx, plan.Delete); err != nil {
		return fail(StatusFailedCleanup, StageCleaning, ErrRemoteDeletion, err)
	}
	res.Deleted = len(plan.Delete)
	if res.Deleted > 0 {
		e.logger.Info("removed deleted files", "count", res.Deleted)
	}

	// CheckpointWritten
	if err := e.deps.Store.Write(ctx, cur); err != nil {
		return fail(StatusFailedCleanup, StageCleaning, ErrCheckpointWrite, err)
	}
	res.Stage = StageCheckpointWritten
	e.logger.Info("checkpoint updated", "revision", cur.Short())

	if err := e.runHook(ctx, "post_deploy", e.cfg.Hooks.PostDeploy, env); err != nil {
		e.logger.Warn("post-deploy hook failed", "error", err)
		res.PostDeployErr = err
	}

	res.Stage = StageDone
	return nil
}

// init prepares the source tree and resolves the revision to deploy.
func (e *Engine) init(ctx context.Context) (git.Revision, error) {
	var fetched git.Revision
	if e.cfg.Source.URL != "" && e.deps.Fetcher != nil {
		e.logger.Info("fetching repository", "url", e.cfg.Source.URL, "dest", e.cfg.Source.Dir)
		rev, err := e.deps.Fetcher.EnsureCheckout(ctx, e.cfg.Source.URL, e.ref(), e.cfg.Source.Dir)
		if err != nil {
			return "", fmt.Errorf("failed to checkout repository: %w", err)
		}
		fetched = rev
	}

	if e.deps.History == nil {
		repo, err := git.Open(e.cfg.Source.Dir)
		if err != nil {
			return "", err
		}
		e.deps.History = repo
	}

	e.scope = e.cfg.Scope()
	if wt, ok := e.deps.History.(Worktree); ok {
		if err := e.checkWorktree(wt); err != nil {
			return "", err
		}
	}

	if e.deps.Rules == nil {
		excludes := append(e.cfg.ExcludePatterns(), e.opts.Excludes...)
		rules, err := ignore.Load(e.cfg.ScopeDir(), e.cfg.Sync.IgnoreFile, e.cfg.Sync.CheckpointFile, excludes)
		if err != nil {
			return "", fmt.Errorf("failed to load ignore rules: %w", err)
		}
		e.logger.Debug("loaded ignore rules", "count", rules.Len())
		e.deps.Rules = rules
	}

	if fetched != "" {
		e.logger.Info("repository checked out", "revision", fetched.Short())
		return fetched, nil
	}

	cur, err := e.deps.History.Resolve(e.ref())
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", e.ref(), err)
	}

	// Files are staged from the working tree, which must hold the revision
	// being recorded.
	head, err := e.deps.History.Resolve("HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	if head != cur {
		return "", fmt.Errorf("working tree is at %s but %s resolves to %s", head.Short(), e.ref(), cur.Short())
	}
	return cur, nil
}

// checkWorktree roots the scope at the top level of the repository and
// refuses tracked files with uncommitted edits under it.
func (e *Engine) checkWorktree(wt Worktree) error {
	prefix, err := wt.RelativeDir(e.cfg.Source.Dir)
	if err != nil {
		return err
	}
	e.scope = path.Join(prefix, e.cfg.Scope())

	dirty, err := wt.Dirty(e.scope)
	if err != nil {
		return err
	}
	if len(dirty) == 0 {
		return nil
	}
	if !e.cfg.Sync.AllowDirty {
		return fmt.Errorf("%d tracked files under %s have uncommitted changes (%s); commit them or set sync.allow_dirty",
			len(dirty), e.cfg.ScopeDir(), preview(dirty))
	}
	e.logger.Warn("deploying uncommitted changes", "files", len(dirty), "paths", preview(dirty))
	return nil
}

func preview(paths []string) string {
	const limit = 5
	if len(paths) <= limit {
		return strings.Join(paths, ", ")
	}
	return strings.Join(paths[:limit], ", ") + fmt.Sprintf(", and %d more", len(paths)-limit)
}

// noop finishes a run without changes. The checkpoint is only rewritten when
// it does not already hold the current revision.
func (e *Engine) noop(ctx context.Context, res *Result, prev, cur git.Revision) error {
	res.Mode = ModeNoOp
	res.Stage = StageNoOp

	if prev == cur {
		e.logger.Info("target is up to date", "revision", cur.Short())
		res.Stage = StageDone
		return nil
	}

	if e.opts.DryRun {
		e.logger.Info("[dry-run] would update checkpoint", "revision", cur.Short())
		res.Stage = StageDone
		return nil
	}

	if err := e.deps.Store.Write(ctx, cur); err != nil {
		return fail(StatusFailedCleanup, StageNoOp, ErrCheckpointWrite, err)
	}
	e.logger.Info("no deployable changes, checkpoint updated", "revision", cur.Short())
	res.Stage = StageDone
	return nil
}

// buildPlan filters the diff through the ignore rules
func (e *Engine) buildPlan(diff *git.DiffResult) *Plan {
	plan := &Plan{
		Transfer: make([]git.Change, 0),
		Delete:   make([]string, 0),
	}

	for _, c := range diff.Changes {
		if e.deps.Rules.IsExcluded(c.Path) {
			plan.Skipped = append(plan.Skipped, c.Path)
			continue
		}
		if c.Kind.Present() {
			plan.Transfer = append(plan.Transfer, c)
		} else {
			plan.Delete = append(plan.Delete, c.Path)
		}
	}
	return plan
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, c := range plan.Transfer {
		e.logger.Info("[dry-run] would transfer", "path", c.Path, "change", c.Kind.String())
	}
	for _, p := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "path", p)
	}
	for _, p := range plan.Skipped {
		e.logger.Debug("[dry-run] excluded", "path", p)
	}
}

func (e *Engine) runHook(ctx context.Context, name string, h config.Hook, env map[string]string) error {
	if e.deps.Hooks == nil {
		return nil
	}
	return e.deps.Hooks.Run(ctx, name, h, env)
}

func (e *Engine) hookEnv(prev, cur git.Revision, mode Mode) map[string]string {
	return map[string]string{
		hook.EnvRevision: string(cur),
		hook.EnvPrevious: string(prev),
		hook.EnvMode:     string(mode),
		hook.EnvRoot:     e.cfg.Remote.Root,
	}
}

func (e *Engine) ref() string {
	if e.opts.Ref != "" {
		return e.opts.Ref
	}
	return e.cfg.Source.Ref
}

func fullReason(diff *git.DiffResult, forced bool) string {
	if forced {
		return "forced"
	}
	return diff.Reason
}
