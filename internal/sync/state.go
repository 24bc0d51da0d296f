package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/schaermu/deploysync/internal/git"
)

var (
	// ErrPrecheck covers everything that fails before the target is modified:
	// checkout, history, ignore rules, revision resolution, the diff and the
	// pre-deploy hook.
	ErrPrecheck = errors.New("precheck failed")
	// ErrPackaging is returned when the local archive cannot be built.
	ErrPackaging = errors.New("packaging failed")
	// ErrTransfer is returned when the archive cannot be applied on the target.
	ErrTransfer = errors.New("transfer failed")
	// ErrRemoteDeletion is returned when deleted paths cannot be removed.
	ErrRemoteDeletion = errors.New("remote deletion failed")
	// ErrCheckpointWrite is returned when all files were applied but the new
	// revision could not be recorded.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
)

// Mode describes how the change set of a run was computed.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	ModeNoOp        Mode = "no-op"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusFailedPrecheck Status = "failed-precheck"
	StatusFailedTransfer Status = "failed-transfer"
	StatusFailedCleanup  Status = "failed-cleanup"
)

// ExitCode maps the status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusFailedPrecheck:
		return 2
	case StatusFailedTransfer:
		return 3
	case StatusFailedCleanup:
		return 4
	default:
		return 1
	}
}

// Stage is a step of the deployment state machine.
type Stage int

const (
	StageInit Stage = iota
	StageCheckpointRead
	StageDiffComputed
	StageNoOp
	StagePackaging
	StageTransferring
	StageCleaning
	StageCheckpointWritten
	StageDone
)

var stageNames = [...]string{
	StageInit:              "init",
	StageCheckpointRead:    "checkpoint-read",
	StageDiffComputed:      "diff-computed",
	StageNoOp:              "no-op",
	StagePackaging:         "packaging",
	StageTransferring:      "transferring",
	StageCleaning:          "cleaning",
	StageCheckpointWritten: "checkpoint-written",
	StageDone:              "done",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Result summarizes a finished run.
type Result struct {
	Mode     Mode
	Status   Status
	Stage    Stage
	Previous git.Revision
	Current  git.Revision

	Added       int
	Modified    int
	Transferred int
	Deleted     int
	Skipped     int

	DryRun bool
	// PostDeployErr is set when the post-deploy hook failed. It does not
	// change Status.
	PostDeployErr error
	Duration      time.Duration
}

// RunError is returned by Engine.Run for every failed run.
type RunError struct {
	Status Status
	Stage  Stage
	Err    error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("deployment %s at stage %s: %v", e.Status, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// StatusOf returns the status carried by err, StatusSuccess for nil, and an
// empty status for errors that did not come from a run.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Status
	}
	return ""
}

// Plan is the filtered change set of a run.
type Plan struct {
	// Transfer holds added and modified paths, relative to the scope.
	Transfer []git.Change
	// Delete holds deleted paths, relative to the scope.
	Delete []string
	// Skipped holds paths removed by the ignore rules.
	Skipped []string
}

// Empty reports whether the plan changes nothing on the target.
func (p *Plan) Empty() bool {
	return len(p.Transfer) == 0 && len(p.Delete) == 0
}

// TransferPaths returns the paths of Transfer.
func (p *Plan) TransferPaths() []string {
	paths := make([]string, len(p.Transfer))
	for i, c := range p.Transfer {
		paths[i] = c.Path
	}
	return paths
}
