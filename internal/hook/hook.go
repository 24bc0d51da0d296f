// Package hook runs user configured commands before and after a deployment.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/remote"
)

// Env variables exported to every hook.
const (
	EnvRevision = "DEPLOYSYNC_REVISION"
	EnvPrevious = "DEPLOYSYNC_PREVIOUS"
	EnvMode     = "DEPLOYSYNC_MODE"
	EnvRoot     = "DEPLOYSYNC_ROOT"
)

// Runner executes hooks either on the target, inside the deployment root, or
// on this machine, inside the local scope directory.
type Runner struct {
	target     remote.Channel
	local      remote.Channel
	remoteRoot string
	logger     *slog.Logger
}

// NewRunner returns a Runner. target runs remote hooks; local runs hooks
// marked local and should already be rooted at the scope directory.
func NewRunner(target, local remote.Channel, remoteRoot string, logger *slog.Logger) *Runner {
	return &Runner{target: target, local: local, remoteRoot: remoteRoot, logger: logger}
}

// Run executes h with env exported. An empty command is a no-op. The hook is
// killed when its timeout expires.
func (r *Runner) Run(ctx context.Context, name string, h config.Hook, env map[string]string) error {
	if strings.TrimSpace(h.Command) == "" {
		return nil
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	env = withRoot(env, r.remoteRoot)
	ch := r.target
	cmd := exports(env) + h.Command
	if h.Local {
		ch = r.local
	} else {
		root := remote.Quote(r.remoteRoot)
		cmd = fmt.Sprintf("mkdir -p %s && cd %s && %s", root, root, cmd)
	}

	r.logger.Info("running hook", "hook", name, "local", h.Local)
	out, err := ch.Run(ctx, cmd, nil)
	if len(out) > 0 {
		r.logger.Debug("hook output", "hook", name, "output", strings.TrimSpace(string(out)))
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("hook %s timed out after %s: %w", name, h.Timeout, err)
		}
		return fmt.Errorf("hook %s failed: %w", name, err)
	}
	return nil
}

func withRoot(env map[string]string, root string) map[string]string {
	out := make(map[string]string, len(env)+1)
	for k, v := range env {
		out[k] = v
	}
	if _, ok := out[EnvRoot]; !ok {
		out[EnvRoot] = root
	}
	return out
}

// exports renders env as a shell export prefix in a stable order.
func exports(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("export")
	for _, k := range keys {
		b.WriteString(" " + k + "=" + remote.Quote(env[k]))
	}
	b.WriteString("; ")
	return b.String()
}
