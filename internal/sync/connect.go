package sync

import (
	"context"
	"log/slog"

	"github.com/schaermu/deploysync/internal/checkpoint"
	"github.com/schaermu/deploysync/internal/config"
	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/hook"
	"github.com/schaermu/deploysync/internal/remote"
	"github.com/schaermu/deploysync/internal/transfer"
)

// Connect opens the channel to the configured target: SSH when remote.host is
// set, the local shell otherwise. Failures are reported as a precheck
// RunError.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Channel, error) {
	if cfg.IsLocal() {
		return remote.NewLocalChannel(""), nil
	}

	ch, err := remote.DialSSH(ctx, remote.SSHOptions{
		Host:                  cfg.Remote.Host,
		Port:                  cfg.Remote.Port,
		User:                  cfg.Remote.User,
		KeyFile:               cfg.Remote.SSHKeyFile,
		PassphraseFile:        cfg.Remote.SSHKeyPassphraseFile,
		KnownHostsFile:        cfg.Remote.KnownHostsFile,
		InsecureIgnoreHostKey: cfg.Remote.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.Remote.ConnectTimeout,
	}, logger)
	if err != nil {
		return nil, fail(StatusFailedPrecheck, StageInit, ErrPrecheck, err)
	}
	return ch, nil
}

// DefaultDeps builds the production collaborators that talk to the target
// through ch.
func DefaultDeps(cfg *config.Config, ch remote.Channel, logger *slog.Logger) Deps {
	deps := Deps{
		Store: checkpoint.NewRemoteStore(ch, cfg.Remote.Root, cfg.Sync.CheckpointFile, logger),
		Transfer: transfer.NewPackager(ch, transfer.Options{
			LocalRoot:      cfg.ScopeDir(),
			RemoteRoot:     cfg.Remote.Root,
			PruneEmptyDirs: cfg.Sync.PruneEmptyDirs,
		}, logger),
		Hooks: hook.NewRunner(ch, remote.NewLocalChannel(cfg.ScopeDir()), cfg.Remote.Root, logger),
	}
	if cfg.Source.URL != "" {
		deps.Fetcher = git.NewShellFetcher(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return deps
}
