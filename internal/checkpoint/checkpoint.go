// Package checkpoint persists the revision that was last deployed to a target.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/schaermu/deploysync/internal/git"
	"github.com/schaermu/deploysync/internal/remote"
)

// Store reads and writes the deployment checkpoint.
type Store interface {
	// Read returns the stored revision. ok is false when there is no usable
	// checkpoint, including when it could not be read.
	Read(ctx context.Context) (rev git.Revision, ok bool)
	// Write replaces the stored revision atomically.
	Write(ctx context.Context, rev git.Revision) error
}

// ParseRevision validates a stored checkpoint value. Surrounding whitespace
// is ignored; the hash must be 40 (SHA-1) or 64 (SHA-256) hex digits.
func ParseRevision(s string) (git.Revision, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 40 && len(s) != 64 {
		return "", fmt.Errorf("invalid revision %q: expected 40 or 64 hex digits", s)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("invalid revision %q: non-hex character %q", s, c)
		}
	}
	return git.Revision(s), nil
}

// RemoteStore keeps the checkpoint as a one-line file inside the deployment
// root on the target.
type RemoteStore struct {
	ch     remote.Channel
	root   string
	name   string
	logger *slog.Logger
}

// NewRemoteStore returns a store for root/name reached through ch.
func NewRemoteStore(ch remote.Channel, root, name string, logger *slog.Logger) *RemoteStore {
	return &RemoteStore{ch: ch, root: root, name: name, logger: logger}
}

// Path returns the checkpoint file location on the target.
func (s *RemoteStore) Path() string {
	return path.Join(s.root, s.name)
}

func (s *RemoteStore) Read(ctx context.Context) (git.Revision, bool) {
	p := remote.Quote(s.Path())
	out, err := s.ch.Run(ctx, fmt.Sprintf("if [ -f %s ]; then cat -- %s; fi", p, p), nil)
	if err != nil {
		s.logger.Warn("failed to read checkpoint, treating as absent", "path", s.Path(), "error", err)
		return "", false
	}

	content := strings.TrimSpace(string(out))
	if content == "" {
		s.logger.Debug("no checkpoint found", "path", s.Path())
		return "", false
	}

	rev, err := ParseRevision(content)
	if err != nil {
		s.logger.Warn("ignoring malformed checkpoint", "path", s.Path(), "error", err)
		return "", false
	}
	return rev, true
}

func (s *RemoteStore) Write(ctx context.Context, rev git.Revision) error {
	if _, err := ParseRevision(string(rev)); err != nil {
		return fmt.Errorf("refusing to write checkpoint: %w", err)
	}

	target := s.Path()
	tmp := target + ".tmp"
	cmd := fmt.Sprintf("mkdir -p %s && printf '%%s\\n' %s > %s && mv -f %s %s",
		remote.Quote(s.root),
		remote.Quote(string(rev)),
		remote.Quote(tmp),
		remote.Quote(tmp), remote.Quote(target),
	)
	if _, err := s.ch.Run(ctx, cmd, nil); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", target, err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	rev    git.Revision
	ok     bool
	writes []git.Revision

	// WriteErr, when set, is returned by every Write and leaves the stored
	// revision unchanged.
	WriteErr error
}

// NewMemoryStore returns a store holding rev. An empty rev means no
// checkpoint.
func NewMemoryStore(rev git.Revision) *MemoryStore {
	return &MemoryStore{rev: rev, ok: rev != ""}
}

func (s *MemoryStore) Read(_ context.Context) (git.Revision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rev, s.ok
}

func (s *MemoryStore) Write(_ context.Context, rev git.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.rev, s.ok = rev, true
	s.writes = append(s.writes, rev)
	return nil
}

// Writes returns every revision written so far, oldest first.
func (s *MemoryStore) Writes() []git.Revision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]git.Revision(nil), s.writes...)
}
