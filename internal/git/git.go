package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/schaermu/deploysync/internal/remote"
)

const tokenEnv = "DEPLOYSYNC_GIT_TOKEN"

// Fetcher keeps a local working copy of a remote repository up to date.
type Fetcher interface {
	// EnsureCheckout clones url into dir or fetches into an existing clone,
	// checks out ref and returns the resulting commit.
	EnsureCheckout(ctx context.Context, url, ref, dir string) (Revision, error)
}

// ShellFetcher implements Fetcher with the git command line client.
type ShellFetcher struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShellFetcher returns a fetcher authenticating with the given key or
// token file. Either may be empty.
func NewShellFetcher(sshKeyFile, httpsTokenFile string) *ShellFetcher {
	return &ShellFetcher{sshKeyFile: sshKeyFile, httpsTokenFile: httpsTokenFile}
}

func (f *ShellFetcher) EnsureCheckout(ctx context.Context, url, ref, dir string) (Revision, error) {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	cloned := err == nil

	if cloned {
		if err := f.run(ctx, url, "-C", dir, "fetch", "--tags", "origin"); err != nil {
			return "", fmt.Errorf("git fetch failed: %w", err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
			return "", fmt.Errorf("failed to create parent directory: %w", err)
		}
		if err := f.run(ctx, url, "clone", "--no-checkout", url, dir); err != nil {
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	}

	// Local refs, tags and hashes check out directly. Branches that only
	// exist on the remote need the origin/ prefix.
	if err := f.run(ctx, "", "-C", dir, "checkout", "-f", ref); err != nil {
		if err2 := f.run(ctx, "", "-C", dir, "checkout", "-f", "origin/"+ref); err2 != nil {
			return "", fmt.Errorf("git checkout failed for ref %q: %w", ref, err)
		}
	}

	// A fetch leaves an existing local branch behind its remote. Errors are
	// expected for tags and hashes.
	if cloned {
		_ = f.run(ctx, "", "-C", dir, "reset", "--hard", "origin/"+ref)
	}

	out, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD").Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return Revision(strings.TrimSpace(string(out))), nil
}

// run executes git with args. Credentials are configured when url is set.
func (f *ShellFetcher) run(ctx context.Context, url string, args ...string) error {
	env := os.Environ()
	if url != "" {
		authArgs, authEnv, err := f.auth(url)
		if err != nil {
			return err
		}
		args = append(authArgs, args...)
		env = append(env, authEnv...)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Env = env
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// auth returns the global git flags and environment needed to reach url.
func (f *ShellFetcher) auth(url string) ([]string, []string, error) {
	switch {
	case f.sshKeyFile != "" && (strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")):
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", remote.Quote(f.sshKeyFile))
		return nil, []string{"GIT_SSH_COMMAND=" + sshCmd}, nil

	case f.httpsTokenFile != "" && strings.HasPrefix(url, "https://"):
		token, err := os.ReadFile(f.httpsTokenFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read HTTPS token file: %w", err)
		}
		// The token stays in the environment so it never appears in argv.
		helper := `credential.helper=!f() { echo "username=x-access-token"; echo "password=$` + tokenEnv + `"; }; f`
		return []string{"-c", helper}, []string{
			"GIT_TERMINAL_PROMPT=0",
			tokenEnv + "=" + strings.TrimSpace(string(token)),
		}, nil
	}
	return nil, nil, nil
}
