package webhook

import (
	"os"
	"strconv"
	"testing"
)

func TestActivationListeners_Environment(t *testing.T) {
	self := strconv.Itoa(os.Getpid())

	tests := []struct {
		name    string
		pid     string
		fds     string
		wantErr bool
	}{
		{name: "no environment"},
		{name: "other process", pid: "99999999", fds: "1"},
		{name: "invalid pid", pid: "not-a-number", fds: "1", wantErr: true},
		{name: "invalid fds", pid: self, fds: "not-a-number", wantErr: true},
		{name: "zero fds", pid: self, fds: "0"},
		{name: "missing fds", pid: self},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)
			if tt.pid == "" {
				_ = os.Unsetenv("LISTEN_PID")
			}

			listeners, err := activationListeners()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if listeners != nil {
				t.Errorf("expected no listeners, got %v", listeners)
			}
		})
	}
}

func TestListen_FallsBackToTCP(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	ln, err := listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	if ln.Addr().Network() != "tcp" {
		t.Errorf("network = %s, want tcp", ln.Addr().Network())
	}
}

func TestListen_InvalidActivation(t *testing.T) {
	t.Setenv("LISTEN_PID", "garbage")

	if _, err := listen("127.0.0.1:0"); err == nil {
		t.Fatal("expected error for invalid activation environment")
	}
}

func TestListen_InvalidAddress(t *testing.T) {
	t.Setenv("LISTEN_PID", "")

	if _, err := listen("256.0.0.1:bad"); err == nil {
		t.Fatal("expected error for invalid address")
	}
}
