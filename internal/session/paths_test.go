package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("SKIFF_HOME", "/tmp/skiff-test-home")
	got := Dir("default")
	want := filepath.Join("/tmp/skiff-test-home", "sessions", "default")
	if got != want {
		t.Errorf("Dir(default) = %q, want %q", got, want)
	}
}

func TestBaseDirFallsBackToHome(t *testing.T) {
	t.Setenv("SKIFF_HOME", "")
	home, _ := os.UserHomeDir()
	if got := BaseDir(); got != filepath.Join(home, ".skiff") {
		t.Errorf("BaseDir() = %q, want under home", got)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix sessions/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv("SKIFF_HOME", t.TempDir())

	if err := EnsureDir("alpha"); err != nil {
		t.Fatalf("EnsureDir(alpha): %v", err)
	}
	if err := EnsureDir("beta"); err != nil {
		t.Fatalf("EnsureDir(beta): %v", err)
	}

	info, err := os.Stat(LogDir("alpha"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}

	names, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List() = %v, want [alpha beta]", names)
	}
}

func TestListNoSessions(t *testing.T) {
	t.Setenv("SKIFF_HOME", t.TempDir())
	names, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("List() = %v, want empty", names)
	}
}
