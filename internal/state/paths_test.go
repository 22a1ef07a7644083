package state

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRootDir_EnvOverride(t *testing.T) {
	t.Setenv(StateDirEnv, "/tmp/bf-state-override")
	t.Setenv(xdgStateHomeEnv, "")

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}
	if got != "/tmp/bf-state-override" {
		t.Errorf("RootDir() = %q, want /tmp/bf-state-override", got)
	}
}

func TestRootDir_XDGStateHome(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	t.Setenv(xdgStateHomeEnv, "/tmp/xdg-state")

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}
	want := filepath.Join("/tmp/xdg-state", appName)
	if got != want {
		t.Errorf("RootDir() = %q, want %q", got, want)
	}
}

func TestRootDir_FallsBackToUserConfigDir(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	t.Setenv(xdgStateHomeEnv, "")

	got, err := RootDir()
	if err != nil {
		t.Fatalf("RootDir() error = %v", err)
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		t.Skip("no user config dir available in this environment")
	}
	want := filepath.Join(configDir, appName)
	if got != want {
		t.Errorf("RootDir() = %q, want %q", got, want)
	}
}

func TestInRoot_JoinsUnderRoot(t *testing.T) {
	t.Setenv(StateDirEnv, "/tmp/bf-state-override")

	got, err := SessionsDir()
	if err != nil {
		t.Fatalf("SessionsDir() error = %v", err)
	}
	want := filepath.Join("/tmp/bf-state-override", "sessions")
	if got != want {
		t.Errorf("SessionsDir() = %q, want %q", got, want)
	}
}

func TestDefaultLogFile(t *testing.T) {
	t.Setenv(StateDirEnv, "/tmp/bf-state-override")

	got, err := DefaultLogFile()
	if err != nil {
		t.Fatalf("DefaultLogFile() error = %v", err)
	}
	want := filepath.Join("/tmp/bf-state-override", "logs", "browserfairy.jsonl")
	if got != want {
		t.Errorf("DefaultLogFile() = %q, want %q", got, want)
	}
}

func TestNormalizePath_RejectsEmpty(t *testing.T) {
	if _, err := normalizePath(""); err == nil {
		t.Error("normalizePath(\"\") expected error, got nil")
	}
}
