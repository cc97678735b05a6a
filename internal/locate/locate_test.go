package locate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write executable: %v", err)
	}
	return path
}

func clearLookupEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvCLIBin, "")
	t.Setenv(EnvCLI, "")
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	prev := tmpBuildRoot
	tmpBuildRoot = t.TempDir()
	t.Cleanup(func() { tmpBuildRoot = prev })
}

func TestCLIPathPrefersExplicitOverride(t *testing.T) {
	clearLookupEnv(t)
	bin := writeExecutable(t, t.TempDir(), "cmux")
	t.Setenv(EnvCLIBin, bin)

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != bin {
		t.Fatalf("expected override %q, got %q", bin, got)
	}
}

func TestCLIPathHonorsLegacyOverride(t *testing.T) {
	clearLookupEnv(t)
	bin := writeExecutable(t, t.TempDir(), "cmux")
	t.Setenv(EnvCLI, bin)

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != bin {
		t.Fatalf("expected legacy override %q, got %q", bin, got)
	}
}

func TestCLIPathSkipsNonExecutableOverride(t *testing.T) {
	clearLookupEnv(t)
	dir := t.TempDir()
	notExec := filepath.Join(dir, "cmux")
	if err := os.WriteFile(notExec, []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv(EnvCLIBin, notExec)
	pathBin := writeExecutable(t, t.TempDir(), "cmux")
	t.Setenv("PATH", filepath.Dir(pathBin))

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != pathBin {
		t.Fatalf("expected PATH fallback %q, got %q", pathBin, got)
	}
}

func TestCLIPathFallsBackToSearchPath(t *testing.T) {
	clearLookupEnv(t)
	bin := writeExecutable(t, t.TempDir(), "cmux")
	t.Setenv("PATH", filepath.Dir(bin))

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != bin {
		t.Fatalf("expected %q from PATH, got %q", bin, got)
	}
}

func TestCLIPathUsesBuildOutputsByModTime(t *testing.T) {
	clearLookupEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	derived := filepath.Join(home, "Library", "Developer", "Xcode", "DerivedData")
	older := filepath.Join(derived, "cmux-aaaa", "Build", "Products", "Debug")
	newer := filepath.Join(derived, "cmux-bbbb", "Build", "Products", "Debug")
	for _, dir := range []string{older, newer} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	oldBin := writeExecutable(t, older, "cmux")
	newBin := writeExecutable(t, newer, "cmux")
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(oldBin, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != newBin {
		t.Fatalf("expected most recent build %q, got %q", newBin, got)
	}
}

func TestCLIPathFindsScratchBuildOutputs(t *testing.T) {
	clearLookupEnv(t)
	buildDir := filepath.Join(tmpBuildRoot, "cmux-test", "Build", "Products", "Debug")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	bin := writeExecutable(t, buildDir, "cmux")

	got, err := CLIPath()
	if err != nil {
		t.Fatalf("cli path: %v", err)
	}
	if got != bin {
		t.Fatalf("expected scratch build %q, got %q", bin, got)
	}
}

func TestCLIPathMissingNamesOverrideVariable(t *testing.T) {
	clearLookupEnv(t)
	_, err := CLIPath()
	if err == nil {
		t.Fatalf("expected error with nothing resolvable")
	}
	if !strings.Contains(err.Error(), EnvCLIBin) {
		t.Fatalf("diagnostic should name %s, got %q", EnvCLIBin, err.Error())
	}
}
