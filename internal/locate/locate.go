// Package locate finds the external cmux CLI binary for scenarios that
// exercise the process boundary rather than the control socket.
package locate

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
)

const (
	// EnvCLIBin names an explicit binary override, checked first.
	EnvCLIBin = "CMUX_CLI_BIN"
	// EnvCLI is the older override name, still honored.
	EnvCLI = "CMUX_CLI"
)

// tmpBuildRoot anchors the scratch build-product glob. Tests point it
// at an isolated directory.
var tmpBuildRoot = "/tmp"

// buildGlobs are searched newest-first when no override is set.
func buildGlobs() []string {
	globs := []string{filepath.Join(tmpBuildRoot, "cmux-*", "Build", "Products", "Debug", "cmux")}
	if home, err := os.UserHomeDir(); err == nil {
		globs = append([]string{
			filepath.Join(home, "Library", "Developer", "Xcode", "DerivedData", "*", "Build", "Products", "Debug", "cmux"),
		}, globs...)
	}
	return globs
}

// CLIPath resolves a runnable cmux CLI binary: explicit env override,
// then known build-output locations by modification time (most recent
// first), then whatever the executable search path offers.
func CLIPath() (string, error) {
	for _, env := range []string{EnvCLIBin, EnvCLI} {
		if explicit := os.Getenv(env); explicit != "" && isExecutable(explicit) {
			return explicit, nil
		}
	}

	var candidates []string
	for _, pattern := range buildGlobs() {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if isExecutable(m) {
				candidates = append(candidates, m)
			}
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return modTime(candidates[i]).After(modTime(candidates[j]))
		})
		return candidates[0], nil
	}

	if inPath, err := exec.LookPath("cmux"); err == nil {
		return inPath, nil
	}

	return "", fmt.Errorf("unable to find cmux CLI binary; set %s", EnvCLIBin)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

func modTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
