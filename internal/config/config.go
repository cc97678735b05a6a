package config

import (
	"os"
	"path/filepath"
	"time"
)

// EnvSocketPath overrides the default control socket path when set. An
// explicit --socket flag still wins over the environment.
const EnvSocketPath = "CMUX_SOCKET_PATH"

type Config struct {
	SocketPath     string
	DBPath         string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
	WaitTimeout    time.Duration
	PollInterval   time.Duration
	SettlePause    time.Duration
	TogglePause    time.Duration
	ToggleTimeout  time.Duration
	StepPause      time.Duration
	StepAttempts   int
}

func DefaultConfig() Config {
	return Config{
		SocketPath:     defaultSocketPath(),
		DBPath:         defaultDBPath(),
		ConnectTimeout: 3 * time.Second,
		CallTimeout:    5 * time.Second,
		WaitTimeout:    3 * time.Second,
		PollInterval:   100 * time.Millisecond,
		SettlePause:    200 * time.Millisecond,
		TogglePause:    150 * time.Millisecond,
		ToggleTimeout:  2 * time.Second,
		StepPause:      50 * time.Millisecond,
		StepAttempts:   40,
	}
}

func defaultSocketPath() string {
	if env := os.Getenv(EnvSocketPath); env != "" {
		return env
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "cmux", "cmux.sock")
	}
	return filepath.Join(os.TempDir(), "cmux.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cmuxharness.db"
	}
	return filepath.Join(home, ".local", "state", "cmuxharness", "history.db")
}
