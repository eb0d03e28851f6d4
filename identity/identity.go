// Package identity loads or creates the agent's stable identity (C6):
// a UUID persisted in a text file, plus hostname/OS/arch captured at process
// start. Persistence follows the teacher's storage/json.Store pattern —
// flock-protected read, atomic write on first creation — generalized from a
// JSON document down to the agent's single-line UUID file.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/cirunlabs/cirun-agent/types"
)

// Load reads the agent UUID from path, creating one if the file does not
// exist. The identity file is exclusively owned by this process for writes;
// concurrent readers (e.g. a second agent instance sharing --id-file) are
// protected by a cross-process flock on path+".lock".
func Load(path string) (types.AgentIdentity, error) {
	id, err := loadOrCreateID(path)
	if err != nil {
		return types.AgentIdentity{}, err
	}
	return types.AgentIdentity{
		ID:       id,
		Hostname: hostname(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}, nil
}

func loadOrCreateID(path string) (string, error) {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return "", fmt.Errorf("lock identity file %s: %w", lockPath, err)
	}
	defer fl.Unlock() //nolint:errcheck

	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-supplied CLI flag
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id == "" {
			return "", fmt.Errorf("identity file %s is empty", path)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read identity file %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := writeIDFile(path, id); err != nil {
		return "", fmt.Errorf("create identity file %s: %w", path, err)
	}
	return id, nil
}

// writeIDFile writes id to path atomically: write to a sibling temp file,
// then rename, so a crash mid-write never leaves a truncated identity file
// for the next process to misread.
func writeIDFile(path, id string) error {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, ".agent_id-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.WriteString(id + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}

// hostname resolves the agent's hostname: HOSTNAME env override, else the
// OS-reported name, else "unknown-host" (§3).
func hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-host"
}
