// Package executor implements the Remote Executor (C2): running a
// provisioning script inside a target VM over SSH once the VM has an IP.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/types"
)

const (
	sshProbeAttempts = 12
	sshProbeInterval = 5 * time.Second
	waitForIPTimeout = 300 * time.Second
	startRetries     = 5
	startRetryBase   = 500 * time.Millisecond
	startRetryMax    = 10 * time.Second
)

var sshOptions = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "ConnectTimeout=10",
}

// commandRunner abstracts process execution so tests can avoid real
// sshpass/ssh/scp binaries. Mirrors the shape of the teacher's exec.Command
// usage in hypervisor/cloudhypervisor, swapped for an injectable seam.
type commandRunner interface {
	run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Executor runs scripts on VMs reachable through a Backend.
type Executor struct {
	Backend backend.Backend
	runner  commandRunner

	// probeInterval overrides sshProbeInterval in tests; zero means use the
	// production default.
	probeInterval time.Duration
}

// New creates an Executor over a Backend.
func New(b backend.Backend) *Executor {
	return &Executor{Backend: b, runner: execRunner{}}
}

func (e *Executor) sshProbeInterval() time.Duration {
	if e.probeInterval > 0 {
		return e.probeInterval
	}
	return sshProbeInterval
}

// RunScript implements §4.2's algorithm: ensure the VM is running, wait for
// an IP, push the script over SSH, and run it detached or attached.
func (e *Executor) RunScript(ctx context.Context, vmName, script string, login types.Login, detached bool) (string, error) {
	logger := log.WithFunc("executor.RunScript")

	vm, err := e.Backend.GetVM(ctx, vmName)
	if err != nil {
		return "", fmt.Errorf("get vm %s: %w", vmName, err)
	}

	if vm.State != types.VMStateRunning {
		logger.Infof(ctx, "vm %s not running (state=%s), starting", vmName, vm.State)
		if err := e.startWithRetry(ctx, vmName); err != nil {
			return "", fmt.Errorf("start vm %s: %w", vmName, err)
		}
	}

	ip, err := e.Backend.WaitForIP(ctx, vmName, waitForIPTimeout)
	if err != nil {
		return "", fmt.Errorf("wait for ip on %s: %w", vmName, err)
	}
	logger.Infof(ctx, "vm %s reachable at %s", vmName, ip)

	scriptPath, cleanupScript, err := writeTempFile("cirun-script-*.sh", script)
	if err != nil {
		return "", fmt.Errorf("write script file: %w", err)
	}
	defer cleanupScript()

	passwordPath, cleanupPassword, err := writeTempFile("cirun-sshpass-*.txt", login.Password)
	if err != nil {
		return "", fmt.Errorf("write password file: %w", err)
	}
	defer cleanupPassword()
	if err := os.Chmod(passwordPath, 0o600); err != nil {
		return "", fmt.Errorf("restrict password file permissions: %w", err)
	}

	target := login.Username + "@" + ip

	if err := e.probeSSH(ctx, passwordPath, target); err != nil {
		return "", fmt.Errorf("ssh probe %s: %w", target, err)
	}

	remoteScript := fmt.Sprintf("/tmp/script_%s.sh", uuid.NewString())
	if err := e.scp(ctx, passwordPath, scriptPath, target, remoteScript); err != nil {
		return "", fmt.Errorf("scp to %s: %w", target, err)
	}

	useSudo := e.Backend.Kind() == "linux"
	cmd := remoteCommand(remoteScript, detached, useSudo)
	stdout, stderr, err := e.ssh(ctx, passwordPath, target, cmd)
	if err != nil {
		return "", fmt.Errorf("execute script on %s: %w (stderr: %s)", target, err, stderr)
	}
	return stdout, nil
}

func (e *Executor) startWithRetry(ctx context.Context, vmName string) error {
	var lastErr error
	delay := startRetryBase
	for attempt := 1; attempt <= startRetries; attempt++ {
		lastErr = e.Backend.Start(ctx, vmName)
		if lastErr == nil {
			return nil
		}
		if attempt == startRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > startRetryMax {
			delay = startRetryMax
		}
	}
	return lastErr
}

func (e *Executor) probeSSH(ctx context.Context, passwordPath, target string) error {
	var lastErr error
	for attempt := 1; attempt <= sshProbeAttempts; attempt++ {
		args := sshArgs(passwordPath, target, "echo cirun-ssh-ready")
		_, stderr, err := e.runner.run(ctx, "sshpass", args...)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("%w (stderr: %s)", err, stderr)
		if attempt == sshProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.sshProbeInterval()):
		}
	}
	return lastErr
}

func (e *Executor) scp(ctx context.Context, passwordPath, localPath, target, remotePath string) error {
	args := []string{"-f", passwordPath, "scp"}
	args = append(args, sshOptions...)
	args = append(args, localPath, target+":"+remotePath)
	_, stderr, err := e.runner.run(ctx, "sshpass", args...)
	if err != nil {
		return fmt.Errorf("%w (stderr: %s)", err, stderr)
	}
	return nil
}

func (e *Executor) ssh(ctx context.Context, passwordPath, target, remoteCmd string) (string, string, error) {
	args := sshArgs(passwordPath, target, remoteCmd)
	return e.runner.run(ctx, "sshpass", args...)
}

func sshArgs(passwordPath, target, remoteCmd string) []string {
	args := []string{"-f", passwordPath, "ssh"}
	args = append(args, sshOptions...)
	args = append(args, target, remoteCmd)
	return args
}

// remoteCommand builds the shell command run over SSH per §4.2 step 7.
func remoteCommand(remoteScript string, detached, sudo bool) string {
	sudoPrefix := ""
	if sudo {
		sudoPrefix = "sudo "
	}
	if detached {
		return fmt.Sprintf("chmod +x %s && %snohup bash %s > /tmp/script_stdout.log 2> /tmp/script_stderr.log & echo $!",
			remoteScript, sudoPrefix, remoteScript)
	}
	return fmt.Sprintf("chmod +x %s && %sbash %s", remoteScript, sudoPrefix, remoteScript)
}

// writeTempFile writes content to a new temp file and returns its path and a
// cleanup func that removes it. The cleanup is always safe to call even if
// the caller errors before consuming the file — guaranteed release per §4.2
// step 8 for the password file, and reused for the script file too.
func writeTempFile(pattern, content string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, err
	}
	path = f.Name()
	cleanup = func() { _ = os.Remove(path) }

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return path, cleanup, nil
}
