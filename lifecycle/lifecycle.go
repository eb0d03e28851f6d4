// Package lifecycle implements the Runner Lifecycle (C4): provisioning and
// deleting a single runner VM, owning the platform-dependent policy split
// between the macOS and Linux backends.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/executor"
	"github.com/cirunlabs/cirun-agent/template"
	"github.com/cirunlabs/cirun-agent/types"
)

const waitForIPTimeout = 300 * time.Second

type infoWarnLogger interface {
	Infof(ctx context.Context, format string, args ...any)
	Warnf(ctx context.Context, format string, args ...any)
}

// scriptRunner is the subset of *executor.Executor the lifecycle needs,
// narrowed to an interface so tests can substitute a double instead of
// shelling out to real ssh/scp binaries.
type scriptRunner interface {
	RunScript(ctx context.Context, vmName, script string, login types.Login, detached bool) (string, error)
}

// Manager provisions and deletes runners against one backend.
type Manager struct {
	Backend  backend.Backend
	Executor scriptRunner
	// Templates is nil on the Linux path, where the template engine is
	// skipped entirely (§4.4).
	Templates *template.Engine
}

// New builds a Manager. templates may be nil for the Linux path.
func New(b backend.Backend, templates *template.Engine) *Manager {
	return &Manager{Backend: b, Executor: executor.New(b), Templates: templates}
}

// Provision implements §4.4's provisioning algorithm.
func (m *Manager) Provision(ctx context.Context, spec types.RunnerSpec) error {
	logger := log.WithFunc("lifecycle.Provision")

	if m.Templates != nil {
		return m.provisionMacOS(ctx, logger, spec)
	}
	return m.provisionLinux(ctx, logger, spec)
}

func (m *Manager) provisionMacOS(ctx context.Context, logger infoWarnLogger, spec types.RunnerSpec) error {
	templateName, err := m.Templates.Resolve(ctx, spec, "")
	fallback := false
	if err != nil {
		logger.Warnf(ctx, "template resolution failed for %s, retrying with fallback template: %v", spec.Name, err)
		templateName = template.FallbackName
		fallback = true
	}

	if err := m.cloneOrSkip(ctx, spec, templateName); err != nil {
		if !fallback {
			logger.Warnf(ctx, "provisioning %s with template %s failed, retrying with fallback: %v", spec.Name, templateName, err)
			if err2 := m.cloneOrSkip(ctx, spec, template.FallbackName); err2 != nil {
				return fmt.Errorf("provision %s with fallback template: %w", spec.Name, err2)
			}
		} else {
			return fmt.Errorf("provision %s with fallback template: %w", spec.Name, err)
		}
	}

	return m.waitAndRunScript(ctx, spec)
}

// cloneOrSkip implements §4.4 step 2: reuse spec.Name if present and not
// stopped, else clone the template into it.
func (m *Manager) cloneOrSkip(ctx context.Context, spec types.RunnerSpec, templateName string) error {
	vm, err := m.Backend.GetVM(ctx, spec.Name)
	if err == nil {
		if vm.State != types.VMStateStopped {
			return nil
		}
	} else if !backend.IsNotFound(err) {
		return fmt.Errorf("get vm %s: %w", spec.Name, err)
	}

	tc, ok := m.Backend.(backend.TemplateCapable)
	if !ok {
		return fmt.Errorf("backend %s does not support cloning", m.Backend.Kind())
	}
	if err := tc.Clone(ctx, templateName, spec.Name); err != nil {
		return fmt.Errorf("clone %s -> %s: %w", templateName, spec.Name, err)
	}
	if _, err := m.Backend.GetVM(ctx, spec.Name); err != nil {
		return fmt.Errorf("get vm %s after clone: %w", spec.Name, err)
	}
	return nil
}

func (m *Manager) provisionLinux(ctx context.Context, logger infoWarnLogger, spec types.RunnerSpec) error {
	vm, err := m.Backend.GetVM(ctx, spec.Name)
	switch {
	case err == nil && vm.State == types.VMStateRunning:
		// already serving, proceed straight to in-VM provisioning.
	case err == nil:
		logger.Infof(ctx, "vm %s exists but not running (state=%s), starting", spec.Name, vm.State)
		if err := m.Backend.Start(ctx, spec.Name); err != nil {
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
	case backend.IsNotFound(err):
		res := types.Resources{CPU: spec.CPU, MemoryGB: spec.MemoryGB, DiskGB: spec.DiskGB}
		if err := m.Backend.RunFromImage(ctx, spec.Image, spec.Name, res); err != nil {
			return fmt.Errorf("run %s from image %s: %w", spec.Name, spec.Image, err)
		}
	default:
		return fmt.Errorf("get vm %s: %w", spec.Name, err)
	}

	return m.waitAndRunScript(ctx, spec)
}

func (m *Manager) waitAndRunScript(ctx context.Context, spec types.RunnerSpec) error {
	if _, err := m.Backend.WaitForIP(ctx, spec.Name, waitForIPTimeout); err != nil {
		return fmt.Errorf("wait for ip on %s: %w", spec.Name, err)
	}
	if _, err := m.Executor.RunScript(ctx, spec.Name, spec.ProvisionScript, spec.Login, true); err != nil {
		return fmt.Errorf("run provision script on %s: %w", spec.Name, err)
	}
	return nil
}

// Delete implements §4.4's idempotent delete: a "not found" response from
// either get or delete is treated as success.
func (m *Manager) Delete(ctx context.Context, name string) error {
	_, err := m.Backend.GetVM(ctx, name)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get vm %s: %w", name, err)
	}
	if err := m.Backend.Delete(ctx, name); err != nil {
		if backend.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}
