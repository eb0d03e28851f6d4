// Package backend is the HTTP client over a hypervisor daemon (C1). Two
// concrete backends exist — macOS (lume-style) and Linux (meda-style) — both
// satisfying the Backend capability set; only the macOS backend additionally
// satisfies TemplateCapable. The split mirrors the teacher's "one capability
// set per concern, concrete backends differ only where the spec says they
// do" shape (hypervisor.Hypervisor / images.Images interfaces).
package backend

import (
	"context"
	"time"

	"github.com/cirunlabs/cirun-agent/types"
)

// Backend is the capability set every hypervisor daemon exposes.
type Backend interface {
	// Kind names the backend for logging ("macos" or "linux").
	Kind() string

	ListVMs(ctx context.Context) ([]types.VMInfo, error)
	GetVM(ctx context.Context, name string) (types.VMInfo, error)
	// RunFromImage creates and starts a VM directly from an image
	// reference (create+start in one call).
	RunFromImage(ctx context.Context, image, name string, res types.Resources) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	// WaitForIP polls GetVM until the VM is running with a non-empty IP,
	// or timeout elapses.
	WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error)
}

// PullImageRequest carries the optional fields of the macOS backend's
// POST /pull call (§6).
type PullImageRequest struct {
	Image        string
	Name         string
	Registry     string
	Organization string
	NoCache      bool
}

// TemplateCapable is the macOS-backend-only extension used by the template
// engine (C3): cloning an existing VM, pulling an image into a named VM, and
// reconfiguring a VM's shape in place.
type TemplateCapable interface {
	Backend

	Clone(ctx context.Context, src, dst string) error
	PullImage(ctx context.Context, req PullImageRequest) error
	Reconfigure(ctx context.Context, name string, res types.Resources) error
}
