package lifecycle

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/template"
	"github.com/cirunlabs/cirun-agent/types"
)

// fakeBackend is a minimal in-memory backend.TemplateCapable double shared
// by the macOS-path tests; Linux-path tests use it without ever calling
// Clone/PullImage/Reconfigure.
type fakeBackend struct {
	vms        map[string]types.VMInfo
	cloneOK    map[string]bool // template name -> whether Clone succeeds
	deleteErr  error
	cloneCalls []string
}

var _ backend.TemplateCapable = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{vms: map[string]types.VMInfo{}, cloneOK: map[string]bool{}}
}

func (f *fakeBackend) Kind() string { return "macos" }

func (f *fakeBackend) ListVMs(context.Context) ([]types.VMInfo, error) {
	out := make([]types.VMInfo, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (f *fakeBackend) GetVM(_ context.Context, name string) (types.VMInfo, error) {
	vm, ok := f.vms[name]
	if !ok {
		return types.VMInfo{}, &backend.APIError{Op: "GetVM", Status: 404, Message: "not found"}
	}
	return vm, nil
}

func (f *fakeBackend) RunFromImage(_ context.Context, _, name string, res types.Resources) error {
	f.vms[name] = types.VMInfo{Name: name, State: types.VMStateRunning, CPU: res.CPU, IPAddress: "10.0.0.1"}
	return nil
}

func (f *fakeBackend) Start(_ context.Context, name string) error {
	vm := f.vms[name]
	vm.State = types.VMStateRunning
	vm.IPAddress = "10.0.0.1"
	f.vms[name] = vm
	return nil
}

func (f *fakeBackend) Stop(context.Context, string) error { return nil }

func (f *fakeBackend) Delete(_ context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.vms[name]; !ok {
		return &backend.APIError{Op: "Delete", Status: 404, Message: "not found"}
	}
	delete(f.vms, name)
	return nil
}

func (f *fakeBackend) WaitForIP(_ context.Context, name string, _ time.Duration) (string, error) {
	vm := f.vms[name]
	return vm.IPAddress, nil
}

func (f *fakeBackend) Clone(_ context.Context, src, dst string) error {
	f.cloneCalls = append(f.cloneCalls, src)
	if ok := f.cloneOK[src]; !ok {
		return assertErr("clone of " + src + " failed")
	}
	f.vms[dst] = types.VMInfo{Name: dst, State: types.VMStateRunning, IPAddress: "10.0.0.1"}
	return nil
}

func (f *fakeBackend) PullImage(_ context.Context, req backend.PullImageRequest) error {
	f.vms[req.Name] = types.VMInfo{Name: req.Name, State: types.VMStateStopped}
	return nil
}

func (f *fakeBackend) Reconfigure(context.Context, string, types.Resources) error { return nil }

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }

// fakeScriptRunner never shells out; it records what it was asked to run.
type fakeScriptRunner struct {
	calls []string
	err   error
}

func (f *fakeScriptRunner) RunScript(_ context.Context, vmName, _ string, _ types.Login, _ bool) (string, error) {
	f.calls = append(f.calls, vmName)
	return "", f.err
}

func newManager(b backend.Backend, tmpl *template.Engine) (*Manager, *fakeScriptRunner) {
	fr := &fakeScriptRunner{}
	return &Manager{Backend: b, Executor: fr, Templates: tmpl}, fr
}

func TestDelete_AbsentVMIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	m, _ := newManager(fb, nil)
	err := m.Delete(context.Background(), "ghost")
	assert.NilError(t, err)
}

func TestDelete_PresentVMIsRemoved(t *testing.T) {
	fb := newFakeBackend()
	fb.vms["runner-1"] = types.VMInfo{Name: "runner-1", State: types.VMStateRunning}
	m, _ := newManager(fb, nil)
	err := m.Delete(context.Background(), "runner-1")
	assert.NilError(t, err)
	_, ok := fb.vms["runner-1"]
	assert.Assert(t, !ok)
}

func TestProvisionLinux_RunsFromImageWhenAbsent(t *testing.T) {
	fb := newFakeBackend()
	// no template engine on the Linux path.
	m, fr := newManager(fb, nil)
	spec := types.RunnerSpec{Name: "runner-1", Image: "ubuntu:22.04", CPU: 2, MemoryGB: 4, ProvisionScript: "echo hi"}

	err := m.Provision(context.Background(), spec)
	assert.NilError(t, err)
	vm, ok := fb.vms["runner-1"]
	assert.Assert(t, ok)
	assert.Equal(t, vm.CPU, 2)
	assert.DeepEqual(t, fr.calls, []string{"runner-1"})
}

func TestProvisionLinux_SkipsRunFromImageWhenAlreadyRunning(t *testing.T) {
	fb := newFakeBackend()
	fb.vms["runner-1"] = types.VMInfo{Name: "runner-1", State: types.VMStateRunning, IPAddress: "10.0.0.1"}
	m, fr := newManager(fb, nil)
	spec := types.RunnerSpec{Name: "runner-1", Image: "ubuntu:22.04", ProvisionScript: "echo hi"}

	err := m.Provision(context.Background(), spec)
	assert.NilError(t, err)
	assert.DeepEqual(t, fr.calls, []string{"runner-1"})
}

func TestProvisionMacOS_FallsBackToFixedTemplateOnCloneFailure(t *testing.T) {
	fb := newFakeBackend()
	fb.cloneOK[template.FallbackName] = true // primary template clone fails, fallback succeeds
	eng := template.New(fb)
	m, fr := newManager(fb, eng)

	spec := types.RunnerSpec{Name: "runner-1", Image: "ubuntu:22.04", CPU: 2, MemoryGB: 4, ProvisionScript: "echo hi"}
	err := m.Provision(context.Background(), spec)
	assert.NilError(t, err)

	vm, ok := fb.vms["runner-1"]
	assert.Assert(t, ok)
	assert.Equal(t, vm.State, types.VMStateRunning)
	assert.DeepEqual(t, fr.calls, []string{"runner-1"})

	var sawFallback bool
	for _, c := range fb.cloneCalls {
		if c == template.FallbackName {
			sawFallback = true
		}
	}
	assert.Assert(t, sawFallback)
}
