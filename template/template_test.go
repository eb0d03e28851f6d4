package template

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/types"
)

func TestIdentity_Deterministic(t *testing.T) {
	cfg := Config{Image: "ubuntu:22.04", CPU: 4, MemoryGB: 8, DiskGB: 40, OS: "linux"}
	a := Identity(cfg)
	b := Identity(cfg)
	assert.Equal(t, a, b)
}

func TestIdentity_DiffersOnNonShapeField(t *testing.T) {
	a := Identity(Config{Image: "ubuntu:22.04", CPU: 4, MemoryGB: 8, OS: "linux"})
	b := Identity(Config{Image: "ubuntu:22.04", CPU: 4, MemoryGB: 8, OS: "macOS"})
	assert.Assert(t, a != b)
}

func TestIdentity_SanitizesImage(t *testing.T) {
	name := Identity(Config{Image: "library/ubuntu:22.04", CPU: 2, MemoryGB: 4})
	assert.Assert(t, len(name) > len(templatePrefix))
	assert.Assert(t, !contains(name, "/"))
}

// FromRunnerSpec must not strip the organization prefix before template
// naming — organization-splitting is scoped to pull_image only (§4.3 step
// 4b; seed test S1).
func TestFromRunnerSpec_KeepsOrganizationPrefixInImage(t *testing.T) {
	spec := types.RunnerSpec{Image: "cirunlabs/macos-sequoia-xcode:15.3.1", CPU: 4, MemoryGB: 8}
	cfg := FromRunnerSpec(spec, "")
	assert.Equal(t, cfg.Image, spec.Image)
	assert.Equal(t, cfg.Organization, "cirunlabs")

	name := Identity(cfg)
	assert.Assert(t, contains(name, "cirunlabs-macos-sequoia-xcode"))
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestClassifyOS(t *testing.T) {
	cases := map[string]string{
		"macos-sonoma-base":   "macOS",
		"ventura-14":          "macOS",
		"ubuntu-22.04-base":   "linux",
		"debian-bookworm":     "linux",
		"windows-server-2022": "windows",
		"some-unknown-distro": "linux",
	}
	for image, want := range cases {
		assert.Equal(t, ClassifyOS(image), want, image)
	}
}

func TestSplitOrganization_Implicit(t *testing.T) {
	name, org := SplitOrganization("library/ubuntu:20.04", "")
	assert.Equal(t, name, "ubuntu:20.04")
	assert.Equal(t, org, "library")
}

func TestSplitOrganization_Explicit(t *testing.T) {
	name, org := SplitOrganization("library/ubuntu:20.04", "myorg")
	assert.Equal(t, name, "ubuntu:20.04")
	assert.Equal(t, org, "myorg")
}

func TestSplitOrganization_NoSlash(t *testing.T) {
	name, org := SplitOrganization("ubuntu:20.04", "")
	assert.Equal(t, name, "ubuntu:20.04")
	assert.Equal(t, org, "")
}

// fakeTemplateBackend is a minimal in-memory TemplateCapable double.
type fakeTemplateBackend struct {
	vms      map[string]types.VMInfo
	pullErr  error
	cloneErr error
	lastPull backend.PullImageRequest
}

var _ backend.TemplateCapable = (*fakeTemplateBackend)(nil)

func (f *fakeTemplateBackend) Kind() string { return "fake" }

func (f *fakeTemplateBackend) ListVMs(context.Context) ([]types.VMInfo, error) {
	out := make([]types.VMInfo, 0, len(f.vms))
	for _, vm := range f.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (f *fakeTemplateBackend) GetVM(_ context.Context, name string) (types.VMInfo, error) {
	vm, ok := f.vms[name]
	if !ok {
		return types.VMInfo{}, &backend.APIError{Op: "GetVM", Status: 404, Message: "not found"}
	}
	return vm, nil
}

func (f *fakeTemplateBackend) RunFromImage(context.Context, string, string, types.Resources) error {
	return nil
}
func (f *fakeTemplateBackend) Start(context.Context, string) error { return nil }
func (f *fakeTemplateBackend) Stop(context.Context, string) error  { return nil }
func (f *fakeTemplateBackend) Delete(context.Context, string) error {
	return nil
}
func (f *fakeTemplateBackend) WaitForIP(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (f *fakeTemplateBackend) Clone(_ context.Context, src, dst string) error {
	if f.cloneErr != nil {
		return f.cloneErr
	}
	vm := f.vms[src]
	vm.Name = dst
	f.vms[dst] = vm
	return nil
}

func (f *fakeTemplateBackend) PullImage(_ context.Context, req backend.PullImageRequest) error {
	f.lastPull = req
	if f.pullErr != nil {
		return f.pullErr
	}
	f.vms[req.Name] = types.VMInfo{Name: req.Name, State: types.VMStateStopped, OS: "linux"}
	return nil
}

func (f *fakeTemplateBackend) Reconfigure(_ context.Context, name string, res types.Resources) error {
	vm := f.vms[name]
	vm.CPU = res.CPU
	vm.MemoryMB = int64(res.MemoryGB) * 1024
	f.vms[name] = vm
	return nil
}

func TestResolve_ReusesExistingTemplate(t *testing.T) {
	fb := &fakeTemplateBackend{vms: map[string]types.VMInfo{}}
	cfg := Config{Image: "ubuntu:22.04", CPU: 2, MemoryGB: 4, OS: "linux"}
	existing := Identity(cfg)
	fb.vms[existing] = types.VMInfo{Name: existing, CPU: 2, MemoryMB: 4096, OS: "linux"}

	eng := New(fb)
	got, err := eng.Resolve(context.Background(), types.RunnerSpec{Image: "ubuntu:22.04", CPU: 2, MemoryGB: 4}, "")
	assert.NilError(t, err)
	assert.Equal(t, got, existing)
}

func TestResolve_ConstructsViaPullWhenAbsent(t *testing.T) {
	fb := &fakeTemplateBackend{vms: map[string]types.VMInfo{}}
	eng := New(fb)
	got, err := eng.Resolve(context.Background(), types.RunnerSpec{Image: "ubuntu:22.04", CPU: 2, MemoryGB: 4}, "")
	assert.NilError(t, err)
	assert.Assert(t, len(got) > 0)
	vm, ok := fb.vms[got]
	assert.Assert(t, ok)
	assert.Equal(t, vm.CPU, 2)
}

// The organization prefix must only be split off for the pull_image call,
// never for the template name itself (§4.3 step 4b).
func TestResolve_SplitsOrganizationOnlyForPullRequest(t *testing.T) {
	fb := &fakeTemplateBackend{vms: map[string]types.VMInfo{}}
	eng := New(fb)
	spec := types.RunnerSpec{Image: "cirunlabs/macos-sequoia-xcode:15.3.1", CPU: 4, MemoryGB: 8}

	got, err := eng.Resolve(context.Background(), spec, "")
	assert.NilError(t, err)
	assert.Assert(t, contains(got, "cirunlabs-macos-sequoia-xcode"))
	assert.Equal(t, fb.lastPull.Image, "macos-sequoia-xcode:15.3.1")
	assert.Equal(t, fb.lastPull.Organization, "cirunlabs")
}
