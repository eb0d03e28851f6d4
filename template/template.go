// Package template implements the Template Engine (C3): deriving a
// deterministic template name from a runner spec, and resolving it to an
// existing or newly-constructed template VM on the macOS backend. Only the
// macOS backend implements backend.TemplateCapable, so this package is
// macOS-only per §4.3.
package template

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/types"
)

const templatePrefix = "cirun-template-"

// FallbackName is used by the runner lifecycle (§4.4) when template
// resolution fails: a fixed template assumed to already exist, with no
// auto-creation attempted for it.
const FallbackName = "cirun-runner-template"

// Config is the content-addressed key for a template VM: everything a
// RunnerSpec contributes to template identity (§3's TemplateConfig). Image
// is kept as the raw spec.Image — organization-splitting is scoped to the
// pull_image call only (§4.3 step 4b), never to template-name derivation.
type Config struct {
	Image        string
	Registry     string
	Organization string
	CPU          int
	MemoryGB     int
	DiskGB       int
	OS           string // one of macOS, linux, windows — see ClassifyOS
}

// FromRunnerSpec derives a Config from a RunnerSpec, classifying the guest
// OS from the image name and recording any organization prefix separately
// without stripping it from Image (§3, §8 S1, S3).
func FromRunnerSpec(spec types.RunnerSpec, explicitOrg string) Config {
	_, org := SplitOrganization(spec.Image, explicitOrg)
	return Config{
		Image:        spec.Image,
		Organization: org,
		CPU:          spec.CPU,
		MemoryGB:     spec.MemoryGB,
		DiskGB:       spec.DiskGB,
		OS:           ClassifyOS(spec.Image),
	}
}

// SplitOrganization splits the first "/"-segment off image as the
// organization, unless explicitOrg is already set (§4.3 step 4b, §8 S3).
// "library/ubuntu:20.04" with no explicit org -> ("ubuntu:20.04", "library").
func SplitOrganization(image, explicitOrg string) (name, organization string) {
	if explicitOrg != "" {
		if idx := strings.Index(image, "/"); idx >= 0 {
			return image[idx+1:], explicitOrg
		}
		return image, explicitOrg
	}
	idx := strings.Index(image, "/")
	if idx < 0 {
		return image, ""
	}
	return image[idx+1:], image[:idx]
}

// ClassifyOS implements §3's case-insensitive substring rules, evaluated in
// order, defaulting to "linux" (§8 invariant 2: total function).
func ClassifyOS(image string) string {
	lower := strings.ToLower(image)
	switch {
	case containsAny(lower, "macos", "mac-os", "sonoma", "ventura", "monterey"):
		return "macOS"
	case containsAny(lower, "ubuntu", "debian", "mint", "linux"):
		return "linux"
	case containsAny(lower, "windows"):
		return "windows"
	default:
		return "linux"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// imageAndTag splits an image reference's trailing ":tag" off its base name.
func imageAndTag(image string) (base, tag string) {
	idx := strings.LastIndex(image, ":")
	if idx < 0 {
		return image, ""
	}
	return image[:idx], image[idx+1:]
}

// Identity derives the deterministic template name of §3:
// cirun-template-{sanitized_image}-{tag}-{cpu}-{memory_gb}-{hash4}.
// Equal Configs always produce equal names (§8 invariant 1); any field that
// differs among registry/organization/os/cpu/memory_gb/disk_gb changes
// hash4, and cpu/memory_gb differences are additionally visible in the
// name's shape segment.
func Identity(c Config) string {
	base, tag := imageAndTag(c.Image)
	sanitized := strings.NewReplacer("/", "-", ".", "-").Replace(base)
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s%s-%s-%d-%d-%s", templatePrefix, sanitized, tag, c.CPU, c.MemoryGB, hash4(c))
}

// hash4 derives a stable 4-digit decimal from the non-shape fields, per §3.
// FNV-1a is a standard-library primitive, not a domain concern — there is no
// third-party "stable short hash" library among the teacher/pack deps, so
// this one function is grounded on hash/fnv rather than the corpus.
func hash4(c Config) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s|%d|%d|%d", c.Registry, c.Organization, c.OS, c.CPU, c.MemoryGB, c.DiskGB)
	n := h.Sum32() % 10000 //nolint:mnd
	return fmt.Sprintf("%04d", n)
}

// Engine resolves template names to concrete template VMs on a macOS
// backend (§4.3).
type Engine struct {
	Backend backend.TemplateCapable
}

// New creates an Engine over a macOS backend.
func New(b backend.TemplateCapable) *Engine {
	return &Engine{Backend: b}
}

const (
	constructionPollBase = 10 * time.Second
	constructionPollCap  = 60 * time.Second
	constructionDeadline = 30 * time.Minute
	pollLogEvery         = 15
)

// Resolve runs §4.3's five-step algorithm and returns the name of a ready
// template VM.
func (e *Engine) Resolve(ctx context.Context, spec types.RunnerSpec, explicitOrg string) (string, error) {
	logger := log.WithFunc("template.Resolve")
	cfg := FromRunnerSpec(spec, explicitOrg)
	want := Identity(cfg)

	vms, err := e.Backend.ListVMs(ctx)
	if err != nil {
		return "", fmt.Errorf("list vms: %w", err)
	}

	// Step 2: matching-template scan.
	if name, ok := matchingTemplate(vms, cfg); ok {
		return name, nil
	}

	// Step 3: existence check.
	if vmExists(vms, want) {
		return want, nil
	}

	// Step 4: construction.
	if err := e.construct(ctx, vms, cfg, want); err != nil {
		return "", err
	}

	// Step 5: reconfiguration.
	res := types.Resources{CPU: cfg.CPU, MemoryGB: cfg.MemoryGB, DiskGB: cfg.DiskGB}
	if err := e.Backend.Reconfigure(ctx, want, res); err != nil {
		return "", fmt.Errorf("reconfigure template %s: %w", want, err)
	}
	if vm, err := e.Backend.GetVM(ctx, want); err != nil {
		logger.Warnf(ctx, "verify template %s: %v", want, err)
	} else if vm.CPU != res.CPU || vm.MemoryMB/1024 != int64(res.MemoryGB) { //nolint:mnd
		logger.Warnf(ctx, "template %s reconfigure mismatch: got cpu=%d memory=%dMB, want cpu=%d memory=%dGB",
			want, vm.CPU, vm.MemoryMB, res.CPU, res.MemoryGB)
	}

	return want, nil
}

// matchingTemplate implements §4.3 step 2: any cirun-template-* VM whose
// shape is compatible (exact cpu/memory/os, disk >= requested) is reused.
func matchingTemplate(vms []types.VMInfo, cfg Config) (string, bool) {
	for _, vm := range vms {
		if !strings.HasPrefix(vm.Name, templatePrefix) {
			continue
		}
		if vm.CPU != cfg.CPU {
			continue
		}
		if vm.MemoryMB/1024 != int64(cfg.MemoryGB) { //nolint:mnd
			continue
		}
		if vm.Disk.TotalMB/1024 < int64(cfg.DiskGB) { //nolint:mnd
			continue
		}
		if vm.OS != cfg.OS {
			continue
		}
		return vm.Name, true
	}
	return "", false
}

func vmExists(vms []types.VMInfo, name string) bool {
	for _, vm := range vms {
		if vm.Name == name {
			return true
		}
	}
	return false
}

// construct implements §4.3 step 4: clone a non-template VM sharing the same
// base image/tag if one exists, else pull the image directly into `want`,
// then poll until it appears.
func (e *Engine) construct(ctx context.Context, vms []types.VMInfo, cfg Config, want string) error {
	logger := log.WithFunc("template.construct")

	if src, ok := cloneSource(vms, cfg.Image, want); ok {
		if err := e.Backend.Clone(ctx, src, want); err == nil {
			return e.pollUntilPresent(ctx, want)
		}
		logger.Warnf(ctx, "clone of %s to %s failed, falling back to pull", src, want)
	}

	pullImage, pullOrg := SplitOrganization(cfg.Image, cfg.Organization)
	req := backend.PullImageRequest{
		Image:        pullImage,
		Name:         want,
		Registry:     cfg.Registry,
		Organization: pullOrg,
		NoCache:      true, // upstream has a known caching bug for large images (§4.3 step 4b)
	}
	if err := e.Backend.PullImage(ctx, req); err != nil {
		return fmt.Errorf("pull image %s: %w", cfg.Image, err)
	}
	return e.pollUntilPresent(ctx, want)
}

// cloneSource finds an existing non-template VM whose name contains the
// image's base name and tag — evidence of a prior pull for the same image.
func cloneSource(vms []types.VMInfo, image, want string) (string, bool) {
	base, tag := imageAndTag(image)
	base = lastSegment(base)
	for _, vm := range vms {
		if vm.Name == want || strings.HasPrefix(vm.Name, templatePrefix) {
			continue
		}
		if strings.Contains(vm.Name, base) && (tag == "" || strings.Contains(vm.Name, tag)) {
			return vm.Name, true
		}
	}
	return "", false
}

func lastSegment(s string) string {
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

// pollUntilPresent implements §4.3 step 4c: poll get_vm with exponential
// backoff from 10s doubling to a 60s cap, until the VM appears or 30 minutes
// elapse, logging a full list_vms snapshot every ~15 polls.
func (e *Engine) pollUntilPresent(ctx context.Context, name string) error {
	logger := log.WithFunc("template.pollUntilPresent")
	deadline := time.Now().Add(constructionDeadline)
	delay := constructionPollBase

	for poll := 1; ; poll++ {
		if _, err := e.Backend.GetVM(ctx, name); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("template %s did not appear within %s", name, constructionDeadline)
		}
		if poll%pollLogEvery == 0 {
			if vms, err := e.Backend.ListVMs(ctx); err == nil {
				names := make([]string, 0, len(vms))
				for _, vm := range vms {
					names = append(names, fmt.Sprintf("%s(%s)", vm.Name, vm.State))
				}
				logger.Warnf(ctx, "still waiting for template %s, current vms: %s", name, strings.Join(names, ", "))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > constructionPollCap {
			delay = constructionPollCap
		}
	}
}
