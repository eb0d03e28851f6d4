package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/types"
)

const (
	linuxConnectTimeout = 10 * time.Second
	linuxRequestTimeout = 300 * time.Second

	defaultLinuxBaseURL = "http://127.0.0.1:7777/api/v1"
)

// Linux is the backend client for meda-style QEMU hypervisor daemons. It
// satisfies only Backend: clone/pull-image/reconfigure don't exist on this
// backend (§4.1) — the Linux lifecycle path runs a VM straight from an image
// when it does not exist yet, and starts or reuses it otherwise (§4.4).
type Linux struct {
	baseURL string
	client  *http.Client
}

var _ Backend = (*Linux)(nil)

// NewLinux builds a Linux backend client with the longer HTTP timeouts
// §4.1 mandates for this backend: 300s overall, 10s connect — long enough
// that pull/wait-for-IP style long operations are still polled rather than
// blocked on a single call, per §4.1's design rationale.
func NewLinux(baseURL string) *Linux {
	if baseURL == "" {
		baseURL = defaultLinuxBaseURL
	}
	dialer := &net.Dialer{Timeout: linuxConnectTimeout}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Linux{
		baseURL: baseURL,
		client:  &http.Client{Timeout: linuxRequestTimeout, Transport: transport},
	}
}

func (l *Linux) Kind() string { return "linux" }

func (l *Linux) url(path string) string { return l.baseURL + path }

func (l *Linux) ListVMs(ctx context.Context) ([]types.VMInfo, error) {
	var vms []types.VMInfo
	err := l.doJSON(ctx, http.MethodGet, l.url("/vms"), nil, &vms)
	return vms, err
}

func (l *Linux) GetVM(ctx context.Context, name string) (types.VMInfo, error) {
	var vm types.VMInfo
	op := "linux.GetVM"
	err := retry(ctx, func() error {
		return l.doJSON(ctx, http.MethodGet, l.url("/vms/"+name), nil, &vm)
	}, op, macOSGetVMAttempts, FixedSchedule(macOSGetVMDelay), retryableAPIError)
	return vm, err
}

func (l *Linux) RunFromImage(ctx context.Context, image, name string, res types.Resources) error {
	body := map[string]any{"image": image}
	if name != "" {
		body["name"] = name
	}
	if res.MemoryGB > 0 {
		body["memory"] = fmt.Sprintf("%dG", res.MemoryGB)
	}
	if res.CPU > 0 {
		body["cpus"] = res.CPU
	}
	if res.DiskGB > 0 {
		body["disk"] = fmt.Sprintf("%dG", res.DiskGB)
	}
	return l.doJSON(ctx, http.MethodPost, l.url("/images/run"), body, nil)
}

func (l *Linux) Start(ctx context.Context, name string) error {
	return l.doJSON(ctx, http.MethodPost, l.url("/vms/"+name+"/start"), nil, nil)
}

func (l *Linux) Stop(ctx context.Context, name string) error {
	return l.doJSON(ctx, http.MethodPost, l.url("/vms/"+name+"/stop"), nil, nil)
}

func (l *Linux) Delete(ctx context.Context, name string) error {
	op := "linux.Delete"
	return retry(ctx, func() error {
		return l.doJSON(ctx, http.MethodDelete, l.url("/vms/"+name), nil, nil)
	}, op, macOSDeleteCloneAttempts, ExponentialSchedule(macOSRetryBase, macOSRetryMax), retryableAPIError)
}

func (l *Linux) WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	var ip string
	err := waitFor(ctx, timeout, waitForIPPollInterval, func() (bool, error) {
		vm, err := l.GetVM(ctx, name)
		if err != nil {
			return false, nil //nolint:nilerr // transient get-vm failures don't abort the wait; only the deadline does
		}
		if vm.State == types.VMStateRunning && vm.IPAddress != "" {
			ip = vm.IPAddress
			return true, nil
		}
		return false, nil
	})
	return ip, err
}

func (l *Linux) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	logger := log.WithFunc("linux.doJSON")

	var reader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, url, err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return &TransportError{Op: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, _ := io.ReadAll(resp.Body)
	logger.Infof(ctx, "%s %s -> %d", method, url, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if msg == "" {
			msg = unknownErrorBody
		}
		return &APIError{Op: fmt.Sprintf("%s %s", method, url), Status: resp.StatusCode, Message: msg}
	}
	if respBody == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return &decodeError{Op: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	return nil
}

// IsNotFound reports whether err represents a "VM not found" response from
// either backend, used by the lifecycle layer's idempotent delete (§4.4, §7).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
