package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/types"
)

const (
	macOSConnectTimeout   = 6 * time.Second
	macOSRequestTimeout   = 5 * time.Second
	macOSIdleConnTimeout  = 90 * time.Second
	macOSMaxIdleConnsHost = 10
	macOSKeepAlive        = 60 * time.Second

	macOSGetVMAttempts = 3
	macOSGetVMDelay    = 300 * time.Millisecond

	macOSDeleteCloneAttempts = 5
	macOSRetryBase           = 200 * time.Millisecond
	macOSRetryMax            = 5 * time.Second

	waitForIPPollInterval = 2 * time.Second

	defaultMacOSBaseURL = "http://127.0.0.1:3000/lume"
)

// MacOS is the backend client for lume-style macOS hypervisor daemons. It
// implements TemplateCapable: clone, pull-image and reconfigure only make
// sense for the macOS backend (§4.1, §4.3).
type MacOS struct {
	baseURL string
	client  *http.Client
}

var _ TemplateCapable = (*MacOS)(nil)

// NewMacOS builds a macOS backend client with the HTTP discipline §4.1
// mandates: forced HTTP/1.1, 5s request timeout, 6s connect timeout, 90s
// idle-pool timeout, 10 max-idle-per-host, 60s TCP keepalive.
func NewMacOS(baseURL string) *MacOS {
	if baseURL == "" {
		baseURL = defaultMacOSBaseURL
	}
	dialer := &net.Dialer{Timeout: macOSConnectTimeout, KeepAlive: macOSKeepAlive}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		IdleConnTimeout:     macOSIdleConnTimeout,
		MaxIdleConnsPerHost: macOSMaxIdleConnsHost,
		// Forced HTTP/1.1: never attempt an h2/h2c upgrade to the local daemon.
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	return &MacOS{
		baseURL: baseURL,
		client:  &http.Client{Timeout: macOSRequestTimeout, Transport: transport},
	}
}

func (m *MacOS) Kind() string { return "macos" }

func (m *MacOS) url(path string) string { return m.baseURL + path }

func (m *MacOS) ListVMs(ctx context.Context) ([]types.VMInfo, error) {
	var vms []types.VMInfo
	err := m.doJSON(ctx, http.MethodGet, m.url("/vms"), nil, &vms)
	return vms, err
}

func (m *MacOS) GetVM(ctx context.Context, name string) (types.VMInfo, error) {
	var vm types.VMInfo
	op := "macos.GetVM"
	err := retry(ctx, func() error {
		return m.doJSON(ctx, http.MethodGet, m.url("/vms/"+name), nil, &vm)
	}, op, macOSGetVMAttempts, FixedSchedule(macOSGetVMDelay), retryableAPIError)
	return vm, err
}

func (m *MacOS) RunFromImage(ctx context.Context, image, name string, res types.Resources) error {
	body := map[string]any{
		"name":       name,
		"image":      image,
		"cpuCount":   res.CPU,
		"memorySize": fmt.Sprintf("%dGB", res.MemoryGB),
	}
	if res.DiskGB > 0 {
		body["diskSize"] = fmt.Sprintf("%dGB", res.DiskGB)
	}
	if err := m.doJSON(ctx, http.MethodPost, m.url("/vms"), body, nil); err != nil {
		return err
	}
	return m.doJSON(ctx, http.MethodPost, m.url("/vms/"+name+"/run"), map[string]any{"noDisplay": true}, nil)
}

func (m *MacOS) Start(ctx context.Context, name string) error {
	return m.doJSON(ctx, http.MethodPost, m.url("/vms/"+name+"/run"), map[string]any{"noDisplay": true}, nil)
}

func (m *MacOS) Stop(ctx context.Context, name string) error {
	return m.doJSON(ctx, http.MethodPost, m.url("/vms/"+name+"/stop"), nil, nil)
}

func (m *MacOS) Delete(ctx context.Context, name string) error {
	op := "macos.Delete"
	return retry(ctx, func() error {
		return m.doJSON(ctx, http.MethodDelete, m.url("/vms/"+name), nil, nil)
	}, op, macOSDeleteCloneAttempts, ExponentialSchedule(macOSRetryBase, macOSRetryMax), retryableAPIError)
}

func (m *MacOS) Clone(ctx context.Context, src, dst string) error {
	op := "macos.Clone"
	body := map[string]string{"name": src, "newName": dst}
	return retry(ctx, func() error {
		return m.doJSON(ctx, http.MethodPost, m.url("/vms/clone"), body, nil)
	}, op, macOSDeleteCloneAttempts, ExponentialSchedule(macOSRetryBase, macOSRetryMax), retryableAPIError)
}

func (m *MacOS) PullImage(ctx context.Context, req PullImageRequest) error {
	body := map[string]any{
		"image":   req.Image,
		"name":    req.Name,
		"noCache": req.NoCache,
	}
	if req.Registry != "" {
		body["registry"] = req.Registry
	}
	if req.Organization != "" {
		body["organization"] = req.Organization
	}
	return m.doJSON(ctx, http.MethodPost, m.url("/pull"), body, nil)
}

func (m *MacOS) Reconfigure(ctx context.Context, name string, res types.Resources) error {
	body := map[string]any{
		"cpuCount":   res.CPU,
		"memorySize": fmt.Sprintf("%dGB", res.MemoryGB),
	}
	if res.DiskGB > 0 {
		body["diskSize"] = fmt.Sprintf("%dGB", res.DiskGB)
	}
	return m.doJSON(ctx, http.MethodPatch, m.url("/vms/"+name), body, nil)
}

func (m *MacOS) WaitForIP(ctx context.Context, name string, timeout time.Duration) (string, error) {
	var ip string
	err := waitFor(ctx, timeout, waitForIPPollInterval, func() (bool, error) {
		vm, err := m.GetVM(ctx, name)
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

// doJSON sends a request with an optional JSON body and decodes an optional
// JSON response, classifying the result per §4.1: non-2xx becomes an
// *APIError whose message is the response body (or "Unknown error");
// unreadable/truncated JSON on a 2xx response becomes a *decodeError so
// GetVM's retry loop can retry it too.
func (m *MacOS) doJSON(ctx context.Context, method, url string, reqBody, respBody any) error {
	logger := log.WithFunc("macos.doJSON")

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

	resp, err := m.client.Do(req)
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
