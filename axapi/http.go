package axapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"thunderlb/db"
)

// httpClient talks aXAPI v3 over HTTP. It authenticates lazily on the
// first call and re-authenticates once when the device reports an expired
// signature.
type httpClient struct {
	base     string
	username string
	password string
	hc       *http.Client

	mu        sync.Mutex
	signature string
}

// NewHTTPClientFactory returns a ClientFactory that dials each device's
// management address.
func NewHTTPClientFactory() ClientFactory {
	return func(device *db.VThunder) Client {
		return &httpClient{
			base:     fmt.Sprintf("https://%s/axapi/v3", device.IPAddress),
			username: device.Username,
			password: device.Password,
			hc:       &http.Client{Timeout: 30 * time.Second},
		}
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e apiError) Error() string {
	return fmt.Sprintf("axapi: device returned %d: %s", e.Status, e.Body)
}

func (c *httpClient) authenticate(ctx context.Context) error {
	body := map[string]interface{}{
		"credentials": map[string]string{
			"username": c.username,
			"password": c.password,
		},
	}
	var resp struct {
		AuthResponse struct {
			Signature string `json:"signature"`
		} `json:"authresponse"`
	}
	if err := c.roundTrip(ctx, http.MethodPost, "/auth", body, &resp, ""); err != nil {
		return fmt.Errorf("axapi: authenticating: %w", err)
	}
	c.mu.Lock()
	c.signature = resp.AuthResponse.Signature
	c.mu.Unlock()
	return nil
}

// do issues one authenticated request, logging in first when no signature
// is held yet and retrying once on a 401.
func (c *httpClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	c.mu.Lock()
	signature := c.signature
	c.mu.Unlock()
	if signature == "" {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		signature = c.signature
		c.mu.Unlock()
	}

	err := c.roundTrip(ctx, method, path, body, out, signature)
	var apiErr apiError
	if ok := asAPIError(err, &apiErr); ok && apiErr.Status == http.StatusUnauthorized {
		if err := c.authenticate(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		signature = c.signature
		c.mu.Unlock()
		return c.roundTrip(ctx, method, path, body, out, signature)
	}
	return err
}

func asAPIError(err error, target *apiError) bool {
	if e, ok := err.(apiError); ok {
		*target = e
		return true
	}
	return false
}

func (c *httpClient) roundTrip(ctx context.Context, method, path string, body, out interface{}, signature string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Authorization", "A10 "+signature)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// deleted treats a missing object as already gone, keeping device deletes
// idempotent under flow retries.
func deleted(err error) error {
	var apiErr apiError
	if asAPIError(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *httpClient) Reachable(ctx context.Context) error {
	return c.authenticate(ctx)
}

func (c *httpClient) ActivePartition(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/active-partition/"+name, nil, nil)
}

func (c *httpClient) CreateVirtualServer(ctx context.Context, vs *VirtualServer) error {
	return c.do(ctx, http.MethodPost, "/slb/virtual-server", virtualServerBody(vs), nil)
}

func (c *httpClient) UpdateVirtualServer(ctx context.Context, vs *VirtualServer) error {
	return c.do(ctx, http.MethodPut, "/slb/virtual-server/"+vs.Name, virtualServerBody(vs), nil)
}

func (c *httpClient) DeleteVirtualServer(ctx context.Context, name string) error {
	return deleted(c.do(ctx, http.MethodDelete, "/slb/virtual-server/"+name, nil, nil))
}

func virtualServerBody(vs *VirtualServer) map[string]interface{} {
	return map[string]interface{}{
		"virtual-server": map[string]interface{}{
			"name":       vs.Name,
			"ip-address": vs.IPAddress,
			"port-list": []map[string]interface{}{
				{"port-number": vs.Port, "protocol": strings.ToLower(vs.Protocol)},
			},
		},
	}
}

func (c *httpClient) CreateServiceGroup(ctx context.Context, sg *ServiceGroup) error {
	return c.do(ctx, http.MethodPost, "/slb/service-group", serviceGroupBody(sg), nil)
}

func (c *httpClient) UpdateServiceGroup(ctx context.Context, sg *ServiceGroup) error {
	return c.do(ctx, http.MethodPut, "/slb/service-group/"+sg.Name, serviceGroupBody(sg), nil)
}

func (c *httpClient) DeleteServiceGroup(ctx context.Context, name string) error {
	return deleted(c.do(ctx, http.MethodDelete, "/slb/service-group/"+name, nil, nil))
}

func serviceGroupBody(sg *ServiceGroup) map[string]interface{} {
	return map[string]interface{}{
		"service-group": map[string]interface{}{
			"name":      sg.Name,
			"protocol":  strings.ToLower(sg.Protocol),
			"lb-method": strings.ToLower(sg.Algorithm),
		},
	}
}

func (c *httpClient) CreateServer(ctx context.Context, srv *Server) error {
	return c.do(ctx, http.MethodPost, "/slb/server", serverBody(srv), nil)
}

func (c *httpClient) UpdateServer(ctx context.Context, srv *Server) error {
	return c.do(ctx, http.MethodPut, "/slb/server/"+srv.Name, serverBody(srv), nil)
}

func (c *httpClient) DeleteServer(ctx context.Context, name string) error {
	return deleted(c.do(ctx, http.MethodDelete, "/slb/server/"+name, nil, nil))
}

func serverBody(srv *Server) map[string]interface{} {
	return map[string]interface{}{
		"server": map[string]interface{}{
			"name":   srv.Name,
			"host":   srv.Address,
			"weight": srv.Weight,
			"port-list": []map[string]interface{}{
				{"port-number": srv.Port},
			},
		},
	}
}

func (c *httpClient) CreateMonitor(ctx context.Context, m *Monitor) error {
	return c.do(ctx, http.MethodPost, "/health/monitor", monitorBody(m), nil)
}

func (c *httpClient) UpdateMonitor(ctx context.Context, m *Monitor) error {
	return c.do(ctx, http.MethodPut, "/health/monitor/"+m.Name, monitorBody(m), nil)
}

func (c *httpClient) DeleteMonitor(ctx context.Context, name string) error {
	return deleted(c.do(ctx, http.MethodDelete, "/health/monitor/"+name, nil, nil))
}

func monitorBody(m *Monitor) map[string]interface{} {
	body := map[string]interface{}{
		"name":     m.Name,
		"interval": m.Delay,
		"timeout":  m.Timeout,
		"retry":    m.MaxRetries,
		"method": map[string]interface{}{
			strings.ToLower(m.Type): map[string]interface{}{
				"url": m.URLPath,
			},
		},
	}
	return map[string]interface{}{"monitor": body}
}

func (c *httpClient) AssociateMonitor(ctx context.Context, serviceGroup, monitor string) error {
	return c.do(ctx, http.MethodPut, "/slb/service-group/"+serviceGroup,
		map[string]interface{}{
			"service-group": map[string]interface{}{
				"name":         serviceGroup,
				"health-check": monitor,
			},
		}, nil)
}

func (c *httpClient) DisassociateMonitor(ctx context.Context, serviceGroup, monitor string) error {
	return c.do(ctx, http.MethodPut, "/slb/service-group/"+serviceGroup,
		map[string]interface{}{
			"service-group": map[string]interface{}{
				"name":         serviceGroup,
				"health-check": "",
			},
		}, nil)
}

func (c *httpClient) CreatePolicy(ctx context.Context, p *PolicyRule) error {
	return c.do(ctx, http.MethodPost, "/slb/aflex-policy", policyBody(p), nil)
}

func (c *httpClient) UpdatePolicy(ctx context.Context, p *PolicyRule) error {
	return c.do(ctx, http.MethodPut, "/slb/aflex-policy/"+p.Name, policyBody(p), nil)
}

func (c *httpClient) DeletePolicy(ctx context.Context, name string) error {
	return deleted(c.do(ctx, http.MethodDelete, "/slb/aflex-policy/"+name, nil, nil))
}

func policyBody(p *PolicyRule) map[string]interface{} {
	return map[string]interface{}{
		"policy": map[string]interface{}{
			"name":     p.Name,
			"action":   p.Action,
			"redirect": p.Redirect,
			"rules":    p.Rules,
		},
	}
}

func (c *httpClient) UpdateVRRPGroup(ctx context.Context, vrid int, floatingIPs []string) error {
	addresses := make([]map[string]interface{}, 0, len(floatingIPs))
	for _, ip := range floatingIPs {
		addresses = append(addresses, map[string]interface{}{"ip-address": ip})
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/vrrp-a/vrid/%d", vrid),
		map[string]interface{}{
			"vrid": map[string]interface{}{
				"vrid-val": vrid,
				"floating-ip": map[string]interface{}{
					"ip-address-cfg": addresses,
				},
			},
		}, nil)
}

func (c *httpClient) ConfigureVRRP(ctx context.Context, setID int, peers []string) error {
	return c.do(ctx, http.MethodPut, "/vrrp-a/common",
		map[string]interface{}{
			"common": map[string]interface{}{
				"device-id": setID,
				"set-id":    setID,
				"action":    "enable",
			},
		}, nil)
}

func (c *httpClient) ConfigureSyncGroup(ctx context.Context, group string) error {
	return c.do(ctx, http.MethodPut, "/vrrp-a/vrrp-a-config-sync",
		map[string]interface{}{
			"vrrp-a-config-sync": map[string]interface{}{
				"group": group,
			},
		}, nil)
}

func (c *httpClient) VRRPStatus(ctx context.Context) (string, error) {
	var resp struct {
		State struct {
			Status string `json:"status"`
		} `json:"vrrp-a-state"`
	}
	if err := c.do(ctx, http.MethodGet, "/vrrp-a/state/stats", nil, &resp); err != nil {
		return "", err
	}
	return resp.State.Status, nil
}

func (c *httpClient) WriteMemory(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/write/memory", nil, nil)
}
