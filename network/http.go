package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"thunderlb/config"
)

// httpDriver provisions ports through the network service's REST API.
type httpDriver struct {
	cfg config.NetworkConfig
	hc  *http.Client
}

// NewHTTPDriver returns a Driver backed by the configured network service.
func NewHTTPDriver(cfg config.NetworkConfig) Driver {
	return &httpDriver{cfg: cfg, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (d *httpDriver) request(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.Endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth-Token", d.cfg.AuthToken)
	resp, err := d.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("network: %s %s returned %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (d *httpDriver) GetSubnet(ctx context.Context, subnetID string) (*Subnet, error) {
	var resp struct {
		Subnet Subnet `json:"subnet"`
	}
	if err := d.request(ctx, http.MethodGet, "/v2.0/subnets/"+subnetID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Subnet, nil
}

func (d *httpDriver) CreatePort(ctx context.Context, req PortRequest) (*Port, error) {
	subnet, err := d.GetSubnet(ctx, req.SubnetID)
	if err != nil {
		return nil, ErrPortCreate{SubnetID: req.SubnetID, Err: err}
	}
	fixedIP := map[string]interface{}{"subnet_id": req.SubnetID}
	if req.IPAddress != "" {
		fixedIP["ip_address"] = req.IPAddress
	}
	var resp struct {
		Port Port `json:"port"`
	}
	err = d.request(ctx, http.MethodPost, "/v2.0/ports", map[string]interface{}{
		"port": map[string]interface{}{
			"name":       req.Name,
			"network_id": subnet.NetworkID,
			"fixed_ips":  []map[string]interface{}{fixedIP},
		},
	}, &resp)
	if err != nil {
		return nil, ErrPortCreate{SubnetID: req.SubnetID, Err: err}
	}
	return &resp.Port, nil
}

func (d *httpDriver) DeletePort(ctx context.Context, portID string) error {
	err := d.request(ctx, http.MethodDelete, "/v2.0/ports/"+portID, nil, nil)
	if err != nil && strings.Contains(err.Error(), "returned 404") {
		return nil
	}
	return err
}
