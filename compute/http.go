package compute

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

// statusPollInterval paces the wait for a booted instance to publish its
// management address.
const statusPollInterval = 2 * time.Second

// statusPollAttempts bounds that wait; reachability of the device itself
// is probed separately by the caller.
const statusPollAttempts = 60

// httpDriver provisions instances through the compute service's REST API.
type httpDriver struct {
	cfg config.ComputeConfig
	hc  *http.Client
}

// NewHTTPDriver returns a Driver backed by the configured compute service.
func NewHTTPDriver(cfg config.ComputeConfig) Driver {
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
		return fmt.Errorf("compute: %s %s returned %d: %s",
			method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

type serverDetail struct {
	Server struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Addresses map[string][]struct {
			Addr string `json:"addr"`
		} `json:"addresses"`
	} `json:"server"`
}

func (d *httpDriver) BootInstance(ctx context.Context, name string) (*Instance, error) {
	var created serverDetail
	err := d.request(ctx, http.MethodPost, "/servers", map[string]interface{}{
		"server": map[string]interface{}{
			"name":      name,
			"imageRef":  d.cfg.ImageRef,
			"flavorRef": d.cfg.FlavorRef,
			"networks":  []map[string]string{{"uuid": d.cfg.NetworkID}},
		},
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("compute: booting %s: %w", name, err)
	}
	id := created.Server.ID

	// The management address appears once the instance goes ACTIVE.
	for attempt := 0; attempt < statusPollAttempts; attempt++ {
		var detail serverDetail
		if err := d.request(ctx, http.MethodGet, "/servers/"+id, nil, &detail); err != nil {
			return nil, err
		}
		if detail.Server.Status == "ERROR" {
			return nil, fmt.Errorf("compute: instance %s went ERROR during boot", id)
		}
		if detail.Server.Status == "ACTIVE" {
			for _, addrs := range detail.Server.Addresses {
				if len(addrs) > 0 {
					return &Instance{ID: id, ManagementIP: addrs[0].Addr}, nil
				}
			}
		}
		timer := time.NewTimer(statusPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("compute: instance %s never published an address", id)
}

func (d *httpDriver) DeleteInstance(ctx context.Context, id string) error {
	err := d.request(ctx, http.MethodDelete, "/servers/"+id, nil, nil)
	if err != nil && strings.Contains(err.Error(), "returned 404") {
		return nil
	}
	return err
}
