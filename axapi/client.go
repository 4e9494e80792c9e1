// Package axapi is the boundary to the device control API. The controller
// treats it as a synchronous, resource-oriented remote interface keyed by
// (device address, credentials, axapi version); failures are opaque errors
// propagated or swallowed per task policy. The wire format is out of scope.
package axapi

import (
	"context"

	"thunderlb/db"
)

// VirtualServer is a virtual-server object on the device.
type VirtualServer struct {
	Name      string
	IPAddress string
	Protocol  string
	Port      int
}

// ServiceGroup is the device-side rendering of a pool.
type ServiceGroup struct {
	Name      string
	Protocol  string
	Algorithm string
}

// Server is the device-side rendering of a member.
type Server struct {
	Name    string
	Address string
	Port    int
	Weight  int
}

// Monitor is the device-side rendering of a health monitor.
type Monitor struct {
	Name       string
	Type       string
	Delay      int
	Timeout    int
	MaxRetries int
	URLPath    string
}

// PolicyRule is one L7 policy with its compiled match rules.
type PolicyRule struct {
	Name     string
	Action   string
	Redirect string
	Rules    []string
}

// Client is the per-device control connection. One Client is scoped to a
// single device (and partition) for the duration of a flow.
type Client interface {
	// Reachable probes whether the device answers its control API yet.
	Reachable(ctx context.Context) error
	// ActivePartition switches subsequent calls onto the named partition.
	ActivePartition(ctx context.Context, name string) error

	CreateVirtualServer(ctx context.Context, vs *VirtualServer) error
	UpdateVirtualServer(ctx context.Context, vs *VirtualServer) error
	DeleteVirtualServer(ctx context.Context, name string) error

	CreateServiceGroup(ctx context.Context, sg *ServiceGroup) error
	UpdateServiceGroup(ctx context.Context, sg *ServiceGroup) error
	DeleteServiceGroup(ctx context.Context, name string) error

	CreateServer(ctx context.Context, srv *Server) error
	UpdateServer(ctx context.Context, srv *Server) error
	DeleteServer(ctx context.Context, name string) error

	CreateMonitor(ctx context.Context, m *Monitor) error
	UpdateMonitor(ctx context.Context, m *Monitor) error
	DeleteMonitor(ctx context.Context, name string) error

	// AssociateMonitor attaches/detaches a monitor to a service group.
	AssociateMonitor(ctx context.Context, serviceGroup, monitor string) error
	DisassociateMonitor(ctx context.Context, serviceGroup, monitor string) error

	CreatePolicy(ctx context.Context, p *PolicyRule) error
	UpdatePolicy(ctx context.Context, p *PolicyRule) error
	DeletePolicy(ctx context.Context, name string) error

	// UpdateVRRPGroup replaces the floating-IP membership of the VRRP
	// group identified by the numeric vrid.
	UpdateVRRPGroup(ctx context.Context, vrid int, floatingIPs []string) error
	// ConfigureVRRP sets up vrrp-a with the given set id and peers.
	ConfigureVRRP(ctx context.Context, setID int, peers []string) error
	// ConfigureSyncGroup joins the device into a config sync group.
	ConfigureSyncGroup(ctx context.Context, group string) error
	// VRRPStatus reports the device's view of its vrrp-a state.
	VRRPStatus(ctx context.Context) (string, error)

	// WriteMemory persists the running configuration.
	WriteMemory(ctx context.Context) error
}

// ClientFactory builds a Client for a device record. The production factory
// dials the appliance; tests install a fake.
type ClientFactory func(device *db.VThunder) Client
