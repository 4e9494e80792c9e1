// Package network is the boundary to the network-provisioning service.
// Types follow the neutron port/subnet shape; the controller only consumes
// the create/delete/lookup primitives below.
package network

import (
	"context"
	"fmt"
)

// FixedIP binds an address to a subnet on a port.
type FixedIP struct {
	SubnetID  string `json:"subnet_id"`
	IPAddress string `json:"ip_address"`
}

// Port is a provisioned network port.
type Port struct {
	ID        string    `json:"id"`
	NetworkID string    `json:"network_id"`
	FixedIPs  []FixedIP `json:"fixed_ips"`
}

// Subnet describes an address range within a network.
type Subnet struct {
	ID        string `json:"id"`
	NetworkID string `json:"network_id"`
	CIDR      string `json:"cidr"`
	GatewayIP string `json:"gateway_ip"`
}

// PortRequest asks for a new port. An empty IPAddress requests a
// dynamically assigned address on the subnet.
type PortRequest struct {
	Name      string
	SubnetID  string
	IPAddress string
}

// ErrPortCreate wraps a failed port allocation; it aborts a VRID reconcile.
type ErrPortCreate struct {
	SubnetID string
	Err      error
}

func (e ErrPortCreate) Error() string {
	return fmt.Sprintf("network: creating port on subnet %s: %s", e.SubnetID, e.Err)
}

func (e ErrPortCreate) Unwrap() error { return e.Err }

// Driver is the provisioning interface the controller calls.
type Driver interface {
	GetSubnet(ctx context.Context, subnetID string) (*Subnet, error)
	CreatePort(ctx context.Context, req PortRequest) (*Port, error)
	DeletePort(ctx context.Context, portID string) error
}
