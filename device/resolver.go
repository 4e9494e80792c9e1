// Package device resolves logical resources to their bound appliances and
// reconciles VRRP floating-IP assignments.
package device

import (
	"context"
	"errors"
	"fmt"

	"thunderlb/config"
	"thunderlb/db"
)

// ErrDeviceNotFound is returned when no ACTIVE device is bound to a
// load balancer.
var ErrDeviceNotFound = errors.New("device: no active device bound")

// Resolver looks up the device record(s) bound to a load balancer. It is a
// read against the device-by-loadbalancer index and never mutates state.
type Resolver struct {
	vthunders db.Store[db.VThunder]
}

// NewResolver builds a Resolver over the device store.
func NewResolver(vthunders db.Store[db.VThunder]) *Resolver {
	return &Resolver{vthunders: vthunders}
}

// Resolve returns the device serving the load balancer: the STANDALONE
// device for standalone topology, the MASTER for active-standby.
func (r *Resolver) Resolve(ctx context.Context, lb *db.LoadBalancer) (*db.VThunder, error) {
	switch lb.Topology {
	case config.TopologyActiveStandby:
		return r.ResolveRole(ctx, lb, db.RoleMaster)
	default:
		return r.resolve(ctx, lb, db.Filter{
			"loadbalancer_id": lb.ID,
			"status":          db.DeviceStatusActive,
			"role in":         []string{db.RoleStandalone, db.RoleMaster},
		})
	}
}

// ResolveRole returns the bound device with the given role; callers that
// need the BACKUP of an active-standby pair request it explicitly.
func (r *Resolver) ResolveRole(ctx context.Context, lb *db.LoadBalancer, role string) (*db.VThunder, error) {
	return r.resolve(ctx, lb, db.Filter{
		"loadbalancer_id": lb.ID,
		"status":          db.DeviceStatusActive,
		"role":            role,
	})
}

// ResolvePair returns (master, backup) for an active-standby load balancer.
func (r *Resolver) ResolvePair(ctx context.Context, lb *db.LoadBalancer) (*db.VThunder, *db.VThunder, error) {
	master, err := r.ResolveRole(ctx, lb, db.RoleMaster)
	if err != nil {
		return nil, nil, err
	}
	backup, err := r.ResolveRole(ctx, lb, db.RoleBackup)
	if err != nil {
		return nil, nil, err
	}
	return master, backup, nil
}

func (r *Resolver) resolve(ctx context.Context, lb *db.LoadBalancer, filter db.Filter) (*db.VThunder, error) {
	device, err := r.vthunders.Get(ctx, filter)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("loadbalancer %s: %w", lb.ID, ErrDeviceNotFound)
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}
