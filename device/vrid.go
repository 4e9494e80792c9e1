package device

import (
	"context"
	"fmt"
	"net"

	"github.com/RichardKnop/machinery/v2/log"
	"github.com/google/uuid"

	"thunderlb/axapi"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/network"
)

// defaultVRIDValue is used when a tenant has no explicit VRID configured.
const defaultVRIDValue = 1

// VRIDAllocator assigns the shared virtual-router id and floating IP per
// (tenant, subnet) pair. It reuses existing assignments, creates/deletes
// the backing network ports, and pushes the resulting floating-IP set to
// the bound device's VRRP group.
type VRIDAllocator struct {
	cfg     *config.Config
	vrids   db.Store[db.VRID]
	network network.Driver
}

// NewVRIDAllocator builds an allocator.
func NewVRIDAllocator(cfg *config.Config, vrids db.Store[db.VRID], driver network.Driver) *VRIDAllocator {
	return &VRIDAllocator{cfg: cfg, vrids: vrids, network: driver}
}

// ReconcileResult reports what a reconcile did. CreatedPorts is populated
// even when the reconcile fails partway so the wrapping flow's revert can
// delete the just-created ports.
type ReconcileResult struct {
	Entries      []db.VRID
	CreatedPorts []string
	// Pushes counts VRRP group updates issued (0, 1, or 2).
	Pushes int
}

// Reconcile brings the tenant's VRID set in line with its floating-IP
// policy for the given subnet and pushes the device's VRRP membership when
// anything changed. It is idempotent: with an unchanged policy and an
// unchanged VRID set it issues no port calls and no VRRP update.
func (a *VRIDAllocator) Reconcile(ctx context.Context, client axapi.Client, tenantID, subnetID string) (*ReconcileResult, error) {
	result := &ReconcileResult{}
	tenant := a.cfg.Tenant(tenantID)

	existing, err := a.vrids.List(ctx, db.Filter{"tenant_id": tenantID})
	if err != nil {
		return result, err
	}

	// No floating-IP policy: this subnet must carry no VRID entry at all.
	if tenant.FloatingIP == "" {
		return a.reconcileNone(ctx, client, subnetID, existing, result)
	}

	target := tenant.VRID
	if target == 0 {
		target = defaultVRIDValue
	}

	// Lazily create the entry for this subnet on first use.
	oldValue := target
	haveSubnet := false
	for _, e := range existing {
		if e.SubnetID == subnetID {
			haveSubnet = true
		}
		if e.VRIDValue != 0 {
			oldValue = e.VRIDValue
		}
	}
	if !haveSubnet {
		entry := db.VRID{
			ID:        uuid.New().String(),
			TenantID:  tenantID,
			SubnetID:  subnetID,
			VRIDValue: target,
		}
		if err := a.vrids.Create(ctx, &entry); err != nil {
			return result, err
		}
		existing = append(existing, entry)
	}

	changed := false
	for i := range existing {
		entry := &existing[i]
		subnet, err := a.network.GetSubnet(ctx, entry.SubnetID)
		if err != nil {
			return result, err
		}

		want := ""
		if tenant.FloatingIP == config.FloatingIPDHCP {
			inRange, err := addressInCIDR(entry.FloatingIP, subnet.CIDR)
			if err == nil && inRange {
				continue
			}
			// want stays empty: request a dynamically assigned address.
		} else {
			want, err = patchAddress(tenant.FloatingIP, subnet.CIDR)
			if err != nil {
				return result, fmt.Errorf("vrid: tenant %s subnet %s: %w", tenantID, entry.SubnetID, err)
			}
			if want == entry.FloatingIP {
				continue
			}
		}

		if err := a.replacePort(ctx, entry, want, result); err != nil {
			return result, err
		}
		changed = true
	}

	result.Entries = existing

	switch {
	case oldValue != target:
		// The VRID value itself moved: clear the old group first, then
		// push the full list under the new value.
		if err := client.UpdateVRRPGroup(ctx, oldValue, nil); err != nil {
			return result, err
		}
		result.Pushes++
		if err := client.UpdateVRRPGroup(ctx, target, floatingIPs(existing)); err != nil {
			return result, err
		}
		result.Pushes++
		for i := range existing {
			existing[i].VRIDValue = target
			if _, err := a.vrids.Update(ctx, db.Filter{"id": existing[i].ID},
				map[string]interface{}{"vrid": target}); err != nil {
				return result, err
			}
		}
	case changed:
		if err := client.UpdateVRRPGroup(ctx, target, floatingIPs(existing)); err != nil {
			return result, err
		}
		result.Pushes++
	}

	return result, nil
}

// reconcileNone deletes every VRID entry whose backing port references the
// subnet and pushes the reduced floating-IP set.
func (a *VRIDAllocator) reconcileNone(ctx context.Context, client axapi.Client, subnetID string, existing []db.VRID, result *ReconcileResult) (*ReconcileResult, error) {
	var remaining []db.VRID
	removed := false
	value := defaultVRIDValue
	for _, entry := range existing {
		if entry.VRIDValue != 0 {
			value = entry.VRIDValue
		}
		if entry.SubnetID != subnetID {
			remaining = append(remaining, entry)
			continue
		}
		if entry.PortID != "" {
			if err := a.network.DeletePort(ctx, entry.PortID); err != nil {
				return result, err
			}
		}
		if _, err := a.vrids.Delete(ctx, db.Filter{"id": entry.ID}); err != nil {
			return result, err
		}
		removed = true
	}
	result.Entries = remaining
	if removed {
		if err := client.UpdateVRRPGroup(ctx, value, floatingIPs(remaining)); err != nil {
			return result, err
		}
		result.Pushes++
	}
	return result, nil
}

// replacePort swaps an entry's backing port for one holding the wanted
// address ("" requests a dynamic address) and records the change.
func (a *VRIDAllocator) replacePort(ctx context.Context, entry *db.VRID, want string, result *ReconcileResult) error {
	if entry.PortID != "" {
		if err := a.network.DeletePort(ctx, entry.PortID); err != nil {
			// The stale port will leak if we continue; surface it.
			return fmt.Errorf("vrid: deleting stale port %s: %w", entry.PortID, err)
		}
	}
	port, err := a.network.CreatePort(ctx, network.PortRequest{
		Name:      "vrid-" + entry.ID,
		SubnetID:  entry.SubnetID,
		IPAddress: want,
	})
	if err != nil {
		return err
	}
	result.CreatedPorts = append(result.CreatedPorts, port.ID)
	if len(port.FixedIPs) == 0 {
		return fmt.Errorf("vrid: port %s on subnet %s carries no fixed IP", port.ID, entry.SubnetID)
	}

	entry.PortID = port.ID
	entry.FloatingIP = port.FixedIPs[0].IPAddress
	_, err = a.vrids.Update(ctx, db.Filter{"id": entry.ID}, map[string]interface{}{
		"vrid_port_id":     entry.PortID,
		"vrid_floating_ip": entry.FloatingIP,
	})
	return err
}

// Remove drops the VRID entry for a subnet once the last referencing
// resource is gone. refCount is the combined load balancer + member count
// still using the subnet; the entry survives while it exceeds one.
// Port-delete and VRRP-push failures are surfaced, not swallowed: stale
// VRRP membership remains until corrected.
func (a *VRIDAllocator) Remove(ctx context.Context, client axapi.Client, tenantID, subnetID string, refCount int64) error {
	if refCount > 1 {
		return nil
	}
	existing, err := a.vrids.List(ctx, db.Filter{"tenant_id": tenantID})
	if err != nil {
		return err
	}
	var victim *db.VRID
	var remaining []db.VRID
	for i := range existing {
		if existing[i].SubnetID == subnetID {
			victim = &existing[i]
			continue
		}
		remaining = append(remaining, existing[i])
	}
	if victim == nil {
		return nil
	}
	if victim.PortID != "" {
		if err := a.network.DeletePort(ctx, victim.PortID); err != nil {
			return fmt.Errorf("vrid: deleting port %s: %w", victim.PortID, err)
		}
	}
	value := victim.VRIDValue
	if value == 0 {
		value = defaultVRIDValue
	}
	if err := client.UpdateVRRPGroup(ctx, value, floatingIPs(remaining)); err != nil {
		return fmt.Errorf("vrid: pushing reduced floating-ip set: %w", err)
	}
	if _, err := a.vrids.Delete(ctx, db.Filter{"id": victim.ID}); err != nil {
		return err
	}
	log.INFO.Printf("removed vrid entry for tenant %s subnet %s", tenantID, subnetID)
	return nil
}

// RevertPorts deletes ports created by a failed reconcile. Invoked from
// flow revert handlers; failures are logged, not raised, to avoid masking
// the original error.
func (a *VRIDAllocator) RevertPorts(ctx context.Context, portIDs []string) {
	for _, id := range portIDs {
		if err := a.network.DeletePort(ctx, id); err != nil {
			log.WARNING.Printf("reverting vrid port %s: %s", id, err)
		}
	}
}

func floatingIPs(entries []db.VRID) []string {
	var fips []string
	for _, e := range entries {
		if e.FloatingIP != "" {
			fips = append(fips, e.FloatingIP)
		}
	}
	return fips
}

// addressInCIDR reports whether addr falls inside the CIDR range.
func addressInCIDR(addr, cidr string) (bool, error) {
	if addr == "" {
		return false, nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false, fmt.Errorf("invalid address %q", addr)
	}
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false, err
	}
	return ipnet.Contains(ip), nil
}

// patchAddress merges a configured (possibly partial) static address into
// a subnet CIDR: the network bits come from the CIDR, the host bits from
// the configured address. "0.0.0.7" on 10.10.12.0/24 yields 10.10.12.7; a
// full in-range address passes through unchanged.
func patchAddress(configured, cidr string) (string, error) {
	ip := net.ParseIP(configured)
	if ip == nil {
		return "", fmt.Errorf("invalid static floating ip %q", configured)
	}
	base, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", err
	}
	if ipnet.Contains(ip) {
		return ip.String(), nil
	}
	ip4 := ip.To4()
	base4 := base.To4()
	if ip4 == nil || base4 == nil {
		return "", fmt.Errorf("static floating ip %q not in subnet %s", configured, cidr)
	}
	mask := ipnet.Mask
	patched := make(net.IP, 4)
	for i := 0; i < 4; i++ {
		patched[i] = base4[i]&mask[i] | ip4[i]&^mask[i]
	}
	if !ipnet.Contains(patched) {
		return "", fmt.Errorf("static floating ip %q not in subnet %s", configured, cidr)
	}
	return patched.String(), nil
}
