package catalog

import (
	"context"
	"fmt"
	"strings"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/device"
	"thunderlb/network"
	"thunderlb/workflow"
)

// Catalog builds one flow per (resource type, operation). Every flow
// starts with the compare-and-set admission task, so a losing delivery
// reverts nothing because nothing has run yet. The guard right after it
// marks the resource ERROR when a later task unwinds.
type Catalog struct {
	cfg      *config.Config
	repos    *db.Repositories
	clients  axapi.ClientFactory
	computes compute.Driver
	resolver *device.Resolver
	vrids    *device.VRIDAllocator
}

// New wires a Catalog over the persistence layer and the three external
// collaborators.
func New(cfg *config.Config, repos *db.Repositories, clients axapi.ClientFactory, computes compute.Driver, net network.Driver) *Catalog {
	return &Catalog{
		cfg:      cfg,
		repos:    repos,
		clients:  clients,
		computes: computes,
		resolver: device.NewResolver(repos.VThunders),
		vrids:    device.NewVRIDAllocator(cfg, repos.VRIDs, net),
	}
}

// Prepared couples a built flow with the initial store it runs against.
type Prepared struct {
	Flow  workflow.Node
	Store *workflow.Store
}

// createFrom admits a create flow: the API writes the row as QUEUED, and
// a re-driven create after a failed attempt starts from ERROR. The set
// must not contain PENDING_CREATE itself, or the admission compare-and-set
// would wave through a duplicate delivery racing an in-flight create.
var createFrom = []string{db.StatusQueued, db.StatusError}

func pendingTask[T any](store db.Store[T], resource, id string, from []string, to, done string, read func(*T) string) *markPending {
	return &markPending{
		Base:     workflow.Base{TaskName: "mark-pending-" + resource},
		update:   updater(store),
		resource: resource,
		id:       id,
		from:     from,
		to:       to,
		done:     done,
		status:   statusReader(store, id, read),
	}
}

func guardTask[T any](store db.Store[T], resource, id string) *toErrorOnRevert {
	return &toErrorOnRevert{
		Base:   workflow.Base{TaskName: "error-on-revert-" + resource},
		update: updater(store),
		id:     id,
	}
}

func activeTask[T any](store db.Store[T], resource, id string) *markActive {
	return &markActive{
		Base:   workflow.Base{TaskName: "mark-active-" + resource},
		update: updater(store),
		id:     id,
	}
}

func deletedTask[T any](store db.Store[T], resource, id string) *markDeleted {
	return &markDeleted{
		Base:   workflow.Base{TaskName: "mark-deleted-" + resource},
		update: updater(store),
		id:     id,
	}
}

func removeTask[T any](store db.Store[T], resource, id string) *deleteRow {
	return &deleteRow{
		Base:   workflow.Base{TaskName: "delete-" + resource + "-record"},
		remove: remover(store, id),
	}
}

func updateTask[T any](store db.Store[T], resource, resourceKey, id string) *updateRow {
	return &updateRow{
		Base: workflow.Base{
			TaskName: "update-" + resource + "-record",
			Reads:    []string{KeyUpdateDelta},
			Writes:   []string{resourceKey},
		},
		update:      updater(store),
		id:          id,
		resourceKey: resourceKey,
		reload:      reloader(store, id),
	}
}

func (c *Catalog) loadBalancer(ctx context.Context, id string) (*db.LoadBalancer, error) {
	return c.repos.LoadBalancers.Get(ctx, db.Filter{"id": id})
}

// checkTopology rejects a load balancer asking for a device layout the
// controller does not implement. An empty topology defaults to standalone
// at acquisition time.
func checkTopology(lb *db.LoadBalancer) error {
	switch lb.Topology {
	case "", config.TopologyStandalone, config.TopologyActiveStandby:
		return nil
	}
	return ErrUnsupportedOperation{
		UserMsg:     fmt.Sprintf("load balancer topology %s is not supported", lb.Topology),
		OperatorMsg: fmt.Sprintf("loadbalancer %s requests unimplemented topology %s", lb.ID, lb.Topology),
	}
}

// acquisitionGraph is the device-acquisition subflow of a load balancer
// create: try to claim a spare, and only when no spare could be claimed
// take the provision branch that boots compute, waits for the control API,
// and registers the device record. Both branches join at bind.
func (c *Catalog) acquisitionGraph(lb *db.LoadBalancer, role, suffix string) *workflow.Graph {
	deviceKey := KeyVThunder
	if role == db.RoleBackup {
		deviceKey = KeyBackupVThunder
	}
	claimedKey := suffixed(KeySpareClaimed, suffix)
	instanceKey := suffixed(KeyComputeInstance, suffix)
	partition := c.cfg.Tenant(lb.TenantID).Partition

	claim := newTryClaimSpare(c.repos.VThunders, deviceKey, claimedKey)
	boot := newBootCompute(c.computes, role, instanceKey)
	wait := newWaitReachable(c.clients, c.cfg.Device, instanceKey)
	register := newRegisterVThunder(c.repos.VThunders, c.cfg.Device, partition, role, lb.Topology, instanceKey, deviceKey)
	bind := newBindDevice(c.repos.VThunders, role, lb.Topology, partition, deviceKey)

	g := workflow.NewGraph("acquire-device-" + strings.ToLower(role))
	g.Add(claim, boot, wait, register, bind)
	g.LinkIf(claim.Name(), boot.Name(), func(s *workflow.Store) bool { return !s.Bool(claimedKey) })
	g.Link(boot.Name(), wait.Name())
	g.Link(wait.Name(), register.Name())
	g.Link(register.Name(), bind.Name())
	g.LinkIf(claim.Name(), bind.Name(), func(s *workflow.Store) bool { return s.Bool(claimedKey) })
	return g
}

// addAcquisition appends the device acquisition for the load balancer's
// topology: one graph for standalone, a concurrent pair plus the linear
// VRRP setup for active-standby.
func (c *Catalog) addAcquisition(flow *workflow.Linear, lb *db.LoadBalancer) {
	if lb.Topology != config.TopologyActiveStandby {
		flow.Add(c.acquisitionGraph(lb, db.RoleStandalone, ""))
		return
	}
	tenant := c.cfg.Tenant(lb.TenantID)
	flow.Add(
		workflow.NewUnordered("acquire-pair",
			c.acquisitionGraph(lb, db.RoleMaster, ""),
			c.acquisitionGraph(lb, db.RoleBackup, "backup"),
		),
		workflow.NewLinear("vrrp-setup",
			newConfigureVRRP(c.clients, tenant.VRID),
			newConfigureSyncGroup(c.clients, "thunderlb"),
			newConfirmVRRP(c.clients),
		),
	)
}

func (c *Catalog) prepare(flow workflow.Node, initial map[string]interface{}) *Prepared {
	return &Prepared{Flow: flow, Store: workflow.NewStore(initial)}
}

// LoadBalancerCreate builds the create flow: admit, acquire a device for
// the topology, render the virtual server, reconcile the VIP subnet's
// floating IP and persist.
func (c *Catalog) LoadBalancerCreate(ctx context.Context, id string) (*Prepared, error) {
	lb, err := c.loadBalancer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTopology(lb); err != nil {
		return nil, err
	}
	tenant := c.cfg.Tenant(lb.TenantID)
	flow := workflow.NewLinear("loadbalancer-create",
		pendingTask(c.repos.LoadBalancers, "loadbalancer", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.LoadBalancer) string { return r.ProvisioningStatus }),
		guardTask(c.repos.LoadBalancers, "loadbalancer", id),
	)
	c.addAcquisition(flow, lb)
	flow.Add(
		newApplyToDevice("apply-loadbalancer-create", c.clients, tenant.Partition, loadBalancerOps{}, OpCreate, KeyVThunder),
		newReconcileVRID(c.vrids, c.clients, lb.TenantID, lb.VIPSubnetID, KeyVThunder),
		activeTask(c.repos.LoadBalancers, "loadbalancer", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	if lb.Topology == config.TopologyActiveStandby {
		flow.Add(newWriteMemory(c.clients, KeyBackupVThunder))
	}
	return c.prepare(flow, map[string]interface{}{KeyLoadBalancer: lb}), nil
}

// LoadBalancerUpdate re-renders the virtual server after writing the
// command's field delta.
func (c *Catalog) LoadBalancerUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	lb, err := c.loadBalancer(ctx, id)
	if err != nil {
		return nil, err
	}
	tenant := c.cfg.Tenant(lb.TenantID)
	flow := workflow.NewLinear("loadbalancer-update",
		pendingTask(c.repos.LoadBalancers, "loadbalancer", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.LoadBalancer) string { return r.ProvisioningStatus }),
		guardTask(c.repos.LoadBalancers, "loadbalancer", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.LoadBalancers, "loadbalancer", KeyLoadBalancer, id),
		newApplyToDevice("apply-loadbalancer-update", c.clients, tenant.Partition, loadBalancerOps{}, OpUpdate, KeyVThunder),
		activeTask(c.repos.LoadBalancers, "loadbalancer", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyUpdateDelta:  delta,
	}), nil
}

// LoadBalancerDelete unconfigures the device, drops the VIP subnet's
// floating IP when this was its last reference, releases the device
// binding and soft-deletes the record for the expiry cleanup.
func (c *Catalog) LoadBalancerDelete(ctx context.Context, id string) (*Prepared, error) {
	lb, err := c.loadBalancer(ctx, id)
	if err != nil {
		return nil, err
	}
	tenant := c.cfg.Tenant(lb.TenantID)
	flow := workflow.NewLinear("loadbalancer-delete",
		pendingTask(c.repos.LoadBalancers, "loadbalancer", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.LoadBalancer) string { return r.ProvisioningStatus }),
		guardTask(c.repos.LoadBalancers, "loadbalancer", id),
		newResolveDevice(c.resolver),
	)
	if lb.Topology == config.TopologyActiveStandby {
		flow.Add(newResolveRole(c.resolver, db.RoleBackup, KeyBackupVThunder))
	}
	flow.Add(
		newApplyToDevice("apply-loadbalancer-delete", c.clients, tenant.Partition, loadBalancerOps{}, OpDelete, KeyVThunder),
		newRemoveVRID(c.vrids, c.clients, c.repos, lb.TenantID, lb.VIPSubnetID, KeyVThunder),
		newReleaseDevice(c.repos.VThunders, c.computes, KeyVThunder),
	)
	if lb.Topology == config.TopologyActiveStandby {
		flow.Add(newReleaseDevice(c.repos.VThunders, c.computes, KeyBackupVThunder))
	}
	flow.Add(deletedTask(c.repos.LoadBalancers, "loadbalancer", id))
	return c.prepare(flow, map[string]interface{}{KeyLoadBalancer: lb}), nil
}

// LoadBalancerFailover rebinds a load balancer whose device stopped
// heartbeating: retire the stale binding, run the same acquisition as a
// create, replay the persisted resource tree onto the new device and
// reconcile the VIP subnet's floating IP. Admission fails closed when the
// load balancer is not in a mutable state, which skips the failover.
func (c *Catalog) LoadBalancerFailover(ctx context.Context, id string) (*Prepared, error) {
	lb, err := c.loadBalancer(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTopology(lb); err != nil {
		return nil, err
	}
	tenant := c.cfg.Tenant(lb.TenantID)
	flow := workflow.NewLinear("loadbalancer-failover",
		pendingTask(c.repos.LoadBalancers, "loadbalancer", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.LoadBalancer) string { return r.ProvisioningStatus }),
		guardTask(c.repos.LoadBalancers, "loadbalancer", id),
		newRetireStaleDevices(c.repos.VThunders, c.computes),
	)
	c.addAcquisition(flow, lb)
	flow.Add(
		newRebuildDeviceConfig(c.repos, c.clients, tenant.Partition, KeyVThunder),
		newReconcileVRID(c.vrids, c.clients, lb.TenantID, lb.VIPSubnetID, KeyVThunder),
		activeTask(c.repos.LoadBalancers, "loadbalancer", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	if lb.Topology == config.TopologyActiveStandby {
		flow.Add(newWriteMemory(c.clients, KeyBackupVThunder))
	}
	return c.prepare(flow, map[string]interface{}{KeyLoadBalancer: lb}), nil
}
