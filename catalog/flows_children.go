package catalog

import (
	"context"
	"errors"

	"thunderlb/db"
	"thunderlb/workflow"
)

// The child-resource flows share one shape: admit, resolve the parent's
// device, render onto the device, settle the database. Updates insert the
// row-delta write before the device call; deletes replace mark-active with
// the row removal. Active-standby pairs are configured through the master
// only, the sync group replicates to the backup.

func (c *Catalog) loadListener(ctx context.Context, id string) (*db.Listener, *db.LoadBalancer, error) {
	listener, err := c.repos.Listeners.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	lb, err := c.loadBalancer(ctx, listener.LoadBalancerID)
	if err != nil {
		return nil, nil, err
	}
	return listener, lb, nil
}

func (c *Catalog) loadPool(ctx context.Context, id string) (*db.Pool, *db.LoadBalancer, error) {
	pool, err := c.repos.Pools.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	lb, err := c.loadBalancer(ctx, pool.LoadBalancerID)
	if err != nil {
		return nil, nil, err
	}
	return pool, lb, nil
}

func (c *Catalog) loadMember(ctx context.Context, id string) (*db.Member, *db.LoadBalancer, error) {
	member, err := c.repos.Members.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	_, lb, err := c.loadPool(ctx, member.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return member, lb, nil
}

func (c *Catalog) loadHealthMonitor(ctx context.Context, id string) (*db.HealthMonitor, *db.LoadBalancer, error) {
	hm, err := c.repos.HealthMonitors.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	_, lb, err := c.loadPool(ctx, hm.PoolID)
	if err != nil {
		return nil, nil, err
	}
	return hm, lb, nil
}

func (c *Catalog) loadL7Policy(ctx context.Context, id string) (*db.L7Policy, *db.LoadBalancer, error) {
	policy, err := c.repos.L7Policies.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	_, lb, err := c.loadListener(ctx, policy.ListenerID)
	if err != nil {
		return nil, nil, err
	}
	return policy, lb, nil
}

func (c *Catalog) loadL7Rule(ctx context.Context, id string) (*db.L7Rule, *db.LoadBalancer, error) {
	rule, err := c.repos.L7Rules.Get(ctx, db.Filter{"id": id})
	if err != nil {
		return nil, nil, err
	}
	_, lb, err := c.loadL7Policy(ctx, rule.L7PolicyID)
	if err != nil {
		return nil, nil, err
	}
	return rule, lb, nil
}

// memberTenant resolves the tenant for floating-IP policy lookups, falling
// back to the load balancer's tenant when the member carries none.
func memberTenant(member *db.Member, lb *db.LoadBalancer) string {
	if member.TenantID != "" {
		return member.TenantID
	}
	return lb.TenantID
}

func (c *Catalog) ListenerCreate(ctx context.Context, id string) (*Prepared, error) {
	listener, lb, err := c.loadListener(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("listener-create",
		pendingTask(c.repos.Listeners, "listener", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.Listener) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Listeners, "listener", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-listener-create", c.clients, partition, listenerOps{}, OpCreate, KeyVThunder),
		activeTask(c.repos.Listeners, "listener", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyListener:     listener,
	}), nil
}

func (c *Catalog) ListenerUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	listener, lb, err := c.loadListener(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("listener-update",
		pendingTask(c.repos.Listeners, "listener", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.Listener) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Listeners, "listener", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.Listeners, "listener", KeyListener, id),
		newApplyToDevice("apply-listener-update", c.clients, partition, listenerOps{}, OpUpdate, KeyVThunder),
		activeTask(c.repos.Listeners, "listener", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyListener:     listener,
		KeyUpdateDelta:  delta,
	}), nil
}

func (c *Catalog) ListenerDelete(ctx context.Context, id string) (*Prepared, error) {
	listener, lb, err := c.loadListener(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("listener-delete",
		pendingTask(c.repos.Listeners, "listener", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.Listener) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Listeners, "listener", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-listener-delete", c.clients, partition, listenerOps{}, OpDelete, KeyVThunder),
		removeTask(c.repos.Listeners, "listener", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyListener:     listener,
	}), nil
}

func (c *Catalog) PoolCreate(ctx context.Context, id string) (*Prepared, error) {
	pool, lb, err := c.loadPool(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("pool-create",
		pendingTask(c.repos.Pools, "pool", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.Pool) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Pools, "pool", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-pool-create", c.clients, partition, poolOps{}, OpCreate, KeyVThunder),
		activeTask(c.repos.Pools, "pool", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyPool:         pool,
	}), nil
}

func (c *Catalog) PoolUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	pool, lb, err := c.loadPool(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("pool-update",
		pendingTask(c.repos.Pools, "pool", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.Pool) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Pools, "pool", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.Pools, "pool", KeyPool, id),
		newApplyToDevice("apply-pool-update", c.clients, partition, poolOps{}, OpUpdate, KeyVThunder),
		activeTask(c.repos.Pools, "pool", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyPool:         pool,
		KeyUpdateDelta:  delta,
	}), nil
}

// PoolDelete detaches and removes a bound health monitor before the
// service group itself goes; the device rejects deleting a group that
// still has a monitor attached. Member rows of the pool are dropped with
// it.
func (c *Catalog) PoolDelete(ctx context.Context, id string) (*Prepared, error) {
	pool, lb, err := c.loadPool(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	initial := map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyPool:         pool,
	}
	flow := workflow.NewLinear("pool-delete",
		pendingTask(c.repos.Pools, "pool", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.Pool) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Pools, "pool", id),
		newResolveDevice(c.resolver),
	)
	hm, err := c.repos.HealthMonitors.Get(ctx, db.Filter{"pool_id": id})
	switch {
	case err == nil:
		initial[KeyHealthMonitor] = hm
		flow.Add(workflow.NewLinear("healthmonitor-disassociate",
			newApplyToDevice("apply-healthmonitor-detach", c.clients, partition, healthMonitorOps{}, OpDelete, KeyVThunder),
			removeTask(c.repos.HealthMonitors, "healthmonitor", hm.ID),
		))
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, err
	}
	flow.Add(
		newApplyToDevice("apply-pool-delete", c.clients, partition, poolOps{}, OpDelete, KeyVThunder),
		&deleteRow{
			Base: workflow.Base{TaskName: "delete-pool-members"},
			remove: func(ctx context.Context) error {
				_, err := c.repos.Members.Delete(ctx, db.Filter{"pool_id": id})
				return err
			},
		},
		removeTask(c.repos.Pools, "pool", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, initial), nil
}

func (c *Catalog) MemberCreate(ctx context.Context, id string) (*Prepared, error) {
	member, lb, err := c.loadMember(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("member-create",
		pendingTask(c.repos.Members, "member", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.Member) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Members, "member", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-member-create", c.clients, partition, memberOps{}, OpCreate, KeyVThunder),
		newReconcileVRID(c.vrids, c.clients, memberTenant(member, lb), member.SubnetID, KeyVThunder),
		activeTask(c.repos.Members, "member", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyMember:       member,
	}), nil
}

func (c *Catalog) MemberUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	member, lb, err := c.loadMember(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("member-update",
		pendingTask(c.repos.Members, "member", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.Member) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Members, "member", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.Members, "member", KeyMember, id),
		newApplyToDevice("apply-member-update", c.clients, partition, memberOps{}, OpUpdate, KeyVThunder),
		activeTask(c.repos.Members, "member", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyMember:       member,
		KeyUpdateDelta:  delta,
	}), nil
}

// MemberDelete removes the server and, when this member was its subnet's
// last reference, retires the subnet's floating-IP assignment. The row is
// still present when the reference count is taken, so "last reference"
// means a count of one.
func (c *Catalog) MemberDelete(ctx context.Context, id string) (*Prepared, error) {
	member, lb, err := c.loadMember(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("member-delete",
		pendingTask(c.repos.Members, "member", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.Member) string { return r.ProvisioningStatus }),
		guardTask(c.repos.Members, "member", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-member-delete", c.clients, partition, memberOps{}, OpDelete, KeyVThunder),
		newRemoveVRID(c.vrids, c.clients, c.repos, memberTenant(member, lb), member.SubnetID, KeyVThunder),
		removeTask(c.repos.Members, "member", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyMember:       member,
	}), nil
}

func (c *Catalog) HealthMonitorCreate(ctx context.Context, id string) (*Prepared, error) {
	hm, lb, err := c.loadHealthMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("healthmonitor-create",
		pendingTask(c.repos.HealthMonitors, "healthmonitor", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.HealthMonitor) string { return r.ProvisioningStatus }),
		guardTask(c.repos.HealthMonitors, "healthmonitor", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-healthmonitor-create", c.clients, partition, healthMonitorOps{}, OpCreate, KeyVThunder),
		activeTask(c.repos.HealthMonitors, "healthmonitor", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer:  lb,
		KeyHealthMonitor: hm,
	}), nil
}

func (c *Catalog) HealthMonitorUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	hm, lb, err := c.loadHealthMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("healthmonitor-update",
		pendingTask(c.repos.HealthMonitors, "healthmonitor", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.HealthMonitor) string { return r.ProvisioningStatus }),
		guardTask(c.repos.HealthMonitors, "healthmonitor", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.HealthMonitors, "healthmonitor", KeyHealthMonitor, id),
		newApplyToDevice("apply-healthmonitor-update", c.clients, partition, healthMonitorOps{}, OpUpdate, KeyVThunder),
		activeTask(c.repos.HealthMonitors, "healthmonitor", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer:  lb,
		KeyHealthMonitor: hm,
		KeyUpdateDelta:   delta,
	}), nil
}

func (c *Catalog) HealthMonitorDelete(ctx context.Context, id string) (*Prepared, error) {
	hm, lb, err := c.loadHealthMonitor(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	flow := workflow.NewLinear("healthmonitor-delete",
		pendingTask(c.repos.HealthMonitors, "healthmonitor", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.HealthMonitor) string { return r.ProvisioningStatus }),
		guardTask(c.repos.HealthMonitors, "healthmonitor", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-healthmonitor-delete", c.clients, partition, healthMonitorOps{}, OpDelete, KeyVThunder),
		removeTask(c.repos.HealthMonitors, "healthmonitor", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer:  lb,
		KeyHealthMonitor: hm,
	}), nil
}

func (c *Catalog) L7PolicyCreate(ctx context.Context, id string) (*Prepared, error) {
	policy, lb, err := c.loadL7Policy(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7PolicyOps{rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7policy-create",
		pendingTask(c.repos.L7Policies, "l7policy", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.L7Policy) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Policies, "l7policy", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-l7policy-create", c.clients, partition, ops, OpCreate, KeyVThunder),
		activeTask(c.repos.L7Policies, "l7policy", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Policy:     policy,
	}), nil
}

func (c *Catalog) L7PolicyUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	policy, lb, err := c.loadL7Policy(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7PolicyOps{rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7policy-update",
		pendingTask(c.repos.L7Policies, "l7policy", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.L7Policy) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Policies, "l7policy", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.L7Policies, "l7policy", KeyL7Policy, id),
		newApplyToDevice("apply-l7policy-update", c.clients, partition, ops, OpUpdate, KeyVThunder),
		activeTask(c.repos.L7Policies, "l7policy", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Policy:     policy,
		KeyUpdateDelta:  delta,
	}), nil
}

func (c *Catalog) L7PolicyDelete(ctx context.Context, id string) (*Prepared, error) {
	policy, lb, err := c.loadL7Policy(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7PolicyOps{rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7policy-delete",
		pendingTask(c.repos.L7Policies, "l7policy", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.L7Policy) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Policies, "l7policy", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-l7policy-delete", c.clients, partition, ops, OpDelete, KeyVThunder),
		&deleteRow{
			Base: workflow.Base{TaskName: "delete-l7policy-rules"},
			remove: func(ctx context.Context) error {
				_, err := c.repos.L7Rules.Delete(ctx, db.Filter{"l7policy_id": id})
				return err
			},
		},
		removeTask(c.repos.L7Policies, "l7policy", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Policy:     policy,
	}), nil
}

func (c *Catalog) L7RuleCreate(ctx context.Context, id string) (*Prepared, error) {
	rule, lb, err := c.loadL7Rule(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7RuleOps{policies: c.repos.L7Policies, rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7rule-create",
		pendingTask(c.repos.L7Rules, "l7rule", id, createFrom, db.StatusPendingCreate, db.StatusActive,
			func(r *db.L7Rule) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Rules, "l7rule", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-l7rule-create", c.clients, partition, ops, OpCreate, KeyVThunder),
		activeTask(c.repos.L7Rules, "l7rule", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Rule:       rule,
	}), nil
}

func (c *Catalog) L7RuleUpdate(ctx context.Context, id string, delta map[string]interface{}) (*Prepared, error) {
	rule, lb, err := c.loadL7Rule(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7RuleOps{policies: c.repos.L7Policies, rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7rule-update",
		pendingTask(c.repos.L7Rules, "l7rule", id, db.MutableStatuses, db.StatusPendingUpdate, "",
			func(r *db.L7Rule) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Rules, "l7rule", id),
		newResolveDevice(c.resolver),
		updateTask(c.repos.L7Rules, "l7rule", KeyL7Rule, id),
		newApplyToDevice("apply-l7rule-update", c.clients, partition, ops, OpUpdate, KeyVThunder),
		activeTask(c.repos.L7Rules, "l7rule", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Rule:       rule,
		KeyUpdateDelta:  delta,
	}), nil
}

func (c *Catalog) L7RuleDelete(ctx context.Context, id string) (*Prepared, error) {
	rule, lb, err := c.loadL7Rule(ctx, id)
	if err != nil {
		return nil, err
	}
	partition := c.cfg.Tenant(lb.TenantID).Partition
	ops := l7RuleOps{policies: c.repos.L7Policies, rules: c.repos.L7Rules}
	flow := workflow.NewLinear("l7rule-delete",
		pendingTask(c.repos.L7Rules, "l7rule", id, db.MutableStatuses, db.StatusPendingDelete, db.StatusDeleted,
			func(r *db.L7Rule) string { return r.ProvisioningStatus }),
		guardTask(c.repos.L7Rules, "l7rule", id),
		newResolveDevice(c.resolver),
		newApplyToDevice("apply-l7rule-delete", c.clients, partition, ops, OpDelete, KeyVThunder),
		removeTask(c.repos.L7Rules, "l7rule", id),
		newWriteMemory(c.clients, KeyVThunder),
	)
	return c.prepare(flow, map[string]interface{}{
		KeyLoadBalancer: lb,
		KeyL7Rule:       rule,
	}), nil
}
