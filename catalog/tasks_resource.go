package catalog

import (
	"context"
	"fmt"

	"thunderlb/axapi"
	"thunderlb/db"
	"thunderlb/workflow"
)

// The types below are the per-resource deviceOps implementations: each
// knows how to render one resource type onto the device. Device object
// names are the resource ids, which keeps renames free and lookups exact.

type loadBalancerOps struct{}

func (loadBalancerOps) ResourceKey() string { return KeyLoadBalancer }

func (loadBalancerOps) render(lb *db.LoadBalancer) *axapi.VirtualServer {
	return &axapi.VirtualServer{
		Name:      lb.ID,
		IPAddress: lb.VIPAddress,
	}
}

func (o loadBalancerOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	return client.CreateVirtualServer(ctx, o.render(lb))
}

func (o loadBalancerOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	return client.UpdateVirtualServer(ctx, o.render(lb))
}

func (loadBalancerOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	return client.DeleteVirtualServer(ctx, lb.ID)
}

// listenerOps renders a listener as a protocol/port virtual server on the
// load balancer's VIP address.
type listenerOps struct{}

func (listenerOps) ResourceKey() string { return KeyListener }

func (listenerOps) render(listener *db.Listener, lb *db.LoadBalancer) *axapi.VirtualServer {
	return &axapi.VirtualServer{
		Name:      listener.ID,
		IPAddress: lb.VIPAddress,
		Protocol:  listener.Protocol,
		Port:      listener.ProtocolPort,
	}
}

func (o listenerOps) apply(ctx context.Context, store *workflow.Store, call func(*axapi.VirtualServer) error) error {
	listener, err := workflow.Value[*db.Listener](store, KeyListener)
	if err != nil {
		return err
	}
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	return call(o.render(listener, lb))
}

func (o listenerOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	return o.apply(ctx, store, func(vs *axapi.VirtualServer) error {
		return client.CreateVirtualServer(ctx, vs)
	})
}

func (o listenerOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	return o.apply(ctx, store, func(vs *axapi.VirtualServer) error {
		return client.UpdateVirtualServer(ctx, vs)
	})
}

func (listenerOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	listener, err := workflow.Value[*db.Listener](store, KeyListener)
	if err != nil {
		return err
	}
	return client.DeleteVirtualServer(ctx, listener.ID)
}

type poolOps struct{}

func (poolOps) ResourceKey() string { return KeyPool }

func (poolOps) render(pool *db.Pool) *axapi.ServiceGroup {
	return &axapi.ServiceGroup{
		Name:      pool.ID,
		Protocol:  pool.Protocol,
		Algorithm: pool.Algorithm,
	}
}

func (o poolOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	pool, err := workflow.Value[*db.Pool](store, KeyPool)
	if err != nil {
		return err
	}
	return client.CreateServiceGroup(ctx, o.render(pool))
}

func (o poolOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	pool, err := workflow.Value[*db.Pool](store, KeyPool)
	if err != nil {
		return err
	}
	return client.UpdateServiceGroup(ctx, o.render(pool))
}

func (poolOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	pool, err := workflow.Value[*db.Pool](store, KeyPool)
	if err != nil {
		return err
	}
	return client.DeleteServiceGroup(ctx, pool.ID)
}

type memberOps struct{}

func (memberOps) ResourceKey() string { return KeyMember }

func (memberOps) render(member *db.Member) *axapi.Server {
	return &axapi.Server{
		Name:    member.ID,
		Address: member.Address,
		Port:    member.ProtocolPort,
		Weight:  member.Weight,
	}
}

func (o memberOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	member, err := workflow.Value[*db.Member](store, KeyMember)
	if err != nil {
		return err
	}
	return client.CreateServer(ctx, o.render(member))
}

func (o memberOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	member, err := workflow.Value[*db.Member](store, KeyMember)
	if err != nil {
		return err
	}
	return client.UpdateServer(ctx, o.render(member))
}

func (memberOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	member, err := workflow.Value[*db.Member](store, KeyMember)
	if err != nil {
		return err
	}
	return client.DeleteServer(ctx, member.ID)
}

// healthMonitorOps couples the monitor object with its service-group
// association: create attaches it, delete detaches it first.
type healthMonitorOps struct{}

func (healthMonitorOps) ResourceKey() string { return KeyHealthMonitor }

func (healthMonitorOps) render(hm *db.HealthMonitor) *axapi.Monitor {
	return &axapi.Monitor{
		Name:       hm.ID,
		Type:       hm.Type,
		Delay:      hm.Delay,
		Timeout:    hm.Timeout,
		MaxRetries: hm.MaxRetries,
		URLPath:    hm.URLPath,
	}
}

func (o healthMonitorOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	hm, err := workflow.Value[*db.HealthMonitor](store, KeyHealthMonitor)
	if err != nil {
		return err
	}
	if err := client.CreateMonitor(ctx, o.render(hm)); err != nil {
		return err
	}
	return client.AssociateMonitor(ctx, hm.PoolID, hm.ID)
}

func (o healthMonitorOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	hm, err := workflow.Value[*db.HealthMonitor](store, KeyHealthMonitor)
	if err != nil {
		return err
	}
	return client.UpdateMonitor(ctx, o.render(hm))
}

func (healthMonitorOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	hm, err := workflow.Value[*db.HealthMonitor](store, KeyHealthMonitor)
	if err != nil {
		return err
	}
	if err := client.DisassociateMonitor(ctx, hm.PoolID, hm.ID); err != nil {
		return err
	}
	return client.DeleteMonitor(ctx, hm.ID)
}

// l7PolicyOps renders a policy together with its compiled rule set, so a
// policy push always reflects every persisted rule.
type l7PolicyOps struct {
	rules db.Store[db.L7Rule]
}

func (l7PolicyOps) ResourceKey() string { return KeyL7Policy }

func compileRule(rule *db.L7Rule) string {
	op := "match"
	if rule.Invert {
		op = "not-match"
	}
	return fmt.Sprintf("%s %s %s %s %s", rule.Type, rule.Key, op, rule.CompareType, rule.Value)
}

// compiledPolicy builds the device policy from the persisted rules,
// leaving out excludeRuleID (set when a rule delete re-pushes its parent).
func (o l7PolicyOps) compiledPolicy(ctx context.Context, policy *db.L7Policy, excludeRuleID string) (*axapi.PolicyRule, error) {
	rules, err := o.rules.List(ctx, db.Filter{"l7policy_id": policy.ID})
	if err != nil {
		return nil, err
	}
	compiled := &axapi.PolicyRule{
		Name:     policy.ID,
		Action:   policy.Action,
		Redirect: policy.RedirectURL,
	}
	if policy.RedirectPoolID != "" {
		compiled.Redirect = policy.RedirectPoolID
	}
	for i := range rules {
		if rules[i].ID == excludeRuleID {
			continue
		}
		compiled.Rules = append(compiled.Rules, compileRule(&rules[i]))
	}
	return compiled, nil
}

func (o l7PolicyOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	policy, err := workflow.Value[*db.L7Policy](store, KeyL7Policy)
	if err != nil {
		return err
	}
	compiled, err := o.compiledPolicy(ctx, policy, "")
	if err != nil {
		return err
	}
	return client.CreatePolicy(ctx, compiled)
}

func (o l7PolicyOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	policy, err := workflow.Value[*db.L7Policy](store, KeyL7Policy)
	if err != nil {
		return err
	}
	compiled, err := o.compiledPolicy(ctx, policy, "")
	if err != nil {
		return err
	}
	return client.UpdatePolicy(ctx, compiled)
}

func (l7PolicyOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	policy, err := workflow.Value[*db.L7Policy](store, KeyL7Policy)
	if err != nil {
		return err
	}
	return client.DeletePolicy(ctx, policy.ID)
}

// l7RuleOps has no device object of its own: every rule operation
// re-pushes the parent policy with the rule set recompiled. A rule delete
// excludes the rule being deleted, since its row is still present when the
// device call runs.
type l7RuleOps struct {
	policies db.Store[db.L7Policy]
	rules    db.Store[db.L7Rule]
}

func (l7RuleOps) ResourceKey() string { return KeyL7Rule }

func (o l7RuleOps) repush(ctx context.Context, client axapi.Client, store *workflow.Store, excludeRuleID string) error {
	rule, err := workflow.Value[*db.L7Rule](store, KeyL7Rule)
	if err != nil {
		return err
	}
	policy, err := o.policies.Get(ctx, db.Filter{"id": rule.L7PolicyID})
	if err != nil {
		return err
	}
	compiled, err := l7PolicyOps{rules: o.rules}.compiledPolicy(ctx, policy, excludeRuleID)
	if err != nil {
		return err
	}
	return client.UpdatePolicy(ctx, compiled)
}

func (o l7RuleOps) ApplyCreate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	return o.repush(ctx, client, store, "")
}

func (o l7RuleOps) ApplyUpdate(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	return o.repush(ctx, client, store, "")
}

func (o l7RuleOps) ApplyDelete(ctx context.Context, client axapi.Client, store *workflow.Store) error {
	rule, err := workflow.Value[*db.L7Rule](store, KeyL7Rule)
	if err != nil {
		return err
	}
	return o.repush(ctx, client, store, rule.ID)
}
