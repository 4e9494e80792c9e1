package catalog

import (
	"context"

	"github.com/RichardKnop/machinery/v2/log"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/db"
	"thunderlb/workflow"
)

// retireStaleDevices unbinds every device row of the load balancer and
// destroys its compute, making room for a fresh acquisition. The stale
// appliance may be entirely unresponsive, so compute deletion failures are
// logged and the retirement continues; the expiry cleanup gets another
// chance at the instance later. Retirement is not revertible.
type retireStaleDevices struct {
	workflow.Base
	vthunders db.Store[db.VThunder]
	driver    compute.Driver
}

func newRetireStaleDevices(vthunders db.Store[db.VThunder], driver compute.Driver) *retireStaleDevices {
	return &retireStaleDevices{
		Base: workflow.Base{
			TaskName: "retire-stale-devices",
			Reads:    []string{KeyLoadBalancer},
		},
		vthunders: vthunders,
		driver:    driver,
	}
}

func (t *retireStaleDevices) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	stale, err := t.vthunders.List(ctx, db.Filter{"loadbalancer_id": lb.ID})
	if err != nil {
		return err
	}
	for i := range stale {
		dev := &stale[i]
		if dev.ComputeID != "" {
			if err := t.driver.DeleteInstance(ctx, dev.ComputeID); err != nil {
				log.WARNING.Printf("failover: deleting instance %s of stale device %s: %s",
					dev.ComputeID, dev.ID, err)
			}
		}
		if _, err := t.vthunders.Update(ctx, db.Filter{"id": dev.ID}, map[string]interface{}{
			"status":          db.DeviceStatusDeleted,
			"loadbalancer_id": "",
		}); err != nil {
			return err
		}
		log.INFO.Printf("failover: retired device %s of loadbalancer %s", dev.ID, lb.ID)
	}
	return nil
}

// rebuildDeviceConfig replays the load balancer's full persisted resource
// tree onto a freshly acquired device: virtual servers, service groups,
// servers, monitors and policies. Resources already marked DELETED are
// skipped.
type rebuildDeviceConfig struct {
	workflow.Base
	repos     *db.Repositories
	clients   axapi.ClientFactory
	partition string
	deviceKey string
}

func newRebuildDeviceConfig(repos *db.Repositories, clients axapi.ClientFactory, partition, deviceKey string) *rebuildDeviceConfig {
	return &rebuildDeviceConfig{
		Base: workflow.Base{
			TaskName: "rebuild-device-config",
			Reads:    []string{KeyLoadBalancer, deviceKey},
		},
		repos:     repos,
		clients:   clients,
		partition: partition,
		deviceKey: deviceKey,
	}
}

func (t *rebuildDeviceConfig) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	client := t.clients(dev)
	partition := t.partition
	if dev.PartitionName != "" {
		partition = dev.PartitionName
	}
	if partition != "" && partition != "shared" {
		if err := client.ActivePartition(ctx, partition); err != nil {
			return err
		}
	}

	if err := client.CreateVirtualServer(ctx, loadBalancerOps{}.render(lb)); err != nil {
		return err
	}

	listeners, err := t.repos.Listeners.List(ctx, db.Filter{
		"loadbalancer_id":        lb.ID,
		"provisioning_status !=": db.StatusDeleted,
	})
	if err != nil {
		return err
	}
	for i := range listeners {
		if err := client.CreateVirtualServer(ctx, listenerOps{}.render(&listeners[i], lb)); err != nil {
			return err
		}
	}

	pools, err := t.repos.Pools.List(ctx, db.Filter{
		"loadbalancer_id":        lb.ID,
		"provisioning_status !=": db.StatusDeleted,
	})
	if err != nil {
		return err
	}
	for i := range pools {
		pool := &pools[i]
		if err := client.CreateServiceGroup(ctx, poolOps{}.render(pool)); err != nil {
			return err
		}
		members, err := t.repos.Members.List(ctx, db.Filter{"pool_id": pool.ID})
		if err != nil {
			return err
		}
		for j := range members {
			if err := client.CreateServer(ctx, memberOps{}.render(&members[j])); err != nil {
				return err
			}
		}
		monitors, err := t.repos.HealthMonitors.List(ctx, db.Filter{"pool_id": pool.ID})
		if err != nil {
			return err
		}
		for j := range monitors {
			hm := &monitors[j]
			if err := client.CreateMonitor(ctx, healthMonitorOps{}.render(hm)); err != nil {
				return err
			}
			if err := client.AssociateMonitor(ctx, pool.ID, hm.ID); err != nil {
				return err
			}
		}
	}

	for i := range listeners {
		policies, err := t.repos.L7Policies.List(ctx, db.Filter{"listener_id": listeners[i].ID})
		if err != nil {
			return err
		}
		for j := range policies {
			compiled, err := l7PolicyOps{rules: t.repos.L7Rules}.compiledPolicy(ctx, &policies[j], "")
			if err != nil {
				return err
			}
			if err := client.CreatePolicy(ctx, compiled); err != nil {
				return err
			}
		}
	}
	return nil
}
