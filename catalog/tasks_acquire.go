package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/RichardKnop/machinery/v2/log"
	"github.com/google/uuid"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
	"thunderlb/workflow"
)

// tryClaimSpare attempts to take a READY unbound device from the spare
// pool. The claim is a single-row compare-and-set, so two concurrent
// creates can never claim the same spare. Whatever the outcome, the task
// records it under claimedKey; the provision-new branch is gated on that
// flag.
type tryClaimSpare struct {
	workflow.Base
	vthunders  db.Store[db.VThunder]
	deviceKey  string
	claimedKey string
	claimedID  string
}

func newTryClaimSpare(vthunders db.Store[db.VThunder], deviceKey, claimedKey string) *tryClaimSpare {
	return &tryClaimSpare{
		Base: workflow.Base{
			TaskName: "try-claim-spare-" + deviceKey,
			Reads:    []string{KeyLoadBalancer},
			Writes:   []string{claimedKey, deviceKey},
		},
		vthunders:  vthunders,
		deviceKey:  deviceKey,
		claimedKey: claimedKey,
	}
}

func (t *tryClaimSpare) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	spares, err := t.vthunders.List(ctx, db.Filter{
		"status":          db.DeviceStatusReady,
		"loadbalancer_id": "",
	})
	if err != nil {
		return err
	}
	for i := range spares {
		spare := spares[i]
		n, err := t.vthunders.Update(ctx, db.Filter{
			"id":              spare.ID,
			"status":          db.DeviceStatusReady,
			"loadbalancer_id": "",
		}, map[string]interface{}{"loadbalancer_id": lb.ID})
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race for this spare; try the next one.
			continue
		}
		spare.LoadBalancerID = lb.ID
		t.claimedID = spare.ID
		store.Put(t.claimedKey, true)
		store.Put(t.deviceKey, &spare)
		log.INFO.Printf("claimed spare device %s for loadbalancer %s", spare.ID, lb.ID)
		return nil
	}
	store.Put(t.claimedKey, false)
	return nil
}

func (t *tryClaimSpare) Revert(ctx context.Context, store *workflow.Store, cause error) {
	if t.claimedID == "" {
		return
	}
	if _, err := t.vthunders.Update(ctx, db.Filter{"id": t.claimedID}, map[string]interface{}{
		"loadbalancer_id": "",
		"role":            "",
		"status":          db.DeviceStatusReady,
	}); err != nil {
		log.WARNING.Printf("returning spare %s to the pool: %s", t.claimedID, err)
	}
}

// bootCompute boots a fresh appliance instance. Reverting deletes the
// instance again so a failed create leaves no orphaned compute.
type bootCompute struct {
	workflow.Base
	driver      compute.Driver
	role        string
	instanceKey string
}

func newBootCompute(driver compute.Driver, role, instanceKey string) *bootCompute {
	return &bootCompute{
		Base: workflow.Base{
			TaskName: "boot-compute-" + instanceKey,
			Reads:    []string{KeyLoadBalancer},
			Writes:   []string{instanceKey},
		},
		driver:      driver,
		role:        role,
		instanceKey: instanceKey,
	}
}

func (t *bootCompute) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("vthunder-%s-%s", t.role, lb.ID)
	inst, err := t.driver.BootInstance(ctx, name)
	if err != nil {
		return err
	}
	store.Put(t.instanceKey, inst)
	log.INFO.Printf("booted instance %s (%s) for loadbalancer %s", inst.ID, inst.ManagementIP, lb.ID)
	return nil
}

func (t *bootCompute) Revert(ctx context.Context, store *workflow.Store, cause error) {
	inst, err := workflow.Value[*compute.Instance](store, t.instanceKey)
	if err != nil {
		return
	}
	if err := t.driver.DeleteInstance(ctx, inst.ID); err != nil {
		log.WARNING.Printf("deleting instance %s during revert: %s", inst.ID, err)
	}
}

// waitReachable blocks until the freshly booted appliance answers its
// control API. The budget is a fixed retry count times a fixed sleep, with
// one build-grace sleep up front; there is no backoff.
type waitReachable struct {
	workflow.Base
	clients     axapi.ClientFactory
	device      config.DeviceConfig
	instanceKey string
}

func newWaitReachable(clients axapi.ClientFactory, device config.DeviceConfig, instanceKey string) *waitReachable {
	return &waitReachable{
		Base: workflow.Base{
			TaskName: "wait-reachable-" + instanceKey,
			Reads:    []string{instanceKey},
		},
		clients:     clients,
		device:      device,
		instanceKey: instanceKey,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *waitReachable) Execute(ctx context.Context, store *workflow.Store) error {
	inst, err := workflow.Value[*compute.Instance](store, t.instanceKey)
	if err != nil {
		return err
	}
	client := t.clients(&db.VThunder{
		IPAddress:    inst.ManagementIP,
		Username:     t.device.Username,
		Password:     t.device.Password,
		AXAPIVersion: t.device.AXAPIVersion,
	})
	if err := sleep(ctx, t.device.BuildGraceSleep); err != nil {
		return err
	}
	var probeErr error
	for attempt := 0; attempt < t.device.ReachableRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, t.device.ReachableWait); err != nil {
				return err
			}
		}
		if probeErr = client.Reachable(ctx); probeErr == nil {
			return nil
		}
		log.DEBUG.Printf("device %s not reachable yet (attempt %d): %s",
			inst.ManagementIP, attempt+1, probeErr)
	}
	return fmt.Errorf("catalog: device %s unreachable after %d attempts: %w",
		inst.ManagementIP, t.device.ReachableRetries, probeErr)
}

// registerVThunder persists the device record for a newly provisioned
// appliance. Reverting removes the record again.
type registerVThunder struct {
	workflow.Base
	vthunders   db.Store[db.VThunder]
	device      config.DeviceConfig
	partition   string
	role        string
	topology    string
	instanceKey string
	deviceKey   string
	createdID   string
}

func newRegisterVThunder(vthunders db.Store[db.VThunder], device config.DeviceConfig, partition, role, topology, instanceKey, deviceKey string) *registerVThunder {
	return &registerVThunder{
		Base: workflow.Base{
			TaskName: "register-vthunder-" + deviceKey,
			Reads:    []string{KeyLoadBalancer, instanceKey},
			Writes:   []string{deviceKey},
		},
		vthunders:   vthunders,
		device:      device,
		partition:   partition,
		role:        role,
		topology:    topology,
		instanceKey: instanceKey,
		deviceKey:   deviceKey,
	}
}

func (t *registerVThunder) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	inst, err := workflow.Value[*compute.Instance](store, t.instanceKey)
	if err != nil {
		return err
	}
	now := time.Now()
	record := &db.VThunder{
		ID:             uuid.New().String(),
		ComputeID:      inst.ID,
		IPAddress:      inst.ManagementIP,
		Username:       t.device.Username,
		Password:       t.device.Password,
		AXAPIVersion:   t.device.AXAPIVersion,
		Role:           t.role,
		Status:         db.DeviceStatusActive,
		Topology:       t.topology,
		PartitionName:  t.partition,
		LoadBalancerID: lb.ID,
		LastUDPUpdate:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.vthunders.Create(ctx, record); err != nil {
		return err
	}
	t.createdID = record.ID
	store.Put(t.deviceKey, record)
	return nil
}

func (t *registerVThunder) Revert(ctx context.Context, store *workflow.Store, cause error) {
	if t.createdID == "" {
		return
	}
	if _, err := t.vthunders.Delete(ctx, db.Filter{"id": t.createdID}); err != nil {
		log.WARNING.Printf("removing device record %s during revert: %s", t.createdID, err)
	}
}

// bindDevice is the join point of the two acquisition branches: whichever
// branch produced the device, bind finalizes its row for this topology.
// Both branches end here, so the updates are written to be idempotent.
type bindDevice struct {
	workflow.Base
	vthunders db.Store[db.VThunder]
	role      string
	topology  string
	partition string
	deviceKey string
}

func newBindDevice(vthunders db.Store[db.VThunder], role, topology, partition, deviceKey string) *bindDevice {
	return &bindDevice{
		Base: workflow.Base{
			TaskName: "bind-device-" + deviceKey,
			Reads:    []string{KeyLoadBalancer, deviceKey},
		},
		vthunders: vthunders,
		role:      role,
		topology:  topology,
		partition: partition,
		deviceKey: deviceKey,
	}
}

func (t *bindDevice) Execute(ctx context.Context, store *workflow.Store) error {
	lb, err := workflow.Value[*db.LoadBalancer](store, KeyLoadBalancer)
	if err != nil {
		return err
	}
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	_, err = t.vthunders.Update(ctx, db.Filter{"id": dev.ID}, map[string]interface{}{
		"loadbalancer_id": lb.ID,
		"role":            t.role,
		"topology":        t.topology,
		"partition_name":  t.partition,
		"status":          db.DeviceStatusActive,
	})
	if err != nil {
		return err
	}
	dev.LoadBalancerID = lb.ID
	dev.Role = t.role
	dev.Topology = t.topology
	dev.PartitionName = t.partition
	dev.Status = db.DeviceStatusActive
	return nil
}

// configureVRRP sets up vrrp-a on both devices of an active-standby pair,
// each seeing the other as its peer.
type configureVRRP struct {
	workflow.Base
	clients axapi.ClientFactory
	setID   int
}

func newConfigureVRRP(clients axapi.ClientFactory, setID int) *configureVRRP {
	return &configureVRRP{
		Base: workflow.Base{
			TaskName: "configure-vrrp",
			Reads:    []string{KeyVThunder, KeyBackupVThunder},
		},
		clients: clients,
		setID:   setID,
	}
}

func (t *configureVRRP) Execute(ctx context.Context, store *workflow.Store) error {
	master, err := workflow.Value[*db.VThunder](store, KeyVThunder)
	if err != nil {
		return err
	}
	backup, err := workflow.Value[*db.VThunder](store, KeyBackupVThunder)
	if err != nil {
		return err
	}
	if err := t.clients(master).ConfigureVRRP(ctx, t.setID, []string{backup.IPAddress}); err != nil {
		return err
	}
	return t.clients(backup).ConfigureVRRP(ctx, t.setID, []string{master.IPAddress})
}

// configureSyncGroup joins both devices of a pair into one config sync
// group so writes replicate.
type configureSyncGroup struct {
	workflow.Base
	clients axapi.ClientFactory
	group   string
}

func newConfigureSyncGroup(clients axapi.ClientFactory, group string) *configureSyncGroup {
	return &configureSyncGroup{
		Base: workflow.Base{
			TaskName: "configure-sync-group",
			Reads:    []string{KeyVThunder, KeyBackupVThunder},
		},
		clients: clients,
		group:   group,
	}
}

func (t *configureSyncGroup) Execute(ctx context.Context, store *workflow.Store) error {
	master, err := workflow.Value[*db.VThunder](store, KeyVThunder)
	if err != nil {
		return err
	}
	backup, err := workflow.Value[*db.VThunder](store, KeyBackupVThunder)
	if err != nil {
		return err
	}
	if err := t.clients(master).ConfigureSyncGroup(ctx, t.group); err != nil {
		return err
	}
	return t.clients(backup).ConfigureSyncGroup(ctx, t.group)
}

// confirmVRRP asks both devices for their vrrp-a view and fails the flow
// when either side reports it is not up.
type confirmVRRP struct {
	workflow.Base
	clients axapi.ClientFactory
}

func newConfirmVRRP(clients axapi.ClientFactory) *confirmVRRP {
	return &confirmVRRP{
		Base: workflow.Base{
			TaskName: "confirm-vrrp",
			Reads:    []string{KeyVThunder, KeyBackupVThunder},
		},
		clients: clients,
	}
}

func (t *confirmVRRP) Execute(ctx context.Context, store *workflow.Store) error {
	for _, key := range []string{KeyVThunder, KeyBackupVThunder} {
		dev, err := workflow.Value[*db.VThunder](store, key)
		if err != nil {
			return err
		}
		status, err := t.clients(dev).VRRPStatus(ctx)
		if err != nil {
			return err
		}
		if status != "Up" {
			return fmt.Errorf("catalog: device %s reports vrrp-a %q", dev.ID, status)
		}
	}
	return nil
}

// releaseDevice tears down the device binding at the end of a delete
// flow: the compute instance is destroyed and the record is retired for
// the expiry cleanup to collect. Retirement is deliberately not
// revertible; by the time it runs, the device's configuration is gone.
type releaseDevice struct {
	workflow.Base
	vthunders db.Store[db.VThunder]
	driver    compute.Driver
	deviceKey string
}

func newReleaseDevice(vthunders db.Store[db.VThunder], driver compute.Driver, deviceKey string) *releaseDevice {
	return &releaseDevice{
		Base: workflow.Base{
			TaskName: "release-device-" + deviceKey,
			Reads:    []string{deviceKey},
		},
		vthunders: vthunders,
		driver:    driver,
		deviceKey: deviceKey,
	}
}

func (t *releaseDevice) Execute(ctx context.Context, store *workflow.Store) error {
	dev, err := workflow.Value[*db.VThunder](store, t.deviceKey)
	if err != nil {
		return err
	}
	if dev.ComputeID == "" {
		// Statically configured appliance: nothing to destroy, just drop
		// the binding.
		_, err = t.vthunders.Update(ctx, db.Filter{"id": dev.ID}, map[string]interface{}{
			"loadbalancer_id": "",
		})
		return err
	}
	if err := t.driver.DeleteInstance(ctx, dev.ComputeID); err != nil {
		return err
	}
	_, err = t.vthunders.Update(ctx, db.Filter{"id": dev.ID}, map[string]interface{}{
		"status": db.DeviceStatusUsedSpare,
	})
	return err
}
