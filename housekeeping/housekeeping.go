// Package housekeeping runs the background maintenance loops: keeping the
// spare-device pool at its target size and expiring finished records.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RichardKnop/machinery/v2/log"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"thunderlb/axapi"
	"thunderlb/compute"
	"thunderlb/config"
	"thunderlb/db"
)

// Keeper owns the two housekeeping loops. Each loop iteration is guarded
// by a recover so a panic in one cycle never kills the process.
type Keeper struct {
	cfg      config.HousekeepingConfig
	device   config.DeviceConfig
	repos    *db.Repositories
	computes compute.Driver
	clients  axapi.ClientFactory

	// now is replaceable in tests.
	now func() time.Time
}

// New builds a Keeper over the shared repositories and drivers.
func New(cfg config.HousekeepingConfig, device config.DeviceConfig, repos *db.Repositories,
	computes compute.Driver, clients axapi.ClientFactory) *Keeper {
	return &Keeper{
		cfg:      cfg,
		device:   device,
		repos:    repos,
		computes: computes,
		clients:  clients,
		now:      time.Now,
	}
}

// Run schedules both loops and blocks until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	scheduler := cron.New()
	if k.cfg.SpareAmount > 0 {
		_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", k.cfg.SpareCheckInterval), func() {
			k.guarded("spare replenishment", func() {
				if _, err := k.ReplenishSpares(ctx); err != nil {
					log.ERROR.Printf("spare replenishment: %s", err)
				}
			})
		})
		if err != nil {
			return fmt.Errorf("housekeeping: scheduling spare loop: %w", err)
		}
	}
	_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", k.cfg.CleanupInterval), func() {
		k.guarded("expiry cleanup", func() {
			if _, err := k.CleanupExpired(ctx); err != nil {
				log.ERROR.Printf("expiry cleanup: %s", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("housekeeping: scheduling cleanup loop: %w", err)
	}

	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}

func (k *Keeper) guarded(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.ERROR.Printf("%s cycle panicked: %v", name, r)
		}
	}()
	fn()
}

// ReplenishSpares counts the READY unbound devices and builds enough new
// ones to reach the configured target. Builds run concurrently; the cycle
// waits for all of them, so a slow build delays the next count rather than
// stacking duplicates on top of it.
func (k *Keeper) ReplenishSpares(ctx context.Context) (int, error) {
	ready, err := k.repos.VThunders.Count(ctx, db.Filter{
		"status":          db.DeviceStatusReady,
		"loadbalancer_id": "",
	})
	if err != nil {
		return 0, err
	}
	deficit := k.cfg.SpareAmount - int(ready)
	if deficit <= 0 {
		return 0, nil
	}
	log.INFO.Printf("spare pool at %d of %d, building %d", ready, k.cfg.SpareAmount, deficit)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		built int
		last  error
	)
	for i := 0; i < deficit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := k.buildSpare(ctx); err != nil {
				log.ERROR.Printf("building spare device: %s", err)
				mu.Lock()
				last = err
				mu.Unlock()
				return
			}
			mu.Lock()
			built++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return built, last
}

// buildSpare boots one appliance, waits for its control API and records it
// READY. The instance is torn down again if any later step fails, so a
// failed build leaves nothing behind.
func (k *Keeper) buildSpare(ctx context.Context) error {
	inst, err := k.computes.BootInstance(ctx, "vthunder-spare-"+uuid.New().String())
	if err != nil {
		return fmt.Errorf("booting spare: %w", err)
	}
	if err := k.waitReachable(ctx, inst.ManagementIP); err != nil {
		if delErr := k.computes.DeleteInstance(ctx, inst.ID); delErr != nil {
			log.WARNING.Printf("removing unreachable spare instance %s: %s", inst.ID, delErr)
		}
		return err
	}
	now := k.now()
	record := &db.VThunder{
		ID:            uuid.New().String(),
		ComputeID:     inst.ID,
		IPAddress:     inst.ManagementIP,
		Username:      k.device.Username,
		Password:      k.device.Password,
		AXAPIVersion:  k.device.AXAPIVersion,
		Status:        db.DeviceStatusReady,
		LastUDPUpdate: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := k.repos.VThunders.Create(ctx, record); err != nil {
		if delErr := k.computes.DeleteInstance(ctx, inst.ID); delErr != nil {
			log.WARNING.Printf("removing orphaned spare instance %s: %s", inst.ID, delErr)
		}
		return fmt.Errorf("recording spare: %w", err)
	}
	return nil
}

func (k *Keeper) waitReachable(ctx context.Context, managementIP string) error {
	client := k.clients(&db.VThunder{
		IPAddress:    managementIP,
		Username:     k.device.Username,
		Password:     k.device.Password,
		AXAPIVersion: k.device.AXAPIVersion,
	})
	if err := sleep(ctx, k.device.BuildGraceSleep); err != nil {
		return err
	}
	var probeErr error
	for attempt := 0; attempt < k.device.ReachableRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, k.device.ReachableWait); err != nil {
				return err
			}
		}
		if probeErr = client.Reachable(ctx); probeErr == nil {
			return nil
		}
	}
	return fmt.Errorf("housekeeping: spare %s unreachable after %d attempts: %w",
		managementIP, k.device.ReachableRetries, probeErr)
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

// CleanupExpired removes finished records older than the expiry age:
// retired and deleted device rows, and DELETED load balancers. Child
// resources are deleted by their own flows, so only the top-level rows
// need expiring here.
func (k *Keeper) CleanupExpired(ctx context.Context) (int64, error) {
	cutoff := k.now().Add(-k.cfg.ExpiryAge)

	devices, err := k.repos.VThunders.Delete(ctx, db.Filter{
		"status in":    []string{db.DeviceStatusUsedSpare, db.DeviceStatusDeleted},
		"updated_at <": cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("expiring device records: %w", err)
	}

	lbs, err := k.repos.LoadBalancers.Delete(ctx, db.Filter{
		"provisioning_status": db.StatusDeleted,
		"updated_at <":        cutoff,
	})
	if err != nil {
		return devices, fmt.Errorf("expiring load balancer records: %w", err)
	}

	if devices+lbs > 0 {
		log.INFO.Printf("expiry cleanup removed %d device(s), %d load balancer(s)", devices, lbs)
	}
	return devices + lbs, nil
}
