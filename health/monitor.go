package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/RichardKnop/machinery/v2/log"

	"thunderlb/config"
	"thunderlb/db"
)

// FailoverFunc dispatches one failover job for a stale device. The health
// manager wires it to the controller's failover command.
type FailoverFunc func(ctx context.Context, dev *db.VThunder) error

// CycleStats tallies one scan cycle.
type CycleStats struct {
	Attempted int
	Failed    int
	Cancelled int
}

// Successful is attempted minus failed minus cancelled.
func (s CycleStats) Successful() int {
	return s.Attempted - s.Failed - s.Cancelled
}

// Monitor runs the periodic staleness scan: devices that stopped
// heartbeating are marked ERROR and handed to a bounded pool of failover
// workers. The pool size is a hard admission limit per cycle; devices
// beyond it wait for the next scan.
type Monitor struct {
	cfg       config.HealthConfig
	vthunders db.Store[db.VThunder]
	failover  FailoverFunc

	// now is replaceable in tests.
	now func() time.Time
}

// NewMonitor builds the staleness scanner.
func NewMonitor(cfg config.HealthConfig, vthunders db.Store[db.VThunder], failover FailoverFunc) *Monitor {
	return &Monitor{
		cfg:       cfg,
		vthunders: vthunders,
		failover:  failover,
		now:       time.Now,
	}
}

// Run scans on the configured interval until the context is cancelled.
// Every cycle waits for its in-flight failovers before the next starts.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats := m.Scan(ctx)
			if stats.Attempted > 0 {
				log.INFO.Printf("failover cycle: attempted=%d successful=%d failed=%d cancelled=%d",
					stats.Attempted, stats.Successful(), stats.Failed, stats.Cancelled)
			}
		}
	}
}

// stalePredicate matches one ACTIVE MASTER/BACKUP device past the build
// grace period whose last heartbeat is older than the timeout.
func (m *Monitor) stalePredicate() db.Filter {
	now := m.now()
	return db.Filter{
		"status":            db.DeviceStatusActive,
		"role in":           []string{db.RoleMaster, db.RoleBackup},
		"created_at <":      now.Add(-m.cfg.BuildGracePeriod),
		"last_udp_update <": now.Add(-m.cfg.HeartbeatTimeout),
	}
}

// Scan runs one cycle: claim stale devices up to the pool capacity,
// dispatch their failovers and wait for all of them. Claiming is a
// compare-and-set to ERROR, so a device is never dispatched twice even
// across controller instances.
func (m *Monitor) Scan(ctx context.Context) CycleStats {
	var (
		stats      CycleStats
		mu         sync.Mutex
		wg         sync.WaitGroup
		unfinished []*db.VThunder
	)

	for submitted := 0; submitted < m.cfg.FailoverThreads; {
		dev, err := m.vthunders.Get(ctx, m.stalePredicate())
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if err != nil {
			log.ERROR.Printf("staleness scan: %s", err)
			break
		}

		n, err := m.vthunders.Update(ctx, db.Filter{
			"id":     dev.ID,
			"status": db.DeviceStatusActive,
		}, map[string]interface{}{"status": db.DeviceStatusError})
		if err != nil {
			log.ERROR.Printf("claiming stale device %s: %s", dev.ID, err)
			break
		}
		if n == 0 {
			// Someone else claimed it between the read and the update.
			continue
		}

		submitted++
		wg.Add(1)
		go func(dev *db.VThunder) {
			defer wg.Done()
			mu.Lock()
			stats.Attempted++
			mu.Unlock()

			if ctx.Err() != nil {
				mu.Lock()
				stats.Cancelled++
				unfinished = append(unfinished, dev)
				mu.Unlock()
				return
			}
			if err := m.failover(ctx, dev); err != nil {
				log.ERROR.Printf("failover of device %s: %s", dev.ID, err)
				mu.Lock()
				if errors.Is(err, context.Canceled) {
					stats.Cancelled++
				} else {
					stats.Failed++
				}
				unfinished = append(unfinished, dev)
				mu.Unlock()
			}
		}(dev)
	}

	wg.Wait()

	// Return the claims of failed and cancelled failovers to ACTIVE so
	// the next cycle picks them up again. Doing this after the cycle's
	// workers have drained keeps one cycle from dispatching a device
	// twice. The filter leaves alone any device a partially-run failover
	// already moved past ERROR.
	for _, dev := range unfinished {
		_, err := m.vthunders.Update(context.Background(), db.Filter{
			"id":     dev.ID,
			"status": db.DeviceStatusError,
		}, map[string]interface{}{"status": db.DeviceStatusActive})
		if err != nil {
			log.ERROR.Printf("releasing claimed device %s: %s", dev.ID, err)
		}
	}
	return stats
}
