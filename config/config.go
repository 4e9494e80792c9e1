package config

import (
	"fmt"
	"time"
)

// Topology of the device binding for a load balancer.
const (
	TopologyStandalone    = "STANDALONE"
	TopologyActiveStandby = "ACTIVE_STANDBY"
)

// FloatingIPDHCP requests a dynamically assigned floating IP instead of a
// statically configured one.
const FloatingIPDHCP = "dhcp"

// Config holds the full controller configuration. It is constructed once at
// process start and passed by reference into each component's constructor;
// nothing in the codebase reads configuration from globals.
type Config struct {
	API          APIConfig
	Database     DatabaseConfig
	Broker       BrokerConfig
	Worker       WorkerConfig
	Health       HealthConfig
	Housekeeping HousekeepingConfig
	Device       DeviceConfig
	Compute      ComputeConfig
	Network      NetworkConfig

	// Tenants maps a tenant id to its per-tenant settings. A tenant with no
	// entry uses zero values (no floating IP policy, default VRID).
	Tenants map[string]TenantConfig
}

// APIConfig configures the REST server.
type APIConfig struct {
	// BindAddr is the listen address, e.g. ":9876".
	BindAddr string
}

// DatabaseConfig is the MySQL connection configuration.
type DatabaseConfig struct {
	DSN string
}

// ComputeConfig points at the compute-provisioning service.
type ComputeConfig struct {
	Endpoint  string
	AuthToken string
	// ImageRef and FlavorRef select the appliance image booted for new
	// devices.
	ImageRef  string
	FlavorRef string
	// NetworkID is the management network instances attach to.
	NetworkID string
}

// NetworkConfig points at the network-provisioning service.
type NetworkConfig struct {
	Endpoint  string
	AuthToken string
}

// BrokerConfig selects and configures the message-queue transport that
// delivers resource commands to the controller worker.
type BrokerConfig struct {
	// Type is "redis" or "amqp".
	Type string
	// Addrs are the broker addresses, e.g. ["localhost:6379"].
	Addrs []string
	// DB is the redis database number.
	DB int
	// AMQPURL is used when Type is "amqp".
	AMQPURL string
	// DefaultQueue is the queue the controller worker consumes.
	DefaultQueue string
	// ResultsExpireIn is the task-result TTL in seconds.
	ResultsExpireIn int
}

// WorkerConfig configures the controller worker process.
type WorkerConfig struct {
	ConsumerTag string
	// Concurrency is the number of commands processed in parallel. A single
	// slot runs one flow at a time.
	Concurrency int
}

// HealthConfig configures the heartbeat listener and the staleness scan.
type HealthConfig struct {
	// BindAddr/BindPort is the UDP address heartbeats arrive on.
	BindAddr string
	BindPort int
	// HeartbeatKey is the shared HMAC key devices sign heartbeats with.
	HeartbeatKey string
	// HeartbeatTimeout is how long a device may stay silent before it is
	// considered stale.
	HeartbeatTimeout time.Duration
	// CheckInterval is the pause between staleness scan cycles.
	CheckInterval time.Duration
	// BuildGracePeriod exempts freshly created devices from the staleness
	// predicate while they boot and register.
	BuildGracePeriod time.Duration
	// FailoverThreads bounds the number of concurrent failovers per cycle.
	FailoverThreads int
}

// HousekeepingConfig configures the two housekeeping loops.
type HousekeepingConfig struct {
	// SpareAmount is the target size of the READY spare-device pool.
	SpareAmount        int
	SpareCheckInterval time.Duration
	CleanupInterval    time.Duration
	// ExpiryAge is how long USED_SPARE/DELETED records are kept before the
	// cleanup loop removes them.
	ExpiryAge time.Duration
}

// DeviceConfig configures device provisioning and the control-API client.
type DeviceConfig struct {
	Topology     string
	AXAPIVersion string
	Username     string
	Password     string
	// ReachableRetries and ReachableWait bound the wait-until-reachable step
	// of the device-acquisition subflow: fixed retry count times fixed sleep,
	// no backoff.
	ReachableRetries int
	ReachableWait    time.Duration
	// BuildGraceSleep is slept once before the first reachability probe.
	BuildGraceSleep time.Duration
}

// TenantConfig carries per-tenant VRRP settings.
type TenantConfig struct {
	// FloatingIP is the floating-IP policy for the tenant's subnets:
	// "" (none), "dhcp", or a static address. A static address may be
	// partial ("0.0.0.7"); its host bits are patched into the subnet CIDR.
	FloatingIP string
	// VRID is the numeric virtual-router id pushed to the device.
	VRID int
	// Partition is the device partition the tenant's objects live in.
	Partition string
	// StaticDevices describes rack devices configured out-of-band for this
	// tenant.
	StaticDevices []StaticDeviceConfig
}

// StaticDeviceConfig is a statically configured appliance entry.
type StaticDeviceConfig struct {
	IPAddress      string
	Partition      string
	VRIDFloatingIP string
}

// Default returns a Config with the documented defaults filled in. Callers
// overwrite what their flags or environment provide.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BindAddr: ":9876",
		},
		Broker: BrokerConfig{
			Type:            "redis",
			Addrs:           []string{"localhost:6379"},
			DefaultQueue:    "thunderlb_tasks",
			ResultsExpireIn: 3600,
		},
		Worker: WorkerConfig{
			ConsumerTag: "thunderlb_worker",
			Concurrency: 4,
		},
		Health: HealthConfig{
			BindAddr:         "0.0.0.0",
			BindPort:         5550,
			HeartbeatTimeout: 60 * time.Second,
			CheckInterval:    3 * time.Second,
			BuildGracePeriod: 5 * time.Minute,
			FailoverThreads:  10,
		},
		Housekeeping: HousekeepingConfig{
			SpareAmount:        0,
			SpareCheckInterval: 30 * time.Second,
			CleanupInterval:    30 * time.Second,
			ExpiryAge:          time.Hour,
		},
		Device: DeviceConfig{
			Topology:         TopologyStandalone,
			AXAPIVersion:     "3.0",
			ReachableRetries: 30,
			ReachableWait:    10 * time.Second,
			BuildGraceSleep:  30 * time.Second,
		},
		Tenants: map[string]TenantConfig{},
	}
}

// Tenant returns the settings for a tenant, zero-valued when unconfigured.
func (c *Config) Tenant(tenantID string) TenantConfig {
	return c.Tenants[tenantID]
}

// Validate checks cross-field consistency. For statically configured
// devices it rejects two entries of the same tenant that reuse the same
// (floating IP, partition) pair, since both would claim the same VRRP
// membership.
func (c *Config) Validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Health.FailoverThreads < 1 {
		return fmt.Errorf("config: failover threads must be at least 1, got %d", c.Health.FailoverThreads)
	}
	switch c.Broker.Type {
	case "redis", "amqp":
	default:
		return fmt.Errorf("config: unknown broker type %q", c.Broker.Type)
	}
	for tenantID, tenant := range c.Tenants {
		seen := make(map[string]bool)
		for _, dev := range tenant.StaticDevices {
			if dev.VRIDFloatingIP == "" {
				continue
			}
			key := dev.VRIDFloatingIP + "/" + dev.Partition
			if seen[key] {
				return fmt.Errorf("config: tenant %s reuses floating IP %s in partition %q",
					tenantID, dev.VRIDFloatingIP, dev.Partition)
			}
			seen[key] = true
		}
	}
	return nil
}
