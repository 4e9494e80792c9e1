package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadWorkerAndHealthSettings(t *testing.T) {
	cfg := Default()
	cfg.Worker.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Health.FailoverThreads = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Broker.Type = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateStaticFloatingIPs(t *testing.T) {
	cfg := Default()
	cfg.Tenants = map[string]TenantConfig{
		"tenant-1": {
			StaticDevices: []StaticDeviceConfig{
				{IPAddress: "10.0.0.1", Partition: "p1", VRIDFloatingIP: "10.0.0.100"},
				{IPAddress: "10.0.0.2", Partition: "p1", VRIDFloatingIP: "10.0.0.100"},
			},
		},
	}
	assert.Error(t, cfg.Validate())

	// Same floating IP in a different partition is a different VRRP scope.
	tenant := cfg.Tenants["tenant-1"]
	tenant.StaticDevices[1].Partition = "p2"
	cfg.Tenants["tenant-1"] = tenant
	assert.NoError(t, cfg.Validate())
}

func TestTenantLookupFallsBackToZeroValue(t *testing.T) {
	cfg := Default()
	tenant := cfg.Tenant("unknown")
	assert.Empty(t, tenant.FloatingIP)
	assert.Zero(t, tenant.VRID)
}
