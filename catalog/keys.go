// Package catalog builds the named flows for each resource type and
// operation by composing tasks over the workflow engine.
package catalog

// Store keys used to wire task inputs and outputs. The flows declare them
// via Requires/Provides so the engine can check the wiring before running.
const (
	KeyLoadBalancer  = "loadbalancer"
	KeyListener      = "listener"
	KeyPool          = "pool"
	KeyMember        = "member"
	KeyHealthMonitor = "healthmonitor"
	KeyL7Policy      = "l7policy"
	KeyL7Rule        = "l7rule"

	// KeyVThunder holds the device serving the flow's load balancer; the
	// backup of an active-standby pair lands under KeyBackupVThunder.
	KeyVThunder       = "vthunder"
	KeyBackupVThunder = "backup_vthunder"

	// KeySpareClaimed marks whether device acquisition claimed a READY
	// spare; the provision-new branch is gated on it being false.
	KeySpareClaimed = "spare_claimed"

	// KeyComputeInstance holds the instance booted for a new device.
	KeyComputeInstance = "compute_instance"

	// KeyCreatedPorts lists network ports created by a VRID reconcile so
	// the revert path can delete them.
	KeyCreatedPorts = "vrid_created_ports"

	// KeyUpdateDelta carries the field-delta map of an update command.
	KeyUpdateDelta = "update_delta"
)

// suffixed derives a per-role store key, e.g. "vthunder.backup".
func suffixed(key, suffix string) string {
	if suffix == "" {
		return key
	}
	return key + "." + suffix
}
