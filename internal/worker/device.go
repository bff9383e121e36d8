package worker

import (
	"github.com/bustrack/transitsync/internal/network"
)

// DiskUsage reports bytes used by local caches.
type DiskUsage interface {
	DiskSize() int64
}

// HostState is the DeviceState of a server process: always on mains
// power, with connectivity from a network checker and storage measured
// against a disk budget.
type HostState struct {
	Checker network.Checker

	// Metered marks the uplink as metered, which holds back workers that
	// need an unmetered network.
	Metered bool

	// Disk and DiskBudget define low storage. A zero budget disables the check.
	Disk       DiskUsage
	DiskBudget int64
}

// Network implements DeviceState.
func (h HostState) Network() NetworkType {
	if h.Checker != nil && !h.Checker.IsOnline() {
		return NetworkNone
	}
	if h.Metered {
		return NetworkConnected
	}
	return NetworkUnmetered
}

// BatteryLow implements DeviceState.
func (h HostState) BatteryLow() bool { return false }

// Charging implements DeviceState.
func (h HostState) Charging() bool { return true }

// StorageLow implements DeviceState.
func (h HostState) StorageLow() bool {
	if h.Disk == nil || h.DiskBudget <= 0 {
		return false
	}
	return h.Disk.DiskSize() >= h.DiskBudget
}
