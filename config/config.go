// Package config reads the small set of environment toggles the core
// consults directly. Full config parsing and command dispatch are
// plumbing that lives above this core.
package config

import (
	"os"
	"sync/atomic"
)

// partialRebuildEnabled is the process-wide ENABLE_PARTIAL_REBUILD
// switch gating IOLog creation (§4.6). Defaults to enabled.
var partialRebuildEnabled atomic.Bool

func init() {
	partialRebuildEnabled.Store(os.Getenv("ENABLE_PARTIAL_REBUILD") != "0")
}

// PartialRebuildEnabled reports whether IOLog creation is permitted.
func PartialRebuildEnabled() bool { return partialRebuildEnabled.Load() }

// SetPartialRebuildEnabled overrides the switch; intended for tests.
func SetPartialRebuildEnabled(enabled bool) { partialRebuildEnabled.Store(enabled) }

// ReservationProtocolEnabled reports whether NEXUS_NVMF_RESV_ENABLE is
// set to a non-empty value. The reservation protocol is skipped
// entirely unless this is true.
func ReservationProtocolEnabled() bool {
	return os.Getenv("NEXUS_NVMF_RESV_ENABLE") != ""
}

// Hostname returns the configured node name, defaulting to HOSTNAME.
func Hostname() string {
	if h := os.Getenv("HOSTNAME"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
