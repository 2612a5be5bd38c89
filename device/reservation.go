package device

import "github.com/datacore-vvarakantham/nexus-core/nvme"

// PersistThroughPowerLoss selects the CPTPL field of a register
// command (NVMe 2.0 §5.1.16).
type PersistThroughPowerLoss int

const (
	ClearPowerOn     PersistThroughPowerLoss = iota // do not persist across a power cycle
	PersistPowerLoss                                // persist the registration across a power cycle
)

// AcquireAction selects between a plain acquire and a preempting
// acquire.
type AcquireAction int

const (
	AcquireActionAcquire AcquireAction = iota
	AcquireActionPreempt
)

// ReservationRegisterParams parameterizes NvmeResvRegister.
type ReservationRegisterParams struct {
	NewKey uint64
	CPTPL  PersistThroughPowerLoss
}

// ReservationAcquireParams parameterizes NvmeResvAcquire.
type ReservationAcquireParams struct {
	CurrentKey  uint64
	PreemptKey  uint64 // only meaningful when Action == AcquireActionPreempt
	Action      AcquireAction
	Type        nvme.ReservationType
}

// ReservationReleaseParams parameterizes NvmeResvRelease.
type ReservationReleaseParams struct {
	CurrentKey uint64
	Type       nvme.ReservationType
}

// ReservationReport is the decoded result of NvmeResvReport.
type ReservationReport = nvme.ReservationStatusExtendedData
