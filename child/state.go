package child

// ChildState is the internal lifecycle state of a NexusChild. It is
// stored independently of ChildSyncState and ChildDestroyState so
// that foreground I/O, admin, and device-event
// paths never serialize against each other through a single fused
// enum.
type ChildState int

const (
	StateInit ChildState = iota
	StateConfigInvalid
	StateOpen
	StateClosed
	StateFaulted
)

func (s ChildState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateConfigInvalid:
		return "ConfigInvalid"
	case StateOpen:
		return "Open"
	case StateClosed:
		return "Closed"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// FaultReason classifies why a child entered StateFaulted. Every
// reason is either recoverable (online() can retry) or permanent (the
// child must be destroyed and re-created).
type FaultReason int

const (
	FaultUnknown FaultReason = iota
	FaultCantOpen
	FaultNoSpace
	FaultTimedOut
	FaultIoError
	FaultRebuildFailed
	FaultAdminCommandFailed
	FaultOffline
	FaultOfflinePermanent
)

func (r FaultReason) String() string {
	switch r {
	case FaultUnknown:
		return "Unknown"
	case FaultCantOpen:
		return "CantOpen"
	case FaultNoSpace:
		return "NoSpace"
	case FaultTimedOut:
		return "TimedOut"
	case FaultIoError:
		return "IoError"
	case FaultRebuildFailed:
		return "RebuildFailed"
	case FaultAdminCommandFailed:
		return "AdminCommandFailed"
	case FaultOffline:
		return "Offline"
	case FaultOfflinePermanent:
		return "OfflinePermanent"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether a child faulted for this reason may be
// brought back via online(). CantOpen, OfflinePermanent and Unknown
// are permanent: the child must be destroyed and re-created.
func (r FaultReason) Recoverable() bool {
	switch r {
	case FaultCantOpen, FaultOfflinePermanent, FaultUnknown:
		return false
	default:
		return true
	}
}

// ChildSyncState tracks whether an Open child is known to hold a
// faithful copy of the nexus's data.
type ChildSyncState int

const (
	Synced ChildSyncState = iota
	OutOfSync
)

func (s ChildSyncState) String() string {
	if s == Synced {
		return "Synced"
	}
	return "OutOfSync"
}

// ChildDestroyState guards against concurrent close() choreography.
type ChildDestroyState int32

const (
	DestroyNone ChildDestroyState = iota
	Destroying
)

// stateSnapshot bundles ChildState with its FaultReason payload (valid
// only when State == StateFaulted) so the pair can be read and swapped
// as a single atomic pointer, never observed half-updated.
type stateSnapshot struct {
	state  ChildState
	reason FaultReason
}

// ClientState is the client-visible projection of a child's state,
// derived purely from reads per the package's state-vs-transition
// design: a Faulted child that still owns a descriptor is reported as
// Faulting (the fault-triggered close is still in flight); an Open
// child that is OutOfSync is reported as such.
type ClientState int

const (
	ClientInit ClientState = iota
	ClientConfigInvalid
	ClientOpen
	ClientOutOfSync
	ClientClosed
	ClientFaulting
	ClientFaulted
)

func (s ClientState) String() string {
	switch s {
	case ClientInit:
		return "Init"
	case ClientConfigInvalid:
		return "ConfigInvalid"
	case ClientOpen:
		return "Open"
	case ClientOutOfSync:
		return "OutOfSync"
	case ClientClosed:
		return "Closed"
	case ClientFaulting:
		return "Faulting"
	case ClientFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}
