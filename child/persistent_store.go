package child

// PersistentStoreGate reports whether a persistent key-value store is
// enabled for this process. The store itself is an external
// collaborator (out of scope); the core only needs to know whether one
// is configured, because creating a child without a stable uuid when
// a store is enabled is a fatal programming error (§6, §9).
type PersistentStoreGate interface {
	Enabled() bool
}

// noStore is the default gate: no persistent store configured, so the
// uuid requirement never applies.
type noStore struct{}

func (noStore) Enabled() bool { return false }

// NoPersistentStore is the PersistentStoreGate used when the process
// has no persistent store configured.
var NoPersistentStore PersistentStoreGate = noStore{}
