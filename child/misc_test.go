package child

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFaultReasonRecoverable(t *testing.T) {
	cases := []struct {
		reason      FaultReason
		recoverable bool
	}{
		{FaultUnknown, false},
		{FaultCantOpen, false},
		{FaultOfflinePermanent, false},
		{FaultNoSpace, true},
		{FaultTimedOut, true},
		{FaultIoError, true},
		{FaultRebuildFailed, true},
		{FaultAdminCommandFailed, true},
		{FaultOffline, true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.recoverable, tc.reason.Recoverable(), tc.reason.String())
	}
}

func TestParseStableID(t *testing.T) {
	id, ok, err := parseStableID("memory:///child0?uuid=11111111-1111-1111-1111-111111111111")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", id.String())

	_, ok, err = parseStableID("memory:///child0")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = parseStableID("memory:///child0?uuid=not-a-uuid")
	require.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Lookup("nexus0")
	require.False(t, ok)

	rec := &fakeReconfigurer{}
	reg.Register("nexus0", rec)
	got, ok := reg.Lookup("nexus0")
	require.True(t, ok)
	got.ReconfigureChild("child0", "ChildUnplug")
	require.Equal(t, []string{"child0"}, rec.seen)

	reg.Unregister("nexus0")
	_, ok = reg.Lookup("nexus0")
	require.False(t, ok)
}

type fakeReconfigurer struct {
	seen []string
}

func (f *fakeReconfigurer) ReconfigureChild(childURI string, reason string) {
	f.seen = append(f.seen, childURI)
}

func TestErrorIsMatchesCode(t *testing.T) {
	err := newError("open", "memory:///child0", CodeChildTooSmall, "too small")
	require.True(t, IsCode(err, CodeChildTooSmall))
	require.False(t, IsCode(err, CodeOpenChild))
}
