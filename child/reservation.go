package child

import (
	"context"

	"github.com/datacore-vvarakantham/nexus-core/config"
	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/nvme"
)

// PreemptPolicy selects how EnsureReservation takes over a namespace
// reservation that is already held (§4.5).
type PreemptPolicy int

const (
	// PreemptHolder discovers whatever key currently holds the
	// reservation (if any) and preempts it, following the branch table
	// in §4.5 steps 3-5. This is the default, zero-value policy.
	PreemptHolder PreemptPolicy = iota
	// PreemptArgKey registers this nexus's key and acquires using a
	// caller-supplied PreemptKey, skipping reservation discovery
	// entirely. Used when the previous holder's key is already known
	// out of band (§4.5 "Register-then-Acquire (ArgKey)").
	PreemptArgKey
)

// ReservationConfig is the child-level NVMe Persistent Reservation
// policy (§4.5): the key this nexus registers and acquires under, the
// reservation type it wants to hold, the policy used to take over an
// existing reservation, and a per-child enable toggle that is further
// gated by the process-wide NEXUS_NVMF_RESV_ENABLE switch.
type ReservationConfig struct {
	Key           uint64
	Type          nvme.ReservationType
	PreemptPolicy PreemptPolicy
	// PreemptKey is the key used for a preempting acquire under
	// PreemptArgKey. Only meaningful for that policy; a nil value
	// falls back to a plain (non-preempting) acquire.
	PreemptKey *uint64
	Enabled    bool
}

func (c *Child) reservationEnabled() bool {
	if c.reservation == nil || !c.reservation.Enabled {
		return false
	}
	return config.ReservationProtocolEnabled()
}

// EnsureReservation runs the fencing protocol (§4.5). It dispatches on
// the configured PreemptPolicy (ArgKey or Holder) to take hold of the
// reservation, then unconditionally verifies the outcome via
// checkHolder — mirroring reservation_acquire's structure in the
// original source, which always runs resv_check_holder after either
// policy branch. A device that reports NotSupported for any verb is
// treated as skip-success: there is nothing to fence.
func (c *Child) EnsureReservation(ctx context.Context) error {
	if !c.reservationEnabled() {
		return nil
	}

	handle, err := c.GetIOHandle()
	if err != nil {
		return err
	}

	switch c.reservation.PreemptPolicy {
	case PreemptArgKey:
		if err := c.reservationAcquireArgKey(ctx, handle); err != nil {
			return err
		}
	default:
		if err := c.preemptHolder(ctx, handle); err != nil {
			return err
		}
	}

	return c.checkHolder(ctx, handle)
}

// resvRegister registers this nexus's key. skip reports that the
// device doesn't support the verb at all, in which case the caller
// should treat the whole reservation attempt as skip-success.
func (c *Child) resvRegister(ctx context.Context, handle device.BlockDeviceHandle) (skip bool, err error) {
	if err := handle.NvmeResvRegister(ctx, device.ReservationRegisterParams{
		NewKey: c.reservation.Key,
		CPTPL:  device.ClearPowerOn,
	}); err != nil {
		if device.IsNotSupported(err) {
			return true, nil
		}
		return false, wrapError("reservation_register", c.uri, CodeResvRegisterKey, err)
	}
	return false, nil
}

// resvAcquire issues a plain acquire, or a preempting one when
// preemptKey is non-nil, under rtype.
func (c *Child) resvAcquire(ctx context.Context, handle device.BlockDeviceHandle, preemptKey *uint64, rtype nvme.ReservationType) (skip bool, err error) {
	params := device.ReservationAcquireParams{
		CurrentKey: c.reservation.Key,
		Action:     device.AcquireActionAcquire,
		Type:       rtype,
	}
	if preemptKey != nil {
		params.Action = device.AcquireActionPreempt
		params.PreemptKey = *preemptKey
	}
	if err := handle.NvmeResvAcquire(ctx, params); err != nil {
		if device.IsNotSupported(err) {
			return true, nil
		}
		return false, wrapError("reservation_acquire", c.uri, CodeResvAcquire, err)
	}
	return false, nil
}

// resvRelease releases the reservation currently held under rtype, so
// a narrower type can be acquired in its place.
func (c *Child) resvRelease(ctx context.Context, handle device.BlockDeviceHandle, rtype nvme.ReservationType) error {
	if err := handle.NvmeResvRelease(ctx, device.ReservationReleaseParams{
		CurrentKey: c.reservation.Key,
		Type:       rtype,
	}); err != nil {
		if device.IsNotSupported(err) {
			return nil
		}
		return wrapError("reservation_release", c.uri, CodeResvRelease, err)
	}
	return nil
}

// reservationAcquireArgKey is the ArgKey policy: register, then
// acquire using the caller-supplied preempt key (or a plain acquire if
// none was given).
func (c *Child) reservationAcquireArgKey(ctx context.Context, handle device.BlockDeviceHandle) error {
	skip, err := c.resvRegister(ctx, handle)
	if err != nil || skip {
		return err
	}
	_, err = c.resvAcquire(ctx, handle, c.reservation.PreemptKey, c.reservation.Type)
	return err
}

// preemptHolder is the Holder policy: register this nexus's key, then
// take over whatever reservation currently exists, following the
// branch table in §4.5 steps 3-5.
func (c *Child) preemptHolder(ctx context.Context, handle device.BlockDeviceHandle) error {
	skip, err := c.resvRegister(ctx, handle)
	if err != nil || skip {
		return err
	}

	report, err := handle.NvmeResvReport(ctx)
	if err != nil {
		if device.IsNotSupported(err) {
			return nil
		}
		return wrapError("reservation_report", c.uri, CodeResvReport, err)
	}

	holder, hasHolder := report.Holder()
	if !hasHolder {
		// Step 3: nothing to preempt, acquire plainly.
		_, err := c.resvAcquire(ctx, handle, nil, c.reservation.Type)
		return err
	}

	myHostID := handle.HostID()
	rtype := report.Type
	if rtype == c.reservation.Type && holder.HostIdentifier == myHostID && holder.ReservationKey == c.reservation.Key {
		// Already the holder under the right type and key.
		return nil
	}

	if !rtype.IsAllRegistrants() {
		// Step 4: straightforward preempt of the existing holder.
		if skip, err := c.resvAcquire(ctx, handle, &holder.ReservationKey, c.reservation.Type); err != nil || skip {
			return err
		}
		if !(rtype != c.reservation.Type && holder.HostIdentifier == myHostID) {
			// Step 4b: a type-changing preempt can leave the wrong key
			// recorded as holder; a second, unkeyed acquire fixes it up.
			_, err := c.resvAcquire(ctx, handle, nil, c.reservation.Type)
			return err
		}
		// Step 4c: we were the previous holder under a different type.
		// The preempt above dropped our own registration along with
		// it, so register again before the final acquire.
		if skip, err := c.resvRegister(ctx, handle); err != nil || skip {
			return err
		}
		_, err := c.resvAcquire(ctx, handle, nil, c.reservation.Type)
		return err
	}

	// Step 5: the existing reservation is already all-registrants. If
	// the desired type is one of the exclusive/write-exclusive types,
	// every registrant must be released first; otherwise registrants
	// already share read/write access and there is nothing to do.
	switch c.reservation.Type {
	case nvme.ReservationWriteExclusive, nvme.ReservationExclusiveAccess,
		nvme.ReservationWriteExclusiveRegsOnly, nvme.ReservationExclusiveAccessRegsOnly:
		if err := c.resvRelease(ctx, handle, rtype); err != nil {
			return err
		}
		_, err := c.resvAcquire(ctx, handle, nil, c.reservation.Type)
		return err
	default:
		return nil
	}
}

// checkHolder is resv_check_holder: after taking hold of the
// reservation, re-read the report and verify the outcome. A type
// mismatch is tolerated only when both the recorded and desired types
// are all-registrants-shared, since neither has a meaningful unique
// holder to compare. A desired all-registrants type is itself
// sufficient for success, since every registrant already has access;
// otherwise the unique holder's key and host must match ours exactly.
func (c *Child) checkHolder(ctx context.Context, handle device.BlockDeviceHandle) error {
	report, err := handle.NvmeResvReport(ctx)
	if err != nil {
		if device.IsNotSupported(err) {
			return nil
		}
		return wrapError("reservation_report", c.uri, CodeResvReport, err)
	}

	desired := c.reservation.Type
	if report.Type != desired && (!desired.IsAllRegistrants() || !report.Type.IsAllRegistrants()) {
		return &Error{Op: "reservation_check", URI: c.uri, Code: CodeResvType, ResvType: report.Type}
	}

	if desired.IsAllRegistrants() {
		return nil
	}

	holder, ok := report.Holder()
	if !ok {
		return &Error{
			Op: "reservation_check", URI: c.uri, Code: CodeResvNoHolder,
			Msg: "no holder recorded after acquire", ResvType: report.Type,
		}
	}
	hostID := handle.HostID()
	if holder.ReservationKey != c.reservation.Key || holder.HostIdentifier != hostID {
		return &Error{
			Op: "reservation_check", URI: c.uri, Code: CodeHolder,
			HostID: holder.HostIdentifier, ResvType: report.Type, ResvKey: holder.ReservationKey,
		}
	}
	return nil
}

// ReleaseReservation drops this nexus's hold, if any. It is best-
// effort: a NotSupported device has nothing to release.
func (c *Child) ReleaseReservation(ctx context.Context) error {
	if !c.reservationEnabled() {
		return nil
	}
	handle, err := c.GetIOHandle()
	if err != nil {
		return err
	}
	if err := handle.NvmeResvRelease(ctx, device.ReservationReleaseParams{
		CurrentKey: c.reservation.Key,
		Type:       c.reservation.Type,
	}); err != nil && !device.IsNotSupported(err) {
		return wrapError("reservation_release", c.uri, CodeResvRelease, err)
	}
	return nil
}
