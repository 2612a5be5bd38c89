package memdevice

import (
	"sync"

	"github.com/datacore-vvarakantham/nexus-core/device"
	"github.com/datacore-vvarakantham/nexus-core/nvme"
)

// reservationState simulates the NVMe namespace-scoped reservation
// registry for one in-memory device: a registrant table plus at most
// one current holder, mirroring the semantics the child package's
// reservation protocol depends on.
type reservationState struct {
	mu sync.Mutex

	// order preserves registration order for deterministic reports.
	order []  [16]byte
	keys  map[[16]byte]uint64

	hasHolder bool
	holder    [16]byte
	rtype     nvme.ReservationType
}

func newReservationState() *reservationState {
	return &reservationState{keys: make(map[[16]byte]uint64)}
}

func (r *reservationState) register(hostID [16]byte, newKey uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if newKey == 0 {
		delete(r.keys, hostID)
		for i, h := range r.order {
			if h == hostID {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		if r.hasHolder && r.holder == hostID {
			r.hasHolder = false
		}
		return
	}

	if _, exists := r.keys[hostID]; !exists {
		r.order = append(r.order, hostID)
	}
	r.keys[hostID] = newKey
}

func (r *reservationState) acquire(hostID [16]byte, p device.ReservationAcquireParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, registered := r.keys[hostID]; !registered {
		return device.NewError("NvmeResvAcquire", device.CodeInvalidParameters, "caller is not registered")
	}

	switch p.Action {
	case device.AcquireActionPreempt:
		// Drop every registrant whose key matches the preempt key,
		// other than the caller. The caller takes over the reservation
		// only if none was held, it already held it, or the preempt key
		// matched the holder's key; otherwise the holder is unaffected.
		holderPreempted := !r.hasHolder || r.holder == hostID || r.keys[r.holder] == p.PreemptKey
		for h, k := range r.keys {
			if h != hostID && k == p.PreemptKey {
				delete(r.keys, h)
				for i, oh := range r.order {
					if oh == h {
						r.order = append(r.order[:i], r.order[i+1:]...)
						break
					}
				}
			}
		}
		if holderPreempted {
			r.hasHolder = true
			r.holder = hostID
			r.rtype = p.Type
		}
		return nil
	default: // AcquireActionAcquire
		if r.hasHolder && r.holder != hostID {
			return device.NewError("NvmeResvAcquire", device.CodeInvalidParameters, "reservation already held")
		}
		r.hasHolder = true
		r.holder = hostID
		r.rtype = p.Type
		return nil
	}
}

func (r *reservationState) release(hostID [16]byte, p device.ReservationReleaseParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Any registered host may release the current reservation — under
	// an all-registrants type every registrant holds it collectively,
	// so release isn't restricted to whichever registrant happens to
	// carry the report's holder-status bit.
	if _, registered := r.keys[hostID]; registered {
		r.hasHolder = false
	}
}

func (r *reservationState) report() nvme.ReservationStatusExtendedData {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := nvme.ReservationStatusExtendedData{
		Type:          r.rtype,
		NumRegistered: uint16(len(r.order)),
	}
	for _, h := range r.order {
		status := uint8(0)
		if r.hasHolder && r.holder == h {
			status = 1
		}
		d.Controllers = append(d.Controllers, nvme.RegisteredControllerExtendedData{
			HostIdentifier:    h,
			ReservationKey:    r.keys[h],
			ReservationStatus: status,
		})
	}
	return d
}
