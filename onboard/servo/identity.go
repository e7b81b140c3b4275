package servo

import (
	"context"
	"fmt"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

const STORE_TIMEOUT = 4000 * time.Millisecond

// Ledger records identity changes so an interrupted one can be found later.
type Ledger interface {
	Begin(bus string, from, to uint8) (id string, err error)
	Finish(id string, step int, err error) error
}

// Reassign moves the device at address from to address to and stores it in
// non-volatile memory. The device handle follows the device.
//
// A *errors.ReassignError with Partial() set means the device may answer to
// either address; the only recovery is to look for its heartbeat. The store
// is never retried, the memory tolerates a limited number of writes.
func (b *Bus) Reassign(ctx context.Context, from, to int) (err error) {
	const op = "reassign"

	if from < 1 || from > 127 {
		return serr.NewStatusError(serr.StatusWrongArgument, op, serr.AddressError{Address: from})
	}
	if to < 1 || to > 127 {
		return serr.NewStatusError(serr.StatusWrongArgument, op, serr.AddressError{Address: to})
	}
	if to == from {
		return nil
	}
	if err = b.invalid(); err != nil {
		return
	}

	// a handle alone does not take an address, one that was ever heard from does
	b.lock.Lock()
	_, handle := b.devices[uint8(to)]
	b.lock.Unlock()
	m := b.monitor(uint8(to))
	if (handle && m.everHeard()) || m.current(time.Now(), b.opts.HeartbeatTimeout) != StateDisappeared {
		return serr.NewStatusError(serr.StatusWrongArgument, op, fmt.Errorf("address %d is already in use on %s", to, b.name))
	}

	d, err := b.Device(from)
	if err != nil {
		return
	}

	var entry string
	if b.opts.Ledger != nil {
		if entry, err = b.opts.Ledger.Begin(b.name, uint8(from), uint8(to)); err != nil {
			return serr.NewStatusError(serr.StatusGenericError, op, fmt.Errorf("unable to record reassignment: %w", err))
		}
	}

	step := serr.StepResetOld
	defer func() {
		if b.opts.Ledger == nil {
			return
		}
		if lerr := b.opts.Ledger.Finish(entry, step, err); lerr != nil {
			b.log.Error("unable to finish reassignment record", "id", entry, "error", lerr)
		}
	}()

	fail := func(cause error) error {
		b.log.Error("reassignment failed", "from", from, "to", to, "step", step, "error", cause)
		return &serr.ReassignError{Bus: b.name, Old: uint8(from), New: uint8(to), Step: step, Err: cause}
	}

	// 1. fresh communication state at the current address
	if cerr := d.Reset(ctx); cerr != nil {
		return fail(cerr)
	}

	// 2. write the id and restart communication so it takes effect
	step = serr.StepWriteID
	if cerr := d.write(ctx, op, OD_NODE_ID, 0, []byte{uint8(to)}, 1, 100*time.Millisecond, nil); cerr != nil {
		return fail(cerr)
	}

	w := b.expect(uint8(to), func(State) bool { return true })
	defer w.cancel()

	if cerr := b.transport.SendNMT(canopen.NMT_RESET_COMMUNICATION, uint8(from)); cerr != nil {
		return fail(sdoStatus(op, cerr, nil))
	}

	// 3. the device must come back under the new address
	step = serr.StepAwaitHeartbeat
	if _, cerr := w.wait(ctx, b.opts.DiscoveryTimeout); cerr != nil {
		return fail(serr.NewStatusError(serr.StatusTimeout, op, cerr))
	}

	// 4. persist
	step = serr.StepSave
	if cerr := b.transport.WriteSDO(ctx, uint8(to), OD_STORE_PARAMETERS, 1, encodeUint32(STORE_SIGNATURE), 0, STORE_TIMEOUT); cerr != nil {
		return fail(sdoStatus(op, cerr, nil))
	}

	// 5. move the handle
	step = serr.StepRemap
	b.lock.Lock()
	delete(b.devices, uint8(from))
	b.devices[uint8(to)] = d
	stale := b.monitors[uint8(from)]
	b.lock.Unlock()

	d.lock.Lock()
	d.addr = uint8(to)
	d.lock.Unlock()

	if stale != nil {
		stale.forget()
	}

	b.log.Info("device reassigned", "from", from, "to", to)
	return nil
}
