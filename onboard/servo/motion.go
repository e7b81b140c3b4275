package servo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

const (
	QUEUE_CAPACITY     = 100
	MAX_POINT_DURATION = math.MaxUint32 / 10

	OD_MOTION_POINT = 0x2200
	OD_MOTION_QUEUE = 0x2202
	OD_TIME_CALC    = 0x2203

	SUB_POINT_PVT   = 2
	SUB_POINT_PVAT  = 3
	SUB_QUEUE_CLEAR = 1
	SUB_QUEUE_SIZE  = 2
	SUB_QUEUE_FREE  = 3
)

// MotionPoint is a target the servo reaches Duration milliseconds after the
// previous point. Acceleration is optional.
type MotionPoint struct {
	Position     float32  `json:"position"`
	Velocity     float32  `json:"velocity"`
	Acceleration *float32 `json:"acceleration,omitempty"`
	Duration     uint32   `json:"duration"`
}

func PVT(position, velocity float32, duration uint32) MotionPoint {
	return MotionPoint{Position: position, Velocity: velocity, Duration: duration}
}

func PVAT(position, velocity, acceleration float32, duration uint32) MotionPoint {
	return MotionPoint{Position: position, Velocity: velocity, Acceleration: &acceleration, Duration: duration}
}

func (p MotionPoint) encode() (sub uint8, data []byte) {
	if p.Acceleration == nil {
		data = make([]byte, 12)
		binary.LittleEndian.PutUint32(data[0:], math.Float32bits(p.Position))
		binary.LittleEndian.PutUint32(data[4:], math.Float32bits(p.Velocity))
		binary.LittleEndian.PutUint32(data[8:], p.Duration)
		return SUB_POINT_PVT, data
	}

	data = make([]byte, 16)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(p.Position))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(p.Velocity))
	binary.LittleEndian.PutUint32(data[8:], math.Float32bits(*p.Acceleration))
	binary.LittleEndian.PutUint32(data[12:], p.Duration)
	return SUB_POINT_PVAT, data
}

var enqueueAborts = map[uint32]error{
	canopen.SDO_AB_PRAM_INCOMPAT: serr.StatusWrongTrajectory,
	canopen.SDO_AB_NO_RESOURCE:   serr.ErrCapacityExceeded,
}

// MotionQueue is the point queue of one device. The device owns the queue;
// size is a local mirror resynchronised on every live query.
type MotionQueue struct {
	d *Device

	lock  sync.Mutex
	size  int
	stale bool
	// set once ClearAll succeeds after the queue went stale
	cleared bool
}

func newMotionQueue(d *Device) *MotionQueue {
	return &MotionQueue{d: d}
}

// Queue returns the motion queue of the device.
func (d *Device) Queue() *MotionQueue {
	return d.motion
}

// invalidate marks the queue unusable after the device stopped.
func (q *MotionQueue) invalidate() {
	q.lock.Lock()
	defer q.lock.Unlock()
	if !q.stale {
		q.d.bus.log.Warn("motion queue invalidated", "device", q.d.Address())
	}
	q.stale = true
	q.cleared = false
}

// dropped records that the device emptied its queue on its own, as it does
// on reboot. A stale queue counts as cleared.
func (q *MotionQueue) dropped() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.size = 0
	if q.stale {
		q.cleared = true
	}
}

// Stale reports whether the queue was invalidated by a stop and not yet
// recovered.
func (q *MotionQueue) Stale() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.stale
}

// checkUsable fails while the queue is stale. A stale queue recovers once it
// has been cleared and the device is operational again.
func (q *MotionQueue) checkUsable(op string) error {
	state := q.d.GetState()
	if state == StateStopped {
		q.invalidate()
		return serr.NewStatusError(serr.StatusStopped, op, nil)
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	if !q.stale {
		return nil
	}
	if q.cleared && state == StateOperational {
		q.stale = false
		q.cleared = false
		return nil
	}
	return serr.NewStatusError(serr.StatusStopped, op, fmt.Errorf("queue of device %d must be cleared after a stop", q.d.Address()))
}

// Enqueue appends a point. The queue is unchanged on failure.
func (q *MotionQueue) Enqueue(ctx context.Context, p MotionPoint) error {
	const op = "enqueue"

	if err := q.d.invalid(); err != nil {
		return err
	}
	if p.Duration > MAX_POINT_DURATION {
		return serr.NewStatusError(serr.StatusWrongArgument, op, fmt.Errorf("duration %d ms above %d", p.Duration, MAX_POINT_DURATION))
	}
	if err := q.checkUsable(op); err != nil {
		return err
	}

	q.lock.Lock()
	full := q.size >= QUEUE_CAPACITY
	q.lock.Unlock()

	// the device may have consumed points since the mirror was updated
	if full {
		size, err := q.Size(ctx)
		if err != nil {
			return err
		}
		if size >= QUEUE_CAPACITY {
			return serr.ErrCapacityExceeded
		}
	}

	sub, data := p.encode()
	if err := q.d.write(ctx, op, OD_MOTION_POINT, sub, data, 1, 200*time.Millisecond, enqueueAborts); err != nil {
		return err
	}

	q.lock.Lock()
	q.size++
	q.lock.Unlock()
	return nil
}

// ClearTail removes up to n points from the end of the queue. Asking for
// more points than queued empties it; n == 0 does nothing.
func (q *MotionQueue) ClearTail(ctx context.Context, n uint32) error {
	if n == 0 {
		return q.d.invalid()
	}
	if err := q.d.write(ctx, "clear tail", OD_MOTION_QUEUE, SUB_QUEUE_CLEAR, encodeUint32(n), 1, 100*time.Millisecond, nil); err != nil {
		return err
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	if int(n) >= q.size {
		q.size = 0
	} else {
		q.size -= int(n)
	}
	return nil
}

// ClearAll empties the queue, aborting a point in progress.
func (q *MotionQueue) ClearAll(ctx context.Context) error {
	if err := q.d.write(ctx, "clear all", OD_MOTION_QUEUE, SUB_QUEUE_CLEAR, encodeUint32(0), 1, 100*time.Millisecond, nil); err != nil {
		return err
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	q.size = 0
	if q.stale {
		q.cleared = true
	}
	return nil
}

// Size reads how many points are queued on the device.
func (q *MotionQueue) Size(ctx context.Context) (int, error) {
	data, err := q.d.read(ctx, "queue size", OD_MOTION_QUEUE, SUB_QUEUE_SIZE, 1, 100*time.Millisecond, nil)
	if err != nil {
		return 0, err
	}
	n, err := decodeUint32(data)
	if err != nil {
		return 0, err
	}

	q.lock.Lock()
	q.size = int(n)
	q.lock.Unlock()
	return int(n), nil
}

// FreeSpace reads how many more points the device will accept.
func (q *MotionQueue) FreeSpace(ctx context.Context) (int, error) {
	data, err := q.d.read(ctx, "queue free space", OD_MOTION_QUEUE, SUB_QUEUE_FREE, 1, 100*time.Millisecond, nil)
	if err != nil {
		return 0, err
	}
	n, err := decodeUint32(data)
	if err != nil {
		return 0, err
	}

	q.lock.Lock()
	q.size = QUEUE_CAPACITY - int(n)
	q.lock.Unlock()
	return int(n), nil
}

// CalculateTimeOnDevice asks the servo how long the move from start to end
// takes. With both times zero the minimal duration is returned; otherwise the
// given timing is validated and its duration returned.
func (d *Device) CalculateTimeOnDevice(ctx context.Context, start, end Kinematics) (uint32, error) {
	const op = "calculate time"

	data := make([]byte, 0, 32)
	for _, k := range []Kinematics{start, end} {
		data = append(data, encodeFloat(float32(k.Position))...)
		data = append(data, encodeFloat(float32(k.Velocity))...)
		data = append(data, encodeFloat(float32(k.Acceleration))...)
		data = append(data, encodeUint32(k.Time)...)
	}

	remap := map[uint32]error{canopen.SDO_AB_GENERAL: serr.StatusWrongTrajectory}
	if err := d.write(ctx, op, OD_TIME_CALC, 1, data, 1, 200*time.Millisecond, remap); err != nil {
		return 0, err
	}

	resp, err := d.read(ctx, op, OD_TIME_CALC, 2, 1, 100*time.Millisecond, remap)
	if err != nil {
		return 0, err
	}
	return decodeUint32(resp)
}
