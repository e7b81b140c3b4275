package servo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver"

	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// Object dictionary entries used outside of motion and caching.
const (
	OD_ERROR_STATUS     = 0x2000
	OD_HW_VERSION       = 0x1009
	OD_SW_VERSION       = 0x100A
	OD_STORE_PARAMETERS = 0x1010
	OD_NODE_ID          = 0x2100
	OD_MAX_VELOCITY     = 0x2207
	OD_VELOCITY_LIMIT   = 0x2300
	OD_ZERO_POSITION    = 0x2208

	STORE_SIGNATURE = 0x73617665 // "save"
)

// Device is one servo on a bus. A handle stays valid until its bus is
// closed and follows the servo through an address change.
type Device struct {
	bus *Bus

	lock sync.Mutex
	addr uint8

	motion *MotionQueue
	cache  *ParameterCache
}

func newDevice(b *Bus, addr uint8) *Device {
	d := &Device{bus: b, addr: addr}
	d.motion = newMotionQueue(d)
	d.cache = newParameterCache(d)
	return d
}

func (d *Device) Address() uint8 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.addr
}

func (d *Device) Bus() *Bus {
	return d.bus
}

func (d *Device) String() string {
	return fmt.Sprintf("%s/%d", d.bus.name, d.Address())
}

func (d *Device) invalid() error {
	return d.bus.invalid()
}

func (d *Device) read(ctx context.Context, op string, index uint16, sub uint8, retry int, timeout time.Duration, remap map[uint32]error) ([]byte, error) {
	if err := d.invalid(); err != nil {
		return nil, err
	}
	data, err := d.bus.transport.ReadSDO(ctx, d.Address(), index, sub, retry, timeout)
	return data, sdoStatus(op, err, remap)
}

func (d *Device) write(ctx context.Context, op string, index uint16, sub uint8, data []byte, retry int, timeout time.Duration, remap map[uint32]error) error {
	if err := d.invalid(); err != nil {
		return err
	}
	err := d.bus.transport.WriteSDO(ctx, d.Address(), index, sub, data, retry, timeout)
	return sdoStatus(op, err, remap)
}

// ReadSDO reads any object. Intended for diagnostics.
func (d *Device) ReadSDO(ctx context.Context, index uint16, sub uint8, retry int, timeout time.Duration) ([]byte, error) {
	return d.read(ctx, "read sdo", index, sub, retry, timeout, nil)
}

// WriteSDO writes any object. Intended for diagnostics.
func (d *Device) WriteSDO(ctx context.Context, index uint16, sub uint8, data []byte, retry int, timeout time.Duration) error {
	return d.write(ctx, "write sdo", index, sub, data, retry, timeout, nil)
}

// Versions reads the hardware ("serial.type.rev") and software
// ("major.minor.build") version strings.
func (d *Device) Versions(ctx context.Context) (hardware, software string, err error) {
	hw, err := d.read(ctx, "hardware version", OD_HW_VERSION, 0, 1, 100*time.Millisecond, nil)
	if err != nil {
		return
	}
	sw, err := d.read(ctx, "software version", OD_SW_VERSION, 0, 1, 100*time.Millisecond, nil)
	if err != nil {
		return
	}
	return cString(hw), cString(sw), nil
}

// CheckFirmware verifies the software version satisfies constraint. A "DEV"
// build is accepted.
func (d *Device) CheckFirmware(ctx context.Context, constraint string) (version string, err error) {
	_, version, err = d.Versions(ctx)
	if err != nil {
		return
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return version, serr.NewStatusError(serr.StatusWrongArgument, "check firmware", err)
	}

	if version == "DEV" {
		return
	}

	// builds append a date after the version
	fields := strings.Fields(version)
	if len(fields) == 0 {
		return version, serr.NewStatusError(serr.StatusGenericError, "check firmware", fmt.Errorf("device %s reported an empty version", d))
	}
	v, err := semver.NewVersion(fields[0])
	if err != nil {
		return version, serr.NewStatusError(serr.StatusGenericError, "check firmware", err)
	}

	if !c.Check(v) {
		err = serr.NewStatusError(serr.StatusGenericError, "check firmware",
			fmt.Errorf("unable to use device %s: received version %s - require %s", d, version, constraint))
	}
	return
}

// ErrorStatus lists the error bits currently raised by the device.
func (d *Device) ErrorStatus(ctx context.Context) (bits []uint8, err error) {
	data, err := d.read(ctx, "error status", OD_ERROR_STATUS, 0, 1, 200*time.Millisecond, nil)
	if err != nil {
		return
	}
	for i := 0; i < len(data)*8; i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			bits = append(bits, uint8(i))
		}
	}
	return
}

// MaxVelocity reads the velocity limit in degrees per second.
func (d *Device) MaxVelocity(ctx context.Context) (float32, error) {
	data, err := d.read(ctx, "max velocity", OD_MAX_VELOCITY, 2, 1, 100*time.Millisecond, nil)
	if err != nil {
		return 0, err
	}
	return decodeFloat(data)
}

func (d *Device) SetMaxVelocity(ctx context.Context, velocity float32) error {
	return d.write(ctx, "set max velocity", OD_VELOCITY_LIMIT, 3, encodeFloat(velocity), 1, 100*time.Millisecond, nil)
}

// SetZeroPosition shifts the position reading so the current position reads
// as position. The change is lost on power cycle.
func (d *Device) SetZeroPosition(ctx context.Context, position float32) error {
	return d.write(ctx, "set zero position", OD_ZERO_POSITION, 1, encodeFloat(position), 0, 200*time.Millisecond, nil)
}

// SetZeroPositionAndSave also stores the offset in non-volatile memory. It
// is never retried.
func (d *Device) SetZeroPositionAndSave(ctx context.Context, position float32) error {
	return d.write(ctx, "set zero position and save", OD_ZERO_POSITION, 2, encodeFloat(position), 0, 200*time.Millisecond, nil)
}

func encodeFloat(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func decodeFloat(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, serr.NewStatusError(serr.StatusSizeMismatch, "decode float", fmt.Errorf("%d bytes", len(b)))
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, serr.NewStatusError(serr.StatusSizeMismatch, "decode uint32", fmt.Errorf("%d bytes", len(b)))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func cString(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
