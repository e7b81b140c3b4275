package servo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	serr "github.com/CodedInternet/servobus/onboard/errors"
)

const (
	CACHE_CAPACITY  = 50
	CACHE_MASK_SIZE = 10

	OD_PARAM_DIRECT = 0x2013
	OD_PARAM_CACHE  = 0x2014
	OD_CACHE_MASK   = 0x2015

	SUB_CACHE_VALUES    = 1
	SUB_CACHE_TIMESTAMP = 2
)

// ParameterSample is the latest value read for a channel.
type ParameterSample struct {
	Value        float32 `json:"value"`
	Timestamp    uint32  `json:"timestamp,omitempty"`
	HasTimestamp bool    `json:"has_timestamp"`
	// false once the cache is reconfigured, until the next refresh
	Fresh bool `json:"fresh"`
}

// ParameterCache batches telemetry reads: the device is told which channels
// to report and Refresh fetches all of them in one transfer.
type ParameterCache struct {
	d *Device

	lock    sync.Mutex
	enabled [PARAM_COUNT]bool
	samples [PARAM_COUNT]ParameterSample
}

func newParameterCache(d *Device) *ParameterCache {
	return &ParameterCache{d: d}
}

// Cache returns the parameter cache of the device.
func (d *Device) Cache() *ParameterCache {
	return d.cache
}

// Enabled lists the configured channels in id order.
func (c *ParameterCache) Enabled() []Param {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.enabledLocked()
}

func (c *ParameterCache) enabledLocked() (out []Param) {
	for p := PARAM_POSITION; p < PARAM_COUNT; p++ {
		if c.enabled[p] {
			out = append(out, p)
		}
	}
	return
}

func mask(enabled *[PARAM_COUNT]bool) []byte {
	data := make([]byte, CACHE_MASK_SIZE)
	for i, on := range enabled {
		if on {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// Configure enables or disables a channel. Every cached sample is stale
// afterwards. On failure the previous configuration is kept.
func (c *ParameterCache) Configure(ctx context.Context, p Param, enabled bool) error {
	const op = "configure cache"

	if !p.Valid() {
		return serr.NewStatusError(serr.StatusWrongArgument, op, serr.ParamError{Name: p.String()})
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	next := c.enabled
	next[p] = enabled
	if enabled && !c.enabled[p] && len(c.enabledLocked()) >= CACHE_CAPACITY {
		return serr.NewStatusError(serr.StatusWrongArgument, op, fmt.Errorf("at most %d parameters can be cached", CACHE_CAPACITY))
	}

	if err := c.d.write(ctx, op, OD_CACHE_MASK, 1, mask(&next), 1, 200*time.Millisecond, nil); err != nil {
		return err
	}

	c.enabled = next
	for i := range c.samples {
		c.samples[i].Fresh = false
	}
	return nil
}

// Refresh reads every enabled channel from the device.
func (c *ParameterCache) Refresh(ctx context.Context) error {
	return c.refresh(ctx, "refresh cache", SUB_CACHE_VALUES, 4)
}

// RefreshWithTimestamp reads every enabled channel along with the device
// time at which it was sampled.
func (c *ParameterCache) RefreshWithTimestamp(ctx context.Context) error {
	return c.refresh(ctx, "refresh cache with timestamp", SUB_CACHE_TIMESTAMP, 8)
}

func (c *ParameterCache) refresh(ctx context.Context, op string, sub uint8, stride int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	params := c.enabledLocked()
	if len(params) == 0 {
		return serr.NewStatusError(serr.StatusZeroSize, op, nil)
	}

	data, err := c.d.read(ctx, op, OD_PARAM_CACHE, sub, 1, 100*time.Millisecond, nil)
	if err != nil {
		return err
	}
	if len(data) != len(params)*stride {
		return serr.NewStatusError(serr.StatusSizeMismatch, op, fmt.Errorf("received %d bytes for %d parameters", len(data), len(params)))
	}

	for i, p := range params {
		chunk := data[i*stride:]
		s := ParameterSample{
			Value: math.Float32frombits(binary.LittleEndian.Uint32(chunk)),
			Fresh: true,
		}
		if stride == 8 {
			s.Timestamp = binary.LittleEndian.Uint32(chunk[4:])
			s.HasTimestamp = true
		}
		c.samples[p] = s
	}
	return nil
}

// ReadCached returns the value stored by the last Refresh.
func (c *ParameterCache) ReadCached(p Param) (float32, error) {
	s, err := c.sample(p, false)
	return s.Value, err
}

// ReadCachedWithTimestamp returns the value and device timestamp stored by
// the last RefreshWithTimestamp.
func (c *ParameterCache) ReadCachedWithTimestamp(p Param) (ParameterSample, error) {
	return c.sample(p, true)
}

func (c *ParameterCache) sample(p Param, timestamped bool) (ParameterSample, error) {
	if !p.Valid() {
		return ParameterSample{}, serr.NewStatusError(serr.StatusWrongArgument, "read cached", serr.ParamError{Name: p.String()})
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	s := c.samples[p]
	if !s.Fresh || s.HasTimestamp != timestamped {
		return s, fmt.Errorf("%s: %w", p, serr.ErrStaleCache)
	}
	return s, nil
}

// ReadDirect samples one channel without the cache. The value is also
// stored in the cache, configured or not; the timestamp of the last
// timestamped refresh is kept.
func (c *ParameterCache) ReadDirect(ctx context.Context, p Param) (float32, error) {
	const op = "read parameter"

	if !p.Valid() {
		return 0, serr.NewStatusError(serr.StatusWrongArgument, op, serr.ParamError{Name: p.String()})
	}

	data, err := c.d.read(ctx, op, OD_PARAM_DIRECT, uint8(p), 2, 100*time.Millisecond, nil)
	if err != nil {
		return 0, err
	}
	v, err := decodeFloat(data)
	if err != nil {
		return 0, err
	}

	c.lock.Lock()
	c.samples[p].Value = v
	c.samples[p].Fresh = true
	c.lock.Unlock()
	return v, nil
}
