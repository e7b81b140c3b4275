package canopen

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CodedInternet/servobus/onboard/canbus"
)

const (
	SDO_DEFAULT_TIMEOUT = 100 * time.Millisecond
	EVENT_BUFFER        = 64
)

var (
	ERR_MAX_RETRIES = errors.New("maximum retries reached while waiting for a response")
	ERR_CLOSED      = errors.New("transport has been closed")
	ERR_BAD_NODE    = errors.New("node id outside 1..127")
	ERR_EMPTY_WRITE = errors.New("sdo write without data")
	ERR_PROTOCOL    = errors.New("unexpected sdo response")

	errNoResponse = errors.New("no response")
)

// Client is the master side of a CANopen network attached to one CAN bus.
// SDO transfers, NMT and TIME frames are serialized so only one request is
// on the wire at a time. Heartbeats and emergencies are decoded by a
// background listener and never wait for the request lock.
type Client struct {
	bus  canbus.CANBusInterface
	lock sync.Mutex
	log  *slog.Logger

	rx         chan canbus.CANMsg
	heartbeats chan Heartbeat
	emcy       chan Emergency
	remove     []func()
	done       chan struct{}
	closeOnce  sync.Once
	stopped    chan struct{}
}

func NewClient(bus canbus.CANBusInterface, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		bus:        bus,
		log:        logger,
		rx:         make(chan canbus.CANMsg, EVENT_BUFFER),
		heartbeats: make(chan Heartbeat, EVENT_BUFFER),
		emcy:       make(chan Emergency, EVENT_BUFFER),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	c.remove = append(c.remove,
		bus.AddListener(canbus.MatchRange(FC_HB+NODE_MIN, FC_HB+NODE_MAX), c.rx),
		bus.AddListener(canbus.MatchRange(FC_EMCY+NODE_MIN, FC_EMCY+NODE_MAX), c.rx),
	)

	go c.listen()

	return c
}

// Heartbeats delivers every decoded heartbeat. Closed when the client closes.
func (c *Client) Heartbeats() <-chan Heartbeat {
	return c.heartbeats
}

// Emergencies delivers every decoded EMCY frame. Closed when the client closes.
func (c *Client) Emergencies() <-chan Emergency {
	return c.emcy
}

func (c *Client) listen() {
	defer close(c.stopped)
	defer close(c.emcy)
	defer close(c.heartbeats)

	for {
		select {
		case msg := <-c.rx:
			c.dispatch(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(msg canbus.CANMsg) {
	now := time.Now()
	switch {
	case msg.ID > FC_HB && msg.ID <= FC_HB+NODE_MAX:
		hb, err := parseHeartbeat(msg, now)
		if err != nil {
			c.log.Warn("dropping heartbeat", "frame", msg.String(), "error", err)
			return
		}
		select {
		case c.heartbeats <- hb:
		default:
			c.log.Warn("heartbeat consumer is falling behind", "node", hb.Node)
		}

	case msg.ID > FC_EMCY && msg.ID <= FC_EMCY+NODE_MAX:
		em, err := parseEmergency(msg, now)
		if err != nil {
			c.log.Warn("dropping emergency", "frame", msg.String(), "error", err)
			return
		}
		select {
		case c.emcy <- em:
		default:
			c.log.Warn("emergency consumer is falling behind", "node", em.Node, "code", em.Code)
		}
	}
}

// ReadSDO uploads an object from node. retry is the number of additional
// attempts made after a request times out; aborts are never retried.
func (c *Client) ReadSDO(ctx context.Context, node uint8, index uint16, sub uint8, retry int, timeout time.Duration) (data []byte, err error) {
	err = c.process(ctx, node, retry, timeout, func(t *transfer) (err error) {
		data, err = t.upload(index, sub)
		return
	})
	return
}

// WriteSDO downloads data to an object on node, expedited when it fits four
// bytes and segmented otherwise.
func (c *Client) WriteSDO(ctx context.Context, node uint8, index uint16, sub uint8, data []byte, retry int, timeout time.Duration) error {
	if len(data) == 0 {
		return ERR_EMPTY_WRITE
	}
	return c.process(ctx, node, retry, timeout, func(t *transfer) error {
		return t.download(index, sub, data)
	})
}

// SendNMT issues an NMT command. node 0 addresses every node on the bus.
func (c *Client) SendNMT(cmd NMTCommand, node uint8) error {
	if node != NODE_ALL && !ValidNode(node) {
		return ERR_BAD_NODE
	}
	return c.send(canbus.CANMsg{ID: FC_NMT, Data: []byte{byte(cmd), node}})
}

// SendTimestamp broadcasts a TIME frame carrying a millisecond value.
func (c *Client) SendTimestamp(ms uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, ms)
	return c.send(canbus.CANMsg{ID: FC_TIME, Data: data})
}

func (c *Client) send(msg canbus.CANMsg) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed() {
		return ERR_CLOSED
	}
	return c.bus.SendMsg(msg)
}

// Close stops the listener and detaches from the bus. The bus itself is left
// open since it may be shared.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		for _, remove := range c.remove {
			remove()
		}
		<-c.stopped
	})
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Runs fn until it succeeds, fails with anything but a missing response or
// has been attempted retry+1 times.
func (c *Client) process(ctx context.Context, node uint8, retry int, timeout time.Duration, fn func(t *transfer) error) error {
	if !ValidNode(node) {
		return ERR_BAD_NODE
	}
	if retry < 0 {
		retry = 0
	}
	if timeout <= 0 {
		timeout = SDO_DEFAULT_TIMEOUT
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.isClosed() {
		return ERR_CLOSED
	}

	rx := make(chan canbus.CANMsg, 8)
	remove := c.bus.AddListener(canbus.MatchID(COBID(FC_SDO_TX, node)), rx)
	defer remove()

	t := &transfer{
		ctx:     ctx,
		client:  c,
		node:    node,
		rx:      rx,
		timeout: timeout,
	}

	for attempt := 0; attempt <= retry; attempt++ {
		err := fn(t)
		if !errors.Is(err, errNoResponse) {
			return err
		}
		c.log.Debug("sdo request timed out", "node", node, "attempt", attempt+1, "of", retry+1)
		t.drain()
	}

	return ERR_MAX_RETRIES
}

// transfer is one SDO exchange with a single server.
type transfer struct {
	ctx     context.Context
	client  *Client
	node    uint8
	rx      chan canbus.CANMsg
	timeout time.Duration
}

func (t *transfer) request(msg canbus.CANMsg) error {
	return t.client.bus.SendMsg(msg)
}

// Waits for a response accepted by match. Aborts from the server end the wait.
func (t *transfer) wait(match func(msg canbus.CANMsg) bool) (canbus.CANMsg, error) {
	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-t.rx:
			if len(msg.Data) != 8 {
				continue
			}
			if abort, ok := parseAbort(t.node, msg); ok {
				return msg, abort
			}
			if match(msg) {
				return msg, nil
			}

		case <-timer.C:
			return canbus.CANMsg{}, errNoResponse

		case <-t.ctx.Done():
			return canbus.CANMsg{}, t.ctx.Err()

		case <-t.client.done:
			return canbus.CANMsg{}, ERR_CLOSED
		}
	}
}

// Discards responses left over from a timed out attempt.
func (t *transfer) drain() {
	for {
		select {
		case <-t.rx:
		default:
			return
		}
	}
}

// Tells the server to drop a segmented transfer we gave up on.
func (t *transfer) abort(index uint16, sub uint8, code uint32) {
	t.request(abortFrame(FC_SDO_RX, t.node, index, sub, code))
}

func matchInitiate(scs byte, index uint16, sub uint8) func(msg canbus.CANMsg) bool {
	return func(msg canbus.CANMsg) bool {
		if commandSpecifier(msg) != scs {
			return false
		}
		idx, s := multiplexer(msg)
		return idx == index && s == sub
	}
}

func matchSegment(scs byte, toggle byte) func(msg canbus.CANMsg) bool {
	return func(msg canbus.CANMsg) bool {
		return commandSpecifier(msg) == scs && toggleBit(msg) == toggle
	}
}

func (t *transfer) upload(index uint16, sub uint8) ([]byte, error) {
	if err := t.request(sdoFrame(FC_SDO_RX, t.node, CCS_UPLOAD_INITIATE<<5, index, sub, nil)); err != nil {
		return nil, err
	}

	resp, err := t.wait(matchInitiate(SCS_UPLOAD_INITIATE, index, sub))
	if err != nil {
		return nil, err
	}

	cmd := resp.Data[0]
	expedited := cmd&0x02 != 0
	sized := cmd&0x01 != 0

	if expedited {
		size := SDO_EXPEDITED_SIZE
		if sized {
			size -= int((cmd >> 2) & 0x03)
		}
		return append([]byte(nil), resp.Data[4:4+size]...), nil
	}

	var total int = -1
	if sized {
		total = int(binary.LittleEndian.Uint32(resp.Data[4:8]))
	}

	var data []byte
	var toggle byte
	for {
		if err = t.request(segmentFrame(FC_SDO_RX, t.node, CCS_UPLOAD_SEGMENT<<5|toggle<<4, nil)); err != nil {
			return nil, err
		}
		seg, err := t.wait(matchSegment(SCS_UPLOAD_SEGMENT, toggle))
		if err != nil {
			if errors.Is(err, errNoResponse) {
				t.abort(index, sub, SDO_AB_TIMEOUT)
			}
			return nil, err
		}

		payload, last := segmentPayload(seg)
		data = append(data, payload...)
		if last {
			break
		}
		toggle ^= 1
	}

	if total >= 0 && len(data) != total {
		return nil, fmt.Errorf("%w: announced %d bytes, received %d", ERR_PROTOCOL, total, len(data))
	}
	return data, nil
}

func (t *transfer) download(index uint16, sub uint8, data []byte) error {
	if len(data) <= SDO_EXPEDITED_SIZE {
		if err := t.request(sdoFrame(FC_SDO_RX, t.node, expeditedCmd(CCS_DOWNLOAD_INITIATE, len(data)), index, sub, data)); err != nil {
			return err
		}
		_, err := t.wait(matchInitiate(SCS_DOWNLOAD_INITIATE, index, sub))
		return err
	}

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(data)))
	if err := t.request(sdoFrame(FC_SDO_RX, t.node, CCS_DOWNLOAD_INITIATE<<5|0x01, index, sub, size[:])); err != nil {
		return err
	}
	if _, err := t.wait(matchInitiate(SCS_DOWNLOAD_INITIATE, index, sub)); err != nil {
		return err
	}

	var toggle byte
	for offset := 0; offset < len(data); offset += SDO_SEGMENT_SIZE {
		end := offset + SDO_SEGMENT_SIZE
		last := end >= len(data)
		if last {
			end = len(data)
		}
		chunk := data[offset:end]

		if err := t.request(segmentFrame(FC_SDO_RX, t.node, segmentCmd(CCS_DOWNLOAD_SEGMENT, toggle, len(chunk), last), chunk)); err != nil {
			return err
		}
		if _, err := t.wait(matchSegment(SCS_DOWNLOAD_SEGMENT, toggle)); err != nil {
			if errors.Is(err, errNoResponse) {
				t.abort(index, sub, SDO_AB_TIMEOUT)
			}
			return err
		}
		toggle ^= 1
	}

	return nil
}
