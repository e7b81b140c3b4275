package servo

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CodedInternet/servobus/onboard/canopen"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// Transport carries requests to the servos on one bus. canopen.Client is the
// production implementation.
type Transport interface {
	ReadSDO(ctx context.Context, node uint8, index uint16, sub uint8, retry int, timeout time.Duration) ([]byte, error)
	WriteSDO(ctx context.Context, node uint8, index uint16, sub uint8, data []byte, retry int, timeout time.Duration) error
	SendNMT(cmd canopen.NMTCommand, node uint8) error
	SendTimestamp(ms uint32) error
	Heartbeats() <-chan canopen.Heartbeat
	Emergencies() <-chan canopen.Emergency
	Close() error
}

// Dialer opens the transport for a named bus interface.
type Dialer func(name string) (Transport, error)

const (
	DEFAULT_HEARTBEAT_TIMEOUT = 2 * time.Second
	DEFAULT_DISCOVERY_TIMEOUT = 2 * time.Second
	DEFAULT_EMCY_DEPTH        = 1024
)

// Options tune every Bus created by a Registry.
type Options struct {
	Logger *slog.Logger
	// A device silent for longer than this is reported as disappeared.
	HeartbeatTimeout time.Duration
	// How long InitDevice waits for the first heartbeat.
	DiscoveryTimeout time.Duration
	// How long a state request waits for a confirming heartbeat.
	StateTimeout time.Duration
	EmcyDepth    int
	Ledger       Ledger
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DEFAULT_HEARTBEAT_TIMEOUT
	}
	if o.DiscoveryTimeout <= 0 {
		o.DiscoveryTimeout = DEFAULT_DISCOVERY_TIMEOUT
	}
	if o.StateTimeout <= 0 {
		o.StateTimeout = o.HeartbeatTimeout
	}
	if o.EmcyDepth <= 0 {
		o.EmcyDepth = DEFAULT_EMCY_DEPTH
	}
	return o
}

// sdoStatus converts a transport error into a command status. Operation
// specific abort codes are listed in remap and checked first.
func sdoStatus(op string, err error, remap map[uint32]error) error {
	if err == nil {
		return nil
	}

	var abort canopen.SDOAbort
	if errors.As(err, &abort) {
		if mapped, ok := remap[abort.Code]; ok {
			if s, isStatus := mapped.(serr.Status); isStatus {
				return serr.NewStatusError(s, op, err)
			}
			return mapped
		}
		switch abort.Code {
		case canopen.SDO_AB_NONE:
			return nil
		case canopen.SDO_AB_TIMEOUT:
			return serr.NewStatusError(serr.StatusTimeout, op, err)
		}
		return serr.NewStatusError(serr.StatusGenericError, op, err)
	}

	switch {
	case errors.Is(err, canopen.ERR_MAX_RETRIES),
		errors.Is(err, context.DeadlineExceeded):
		return serr.NewStatusError(serr.StatusTimeout, op, err)
	case errors.Is(err, canopen.ERR_CLOSED):
		return serr.NewStatusError(serr.StatusBadInstance, op, err)
	case errors.Is(err, canopen.ERR_BAD_NODE):
		return serr.NewStatusError(serr.StatusWrongArgument, op, err)
	}
	return serr.NewStatusError(serr.StatusGenericError, op, err)
}
