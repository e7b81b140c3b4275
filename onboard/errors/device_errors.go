package errors

import (
	"errors"
	"fmt"
)

// Status is the outcome of a command issued to a servo or a bus.
type Status int

const (
	StatusOK Status = iota
	StatusGenericError
	StatusBadInstance
	StatusBusy
	StatusWrongTrajectory
	StatusLocked
	StatusStopped
	StatusTimeout
	StatusZeroSize
	StatusSizeMismatch
	StatusWrongArgument
)

var statusMessages = [...]string{
	StatusOK:              "Status OK",
	StatusGenericError:    "Generic error",
	StatusBadInstance:     "Bad interface or servo instance (null)",
	StatusBusy:            "Device is busy",
	StatusWrongTrajectory: "Wrong trajectory",
	StatusLocked:          "Device is locked",
	StatusStopped:         "Device is in STOPPED state",
	StatusTimeout:         "Communication timeout",
	StatusZeroSize:        "Zero size",
	StatusSizeMismatch:    "Received & target size mismatch",
	StatusWrongArgument:   "Wrong function argument",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusMessages) {
		return "Unknown status"
	}
	return statusMessages[s]
}

// Error lets a bare Status be used as a sentinel with errors.Is.
func (s Status) Error() string {
	return s.String()
}

var (
	ErrCapacityExceeded = errors.New("motion queue is full")
	ErrStaleCache       = errors.New("no cached sample of the requested kind")
	ErrEmpty            = errors.New("error log is empty")
)

// StatusError is returned by every servo command that did not complete.
type StatusError struct {
	Status Status
	Op     string
	Err    error
}

func NewStatusError(status Status, op string, err error) *StatusError {
	return &StatusError{Status: status, Op: op, Err: err}
}

func (err *StatusError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("%s: %s", err.Op, err.Status)
	}
	return fmt.Sprintf("%s: %s: %v", err.Op, err.Status, err.Err)
}

func (err *StatusError) Unwrap() error {
	return err.Err
}

// Is matches a bare Status so callers can test errors.Is(err, StatusTimeout).
func (err *StatusError) Is(target error) bool {
	s, ok := target.(Status)
	return ok && s == err.Status
}

// StatusOf extracts the Status carried by err. nil maps to StatusOK and
// anything unrecognised to StatusGenericError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	if errors.Is(err, StatusWrongArgument) {
		return StatusWrongArgument
	}
	return StatusGenericError
}

// AddressError reports a CAN address outside 1..127.
type AddressError struct {
	Address int
}

func (err AddressError) Error() string {
	return fmt.Sprintf("invalid device address %d; must be within 1..127", err.Address)
}

// Is treats an invalid address as a wrong argument.
func (err AddressError) Is(target error) bool {
	return target == StatusWrongArgument
}

// ParamError reports an unknown telemetry parameter.
type ParamError struct {
	Name string
}

func (err ParamError) Error() string {
	if len(err.Name) == 0 {
		err.Name = "UNKNOWN"
	}
	return fmt.Sprintf("no such parameter %s", err.Name)
}

func (err ParamError) Is(target error) bool {
	return target == StatusWrongArgument
}

// Reassignment steps.
const (
	StepResetOld = iota + 1
	StepWriteID
	StepAwaitHeartbeat
	StepSave
	StepRemap
)

var stepNames = map[int]string{
	StepResetOld:       "reset communication",
	StepWriteID:        "write node id",
	StepAwaitHeartbeat: "await heartbeat",
	StepSave:           "store parameters",
	StepRemap:          "remap device",
}

// ReassignError is returned when an identity change failed. Once the first
// step has been sent the address the device answers to is unknown until it
// is read back.
type ReassignError struct {
	Bus  string
	Old  uint8
	New  uint8
	Step int
	Err  error
}

func (err *ReassignError) Error() string {
	state := "device untouched"
	if err.Partial() {
		state = "device address unknown, verify before use"
	}
	return fmt.Sprintf("reassign %s %d -> %d failed at %s (%s): %v", err.Bus, err.Old, err.New, stepNames[err.Step], state, err.Err)
}

func (err *ReassignError) Unwrap() error {
	return err.Err
}

// Partial reports whether the device may have been left mid change.
func (err *ReassignError) Partial() bool {
	return err.Step >= StepWriteID
}
