package main

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/CodedInternet/servobus/onboard"
	serr "github.com/CodedInternet/servobus/onboard/errors"
)

// ErrResponse is the body of every failed request.
type ErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
	// device status name for command failures
	Device string `json:"device_status,omitempty"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errResponse(code int, text string, err error) *ErrResponse {
	e := &ErrResponse{Err: err, HTTPStatusCode: code, StatusText: text}
	if err != nil {
		e.ErrorText = err.Error()
	}
	return e
}

var ErrNotFound = &ErrResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

func ErrInvalidRequest(err error) render.Renderer {
	return errResponse(http.StatusBadRequest, "Invalid request.", err)
}

func ErrUnauthorized(err error) render.Renderer {
	return errResponse(http.StatusUnauthorized, "Unauthorized.", err)
}

func ErrPermissionDenied(err error) render.Renderer {
	return errResponse(http.StatusForbidden, "Permission denied.", err)
}

func ErrRender(err error) render.Renderer {
	return errResponse(http.StatusInternalServerError, "Error rendering response.", err)
}

// ErrDevice maps a command failure to a response by its status.
func ErrDevice(err error) render.Renderer {
	switch {
	case errors.Is(err, onboard.ErrUnknownBus):
		return errResponse(http.StatusNotFound, "Resource not found.", err)
	case errors.Is(err, serr.ErrCapacityExceeded):
		return errResponse(http.StatusConflict, "Motion queue is full.", err)
	}

	status := serr.StatusOf(err)
	var code int
	switch status {
	case serr.StatusWrongArgument, serr.StatusWrongTrajectory, serr.StatusZeroSize:
		code = http.StatusBadRequest
	case serr.StatusBusy, serr.StatusLocked, serr.StatusStopped, serr.StatusSizeMismatch:
		code = http.StatusConflict
	case serr.StatusTimeout:
		code = http.StatusGatewayTimeout
	case serr.StatusBadInstance:
		code = http.StatusGone
	default:
		code = http.StatusBadGateway
	}

	e := errResponse(code, "Device command failed.", err)
	e.Device = status.String()
	return e
}
