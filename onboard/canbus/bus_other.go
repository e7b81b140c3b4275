//go:build !linux

package canbus

import "errors"

var ERR_UNSUPPORTED = errors.New("socketcan is only available on linux")

type SocketCAN struct{}

func NewSocketCAN(ifname string) (*SocketCAN, error) {
	return nil, ERR_UNSUPPORTED
}

func (c *SocketCAN) Name() string { return "" }

func (c *SocketCAN) AddListener(match MsgFilter, rx chan CANMsg) func() { return func() {} }

func (c *SocketCAN) SendMsg(msg CANMsg) error { return ERR_UNSUPPORTED }

func (c *SocketCAN) Close() error { return nil }
