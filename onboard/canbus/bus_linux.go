package canbus

import (
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const READ_TIMEOUT = 250 * time.Millisecond

// SocketCAN is a raw CAN_RAW socket bound to a kernel CAN interface.
type SocketCAN struct {
	fd        int
	name      string
	listeners listeners
	lock      sync.Mutex
	open      bool
	done      chan struct{}
}

func NewSocketCAN(ifname string) (bus *SocketCAN, err error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return
	}

	// the reader wakes up periodically so Close can stop it
	tv := unix.NsecToTimeval(READ_TIMEOUT.Nanoseconds())
	if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrCAN{Ifindex: iface.Index}
	if err = unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	bus = &SocketCAN{
		fd:   fd,
		name: ifname,
		open: true,
		done: make(chan struct{}),
	}
	go bus.reader()

	return
}

func (c *SocketCAN) Name() string {
	return c.name
}

func (c *SocketCAN) AddListener(match MsgFilter, rx chan CANMsg) func() {
	return c.listeners.add(match, rx)
}

func (c *SocketCAN) SendMsg(msg CANMsg) error {
	raw, err := msg.toByteArray()
	if err != nil {
		return err
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.open {
		return ERR_CLOSED
	}
	_, err = unix.Write(c.fd, raw)
	return err
}

func (c *SocketCAN) Close() error {
	c.lock.Lock()
	if !c.open {
		c.lock.Unlock()
		return nil
	}
	c.open = false
	c.lock.Unlock()

	<-c.done
	c.listeners.clear()
	return unix.Close(c.fd)
}

func (c *SocketCAN) reader() {
	defer close(c.done)

	raw := make([]byte, CAN_FRAME_SIZE)
	for {
		n, err := unix.Read(c.fd, raw)
		if !c.isOpen() {
			return
		}
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}
		if n != CAN_FRAME_SIZE {
			continue
		}

		msg, ok := msgFromByteArray(raw)
		if ok {
			c.listeners.route(msg)
		}
	}
}

func (c *SocketCAN) isOpen() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.open
}
