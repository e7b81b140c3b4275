package canbus

import (
	"context"
	"log/slog"
)

// LoggedBus decorates a bus and logs every transmitted frame and every frame
// delivered to one of its listeners.
type LoggedBus struct {
	inner  CANBusInterface
	logger *slog.Logger
	level  slog.Level
}

func NewLoggedBus(inner CANBusInterface, logger *slog.Logger, level slog.Level) *LoggedBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggedBus{inner: inner, logger: logger, level: level}
}

func (l *LoggedBus) SendMsg(msg CANMsg) error {
	err := l.inner.SendMsg(msg)
	if err != nil {
		l.logger.Error("canbus send", "frame", msg.String(), "error", err)
		return err
	}
	l.logger.Log(context.Background(), l.level, "canbus send", "frame", msg.String())
	return nil
}

func (l *LoggedBus) AddListener(match MsgFilter, rx chan CANMsg) func() {
	wrapped := func(msg CANMsg) bool {
		if match != nil && !match(msg) {
			return false
		}
		l.logger.Log(context.Background(), l.level, "canbus receive", "frame", msg.String())
		return true
	}
	return l.inner.AddListener(wrapped, rx)
}

func (l *LoggedBus) Close() error {
	return l.inner.Close()
}
