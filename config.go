package chatsync

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Config configures the sync core. Zero values take the defaults below.
type Config struct {
	// Identity is the local user id; own messages are recognised by it.
	Identity string
	// Scope is the drive/collection this client tracks.
	Scope Scope

	SafetyBuffer   time.Duration // default: 5m
	DrainBatchSize int           // default: 100
	MaxDeltaPages  int           // default: 50
	EchoInterval   time.Duration // default: 500ms
	EchoThreshold  int           // default: 20
	PageSize       int           // default: 30

	Logger *slog.Logger
	Clock  Clock
}

func (c *Config) defaults() {
	if c.SafetyBuffer == 0 {
		c.SafetyBuffer = 5 * time.Minute
	}
	if c.DrainBatchSize <= 0 {
		c.DrainBatchSize = 100
	}
	if c.MaxDeltaPages <= 0 {
		c.MaxDeltaPages = 50
	}
	if c.EchoInterval <= 0 {
		c.EchoInterval = 500 * time.Millisecond
	}
	if c.EchoThreshold <= 0 {
		c.EchoThreshold = 20
	}
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
	if c.Clock == nil {
		c.Clock = RealClock()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NotificationSink receives generic notifications from the live channel.
type NotificationSink interface {
	Notify(ctx context.Context, n Notification)
}

// NotificationFunc adapts a function to NotificationSink.
type NotificationFunc func(ctx context.Context, n Notification)

func (f NotificationFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

type nopSink struct{}

func (nopSink) Notify(context.Context, Notification) {}
