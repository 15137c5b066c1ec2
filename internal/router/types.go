package router

import (
	"context"
	"time"

	"github.com/rickgao/sitestream/internal/model"
)

// Config holds configuration for the Router.
type Config struct {
	BufferSize    int           // Initial queue capacity. Default: 1000
	MaxBufferSize int           // Queue stops growing here and drops the oldest frame. Default: 100000
	DedupWindow   time.Duration // Zero disables deduplication. Default: 1m
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		MaxBufferSize: 100_000,
		DedupWindow:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sink consumes decoded messages. HandleMessage runs on the router's route
// goroutine; slow sinks should queue internally.
type Sink interface {
	Name() string
	HandleMessage(ctx context.Context, msg model.Message) error
}

type sinkFunc struct {
	name string
	fn   func(context.Context, model.Message) error
}

func (s sinkFunc) Name() string { return s.name }

func (s sinkFunc) HandleMessage(ctx context.Context, msg model.Message) error {
	return s.fn(ctx, msg)
}

// SinkFunc adapts a function to a named Sink.
func SinkFunc(name string, fn func(context.Context, model.Message) error) Sink {
	return sinkFunc{name: name, fn: fn}
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived int64      `json:"frames_received"`
	FramesRouted   int64      `json:"frames_routed"`
	Duplicates     int64      `json:"duplicates"`
	DecodeErrors   int64      `json:"decode_errors"`
	SinkErrors     int64      `json:"sink_errors"`
	Queue          QueueStats `json:"queue"`
}

// inbound is a frame waiting in the queue.
type inbound struct {
	frame      string
	receivedAt time.Time
}
