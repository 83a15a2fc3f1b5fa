package callback

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// DefaultChannelBuffer is the per-subscriber buffer of a ChannelNotifier
const DefaultChannelBuffer = 64

// ChannelNotifier delivers messages to in-process subscribers. Each name maps
// to one buffered channel; a full channel fails the delivery instead of
// blocking the worker.
type ChannelNotifier struct {
	mu     sync.Mutex
	subs   map[string]chan *Message
	buffer int
}

// NewChannelNotifier creates a notifier with the given per-name buffer
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = DefaultChannelBuffer
	}
	return &ChannelNotifier{
		subs:   make(map[string]chan *Message),
		buffer: buffer,
	}
}

// Subscribe returns the channel for name, creating it on first use
func (c *ChannelNotifier) Subscribe(name string) <-chan *Message {
	return c.channel(name)
}

// Notify implements Notifier
func (c *ChannelNotifier) Notify(ctx context.Context, target *url.URL, msg *Message) error {
	name := targetName(target)
	if name == "" {
		return fmt.Errorf("channel callback target has no name")
	}

	ch := c.channel(name)
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("callback channel %q is full", name)
	}
}

func (c *ChannelNotifier) channel(name string) chan *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.subs[name]
	if !ok {
		ch = make(chan *Message, c.buffer)
		c.subs[name] = ch
	}
	return ch
}
