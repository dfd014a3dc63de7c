package inproc

import (
	"context"
	"sync"

	"hades/internal/broker"
)

type conn struct {
	b *Broker

	mu       sync.Mutex
	closed   bool
	reason   error
	notify   []chan error
	channels map[*channel]struct{}
}

func (c *conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}
	ch := &channel{c: c, consumers: map[string]chan struct{}{}}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan error, 1)
	if c.closed {
		if c.reason != nil {
			ch <- c.reason
		}
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *conn) shutdown(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.reason = reason
	for _, n := range c.notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	c.notify = nil
	channels := make([]*channel, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = map[*channel]struct{}{}
	c.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	c.b.drop(c)
}

func (c *conn) forget(ch *channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, ch)
}

type channel struct {
	c *conn

	mu        sync.Mutex
	closed    bool
	consumers map[string]chan struct{}
	wg        sync.WaitGroup
}

func (ch *channel) check() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return broker.ErrClosed
	}
	return nil
}

func (ch *channel) ExchangeDeclare(name, kind string, durable bool) error {
	if err := ch.check(); err != nil {
		return err
	}
	return ch.c.b.declareExchange(name, kind, durable)
}

func (ch *channel) QueueDeclare(name string, durable, exclusive bool) (string, error) {
	if err := ch.check(); err != nil {
		return "", err
	}
	return ch.c.b.declareQueue(ch.c, name, durable, exclusive)
}

func (ch *channel) QueueBind(queueName, key, exchangeName string) error {
	if err := ch.check(); err != nil {
		return err
	}
	return ch.c.b.bind(queueName, key, exchangeName)
}

func (ch *channel) Publish(ctx context.Context, exchangeName, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.check(); err != nil {
		return err
	}
	return ch.c.b.publish(exchangeName, key, body)
}

func (ch *channel) Consume(queueName, consumer string, _ int) (<-chan broker.Delivery, error) {
	q, err := ch.c.b.lookupQueue(queueName)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, broker.ErrClosed
	}
	stop := make(chan struct{})
	ch.consumers[consumer] = stop
	out := make(chan broker.Delivery)
	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case d := <-q.msgs:
				select {
				case out <- d:
				case <-stop:
					return
				}
			}
		}
	}()
	return out, nil
}

func (ch *channel) Cancel(consumer string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if stop, ok := ch.consumers[consumer]; ok {
		close(stop)
		delete(ch.consumers, consumer)
	}
	return nil
}

func (ch *channel) Close() error {
	ch.close()
	ch.c.forget(ch)
	return nil
}

func (ch *channel) close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	for tag, stop := range ch.consumers {
		close(stop)
		delete(ch.consumers, tag)
	}
	ch.mu.Unlock()
	ch.wg.Wait()
}
