package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultHeartbeat        = 10 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
)

// AMQPDialer dials RabbitMQ (or any AMQP 0-9-1 broker).
type AMQPDialer struct {
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
}

func (d AMQPDialer) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	uri := ep.URI()
	if _, err := amqp.ParseURI(uri); err != nil {
		return nil, Permanent(fmt.Errorf("parse broker uri: %w", err))
	}
	heartbeat := d.Heartbeat
	if heartbeat == 0 {
		heartbeat = defaultHeartbeat
	}
	handshake := d.HandshakeTimeout
	if handshake == 0 {
		handshake = defaultHandshakeTimeout
	}
	cfg := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var nd net.Dialer
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if err := conn.SetDeadline(time.Now().Add(handshake)); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return &amqpConn{conn: conn}, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrVhost) || errors.Is(err, amqp.ErrSASL) {
		return Permanent(err)
	}
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case amqp.AccessRefused, amqp.NotAllowed:
			return Permanent(err)
		}
	}
	return err
}

func classifyChannelError(err error) error {
	var aerr *amqp.Error
	if errors.As(err, &aerr) && aerr.Code == amqp.PreconditionFailed {
		return fmt.Errorf("%w: %s", ErrPreconditionFailed, aerr.Reason)
	}
	return err
}

type amqpConn struct {
	conn *amqp.Connection
}

func (c *amqpConn) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConn) NotifyClose() <-chan error {
	in := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	out := make(chan error, 1)
	go func() {
		defer close(out)
		for err := range in {
			if err != nil {
				out <- err
			}
		}
	}()
	return out
}

func (c *amqpConn) IsClosed() bool { return c.conn.IsClosed() }

func (c *amqpConn) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) ExchangeDeclare(name, kind string, durable bool) error {
	return classifyChannelError(c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil))
}

func (c *amqpChannel) QueueDeclare(name string, durable, exclusive bool) (string, error) {
	q, err := c.ch.QueueDeclare(name, durable, exclusive, exclusive, false, nil)
	if err != nil {
		return "", classifyChannelError(err)
	}
	return q.Name, nil
}

func (c *amqpChannel) QueueBind(queue, key, exchange string) error {
	return classifyChannelError(c.ch.QueueBind(queue, key, exchange, false, nil))
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, body []byte) error {
	return c.ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (c *amqpChannel) Consume(queue, consumer string, prefetch int) (<-chan Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, err
		}
	}
	msgs, err := c.ch.Consume(queue, consumer, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for m := range msgs {
			out <- Delivery{Exchange: m.Exchange, RoutingKey: m.RoutingKey, Body: m.Body}
		}
	}()
	return out, nil
}

func (c *amqpChannel) Cancel(consumer string) error {
	return c.ch.Cancel(consumer, false)
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
