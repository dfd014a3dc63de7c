// Package inproc is an in-memory topic broker implementing the broker
// transport interfaces. It backs tests and single-process deployments
// configured with a memory:// broker URL.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"hades/internal/broker"
)

var (
	ErrExchangeNotFound = errors.New("inproc: exchange not found")
	ErrQueueNotFound    = errors.New("inproc: queue not found")
	ErrQueueFull        = errors.New("inproc: queue is full")
	ErrConnectionLost   = errors.New("inproc: connection lost")
)

// Binding is a queue bound to an exchange with a routing key.
type Binding struct {
	Queue string
	Key   string
}

type exchange struct {
	kind     string
	durable  bool
	bindings []Binding
}

type queue struct {
	durable bool
	owner   *conn
	msgs    chan broker.Delivery
}

// Broker routes messages between in-process connections.
type Broker struct {
	mu        sync.RWMutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*conn]struct{}
	buffer    int
	seq       int
	dials     int
	failures  []error
}

// New returns a broker whose queues hold up to buffer messages.
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*conn]struct{}{},
		buffer:    buffer,
	}
}

// Dial opens a connection. The endpoint is ignored.
func (b *Broker) Dial(ctx context.Context, _ broker.Endpoint) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		return nil, err
	}
	c := &conn{b: b, channels: map[*channel]struct{}{}}
	b.conns[c] = struct{}{}
	return c, nil
}

// FailDials makes the next len(errs) dials fail with the given errors.
func (b *Broker) FailDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = append(b.failures, errs...)
}

// Dials returns how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dials
}

// Kill drops every open connection as if the network failed.
func (b *Broker) Kill() {
	b.mu.RLock()
	conns := make([]*conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	for _, c := range conns {
		c.shutdown(ErrConnectionLost)
	}
}

// Bindings lists the bindings of an exchange sorted by queue then key.
func (b *Broker) Bindings(exchangeName string) []Binding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	out := append([]Binding(nil), ex.bindings...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Depth returns the number of messages waiting in a queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[queueName]
	if !ok {
		return 0
	}
	return len(q.msgs)
}

func (b *Broker) declareExchange(name, kind string, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return fmt.Errorf("%w: exchange %s declared with type=%s durable=%t", broker.ErrPreconditionFailed, name, ex.kind, ex.durable)
		}
		return nil
	}
	b.exchanges[name] = &exchange{kind: kind, durable: durable}
	return nil
}

func (b *Broker) declareQueue(owner *conn, name string, durable, exclusive bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return "", fmt.Errorf("%w: queue %s declared with durable=%t", broker.ErrPreconditionFailed, name, q.durable)
		}
		return name, nil
	}
	q := &queue{durable: durable, msgs: make(chan broker.Delivery, b.buffer)}
	if exclusive {
		q.owner = owner
	}
	b.queues[name] = q
	return name, nil
}

func (b *Broker) bind(queueName, key, exchangeName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	for _, existing := range ex.bindings {
		if existing.Queue == queueName && existing.Key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, Binding{Queue: queueName, Key: key})
	return nil
}

func (b *Broker) publish(exchangeName, key string, body []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrExchangeNotFound, exchangeName)
	}
	seen := map[string]bool{}
	for _, bd := range ex.bindings {
		if seen[bd.Queue] || !routes(ex.kind, bd.Key, key) {
			continue
		}
		seen[bd.Queue] = true
		q, ok := b.queues[bd.Queue]
		if !ok {
			continue
		}
		d := broker.Delivery{Exchange: exchangeName, RoutingKey: key, Body: append([]byte(nil), body...)}
		select {
		case q.msgs <- d:
		default:
			return fmt.Errorf("%w: %s", ErrQueueFull, bd.Queue)
		}
	}
	return nil
}

func (b *Broker) lookupQueue(name string) (*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// drop removes a closed connection and the exclusive queues it owned.
func (b *Broker) drop(c *conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
	for name, q := range b.queues {
		if q.owner != c {
			continue
		}
		delete(b.queues, name)
		for _, ex := range b.exchanges {
			kept := ex.bindings[:0]
			for _, bd := range ex.bindings {
				if bd.Queue != name {
					kept = append(kept, bd)
				}
			}
			ex.bindings = kept
		}
	}
}

func routes(kind, pattern, key string) bool {
	switch kind {
	case "fanout":
		return true
	case "direct":
		return pattern == key
	default:
		return topicMatch(pattern, key)
	}
}

// topicMatch implements AMQP topic matching: "*" is exactly one word and
// "#" is zero or more words.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}
