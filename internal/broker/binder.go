package broker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// RoutingBinding is a declared exchange -> queue binding.
type RoutingBinding struct {
	Exchange     string `json:"exchange"`
	ExchangeType string `json:"exchange_type"`
	Durable      bool   `json:"durable"`
	RoutingKey   string `json:"routing_key"`
	Queue        string `json:"queue"`
}

// IsWildcard reports whether a topic routing key contains a wildcard word.
func IsWildcard(key string) bool {
	for _, word := range strings.Split(key, ".") {
		if word == "#" || word == "*" {
			return true
		}
	}
	return false
}

// MaxRoutingKeyLen is the AMQP short-string limit for routing keys.
const MaxRoutingKeyLen = 255

// ErrInvalidRoutingKey rejects keys that cannot be published under.
var ErrInvalidRoutingKey = errors.New("invalid routing key")

// ValidatePublishKey checks a key that will be used to publish. Wildcards
// only make sense in bindings.
func ValidatePublishKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidRoutingKey)
	case len(key) > MaxRoutingKeyLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidRoutingKey, MaxRoutingKeyLen)
	case IsWildcard(key):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidRoutingKey, key)
	}
	return nil
}

// DefaultQueueName is the stable queue used for exact-key bindings when no
// queue is given.
func DefaultQueueName(exchange string) string {
	return exchange + ".queue"
}

type exchangeDecl struct {
	kind    string
	durable bool
}

// Binder declares exchanges, queues and bindings. It remembers every exchange
// it has declared so a conflicting re-declaration fails locally before
// reaching the broker.
type Binder struct {
	mu        sync.Mutex
	exchanges map[string]exchangeDecl
}

func NewBinder() *Binder {
	return &Binder{exchanges: map[string]exchangeDecl{}}
}

// Bind declares the exchange and queue of spec and binds them with its
// routing key. An empty queue selects DefaultQueueName for exact keys and a
// broker-named exclusive queue for wildcard keys or when spec.Exclusive is
// set. Declarations are idempotent.
func (b *Binder) Bind(conn Conn, spec BindingSpec) (RoutingBinding, error) {
	exchange, kind, durable := spec.Exchange, spec.Kind, spec.Durable
	routingKey, queue := spec.RoutingKey, spec.Queue
	if exchange == "" {
		return RoutingBinding{}, fmt.Errorf("bind: exchange name is required")
	}
	if kind == "" {
		kind = ExchangeTopic
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.exchanges[exchange]; ok && (prev.kind != kind || prev.durable != durable) {
		return RoutingBinding{}, &TopologyConflictError{
			Exchange: exchange,
			Kind:     kind,
			Durable:  durable,
			Existing: fmt.Sprintf("(type=%s durable=%t)", prev.kind, prev.durable),
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		return RoutingBinding{}, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, kind, durable); err != nil {
		if errors.Is(err, ErrPreconditionFailed) {
			return RoutingBinding{}, &TopologyConflictError{Exchange: exchange, Kind: kind, Durable: durable, Err: err}
		}
		return RoutingBinding{}, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	b.exchanges[exchange] = exchangeDecl{kind: kind, durable: durable}

	exclusive := spec.Exclusive
	queueDurable := durable && !exclusive
	if queue == "" {
		if exclusive || IsWildcard(routingKey) {
			exclusive = true
			queueDurable = false
		} else {
			queue = DefaultQueueName(exchange)
		}
	}
	name, err := ch.QueueDeclare(queue, queueDurable, exclusive)
	if err != nil {
		return RoutingBinding{}, fmt.Errorf("declare queue %q: %w", queue, err)
	}
	if err := ch.QueueBind(name, routingKey, exchange); err != nil {
		return RoutingBinding{}, fmt.Errorf("bind queue %s to %s with %q: %w", name, exchange, routingKey, err)
	}
	return RoutingBinding{
		Exchange:     exchange,
		ExchangeType: kind,
		Durable:      durable,
		RoutingKey:   routingKey,
		Queue:        name,
	}, nil
}
