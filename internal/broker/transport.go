package broker

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ExchangeTopic is the only exchange type the fabric declares.
const ExchangeTopic = "topic"

// Delivery is one message received from a queue.
type Delivery struct {
	Exchange   string
	RoutingKey string
	Body       []byte
}

// Endpoint identifies a broker and the credentials used to reach it. When URL
// is set it wins over the individual fields.
type Endpoint struct {
	URL      string
	Address  string
	Port     int
	VHost    string
	Username string
	Password string
}

// URI returns the AMQP URI for the endpoint.
func (e Endpoint) URI() string {
	if e.URL != "" {
		return e.URL
	}
	host := e.Address
	if host == "" {
		host = "localhost"
	}
	port := e.Port
	if port == 0 {
		port = 5672
	}
	vhost := e.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(e.Username, e.Password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
	}
	if e.Username == "" {
		u.User = nil
	}
	return u.String() + "/" + url.PathEscape(vhost)
}

// Redacted returns the URI with any password hidden, for logs and errors.
func (e Endpoint) Redacted() string {
	u, err := url.Parse(e.URI())
	if err != nil {
		return "<invalid endpoint>"
	}
	return u.Redacted()
}

// Scheme returns the lower-cased URI scheme.
func (e Endpoint) Scheme() string {
	uri := e.URI()
	if i := strings.Index(uri, "://"); i > 0 {
		return strings.ToLower(uri[:i])
	}
	return ""
}

func (e Endpoint) String() string {
	return fmt.Sprintf("broker(%s)", e.Redacted())
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// Conn is one logical broker connection.
type Conn interface {
	Channel() (Channel, error)
	// NotifyClose returns a channel that receives the close reason, if any,
	// and is closed once the connection has shut down.
	NotifyClose() <-chan error
	IsClosed() bool
	Close() error
}

// Channel is the subset of an AMQP channel the fabric relies on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable bool) error
	// QueueDeclare declares a queue and returns its name. An empty name asks
	// the broker to generate one.
	QueueDeclare(name string, durable, exclusive bool) (string, error)
	QueueBind(queue, key, exchange string) error
	Publish(ctx context.Context, exchange, key string, body []byte) error
	// Consume starts an auto-ack consumer. The returned channel is closed when
	// the consumer is cancelled or the channel shuts down.
	Consume(queue, consumer string, prefetch int) (<-chan Delivery, error)
	Cancel(consumer string) error
	Close() error
}
