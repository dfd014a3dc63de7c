package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hades/internal/broker"
	"hades/internal/broker/inproc"
	"hades/internal/mission"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	mu     sync.Mutex
	frames []string
	fail   error
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestFanoutDropsDeadSessionOnly(t *testing.T) {
	hub := NewHub(HubConfig{})
	defer hub.Close()

	live1, dead, live2 := &fakeConn{}, &fakeConn{fail: errors.New("broken pipe")}, &fakeConn{}
	for _, c := range []*fakeConn{live1, dead, live2} {
		_, err := hub.attach("", c)
		require.NoError(t, err)
	}
	require.Equal(t, 3, hub.Len())

	hub.Fanout("m-1", []byte(`{"type":"agent.message"}`))
	require.Eventually(t, func() bool { return hub.Len() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(live1.Frames()) == 1 && len(live2.Frames()) == 1 }, time.Second, time.Millisecond)
	assert.True(t, dead.Closed())
	assert.False(t, live1.Closed())

	hub.Fanout("m-1", []byte(`{"type":"agent.message","n":2}`))
	require.Eventually(t, func() bool { return len(live1.Frames()) == 2 && len(live2.Frames()) == 2 }, time.Second, time.Millisecond)
}

func TestFanoutScopesSessionsByMission(t *testing.T) {
	observers := mission.NewRegistry()
	hub := NewHub(HubConfig{Observers: observers})
	defer hub.Close()

	a, b := uuid.NewString(), uuid.NewString()
	scopedA, scopedB, all := &fakeConn{}, &fakeConn{}, &fakeConn{}
	sa, err := hub.attach(a, scopedA)
	require.NoError(t, err)
	_, err = hub.attach(b, scopedB)
	require.NoError(t, err)
	_, err = hub.attach("", all)
	require.NoError(t, err)
	assert.Equal(t, []string{sa.ID}, observers.Lookup(uuid.MustParse(a)))

	assert.Equal(t, 2, hub.Fanout(a, []byte(`{"n":1}`)))
	require.Eventually(t, func() bool { return len(scopedA.Frames()) == 1 && len(all.Frames()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, scopedB.Frames())
	assert.Len(t, hub.Lookup(b), 2)

	hub.drop(sa, errors.New("gone"))
	assert.Empty(t, observers.Lookup(uuid.MustParse(a)))
}

type blockingConn struct {
	fakeConn
	release chan struct{}
}

func (c *blockingConn) WriteMessage(mt int, data []byte) error {
	<-c.release
	return c.fakeConn.WriteMessage(mt, data)
}

func TestFanoutDropsSessionThatFallsBehind(t *testing.T) {
	hub := NewHub(HubConfig{SessionBuffer: 1})
	defer hub.Close()

	slow := &blockingConn{release: make(chan struct{})}
	fast := &fakeConn{}
	_, err := hub.attach("", slow)
	require.NoError(t, err)
	_, err = hub.attach("", fast)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		hub.Fanout("k", []byte(`{}`))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, hub.Len())
	close(slow.release)
	require.Eventually(t, func() bool { return len(fast.Frames()) == 4 }, time.Second, time.Millisecond)
	assert.True(t, slow.Closed())
}

func TestDecodeEvent(t *testing.T) {
	assert.JSONEq(t, `{"type":"agent.message","content":"hi"}`, string(decodeEvent([]byte(`{"type":"agent.message","content":"hi"}`))))
	assert.JSONEq(t, `{"type":"raw","data":[1,2,3]}`, string(decodeEvent([]byte(`[1,2,3]`))))
	assert.JSONEq(t, `{"type":"raw","data":"plain text"}`, string(decodeEvent([]byte(`plain text`))))
	assert.JSONEq(t, `{"type":"raw","data":"ok"}`, string(decodeEvent([]byte("ok\xff"))))
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"mission.submit","key":"k","idempotencyKey":"abc","payload":{"name":"t1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "mission.submit", cmd.Type)
	assert.Equal(t, "k", cmd.Key)
	assert.Equal(t, "abc", cmd.IdempotencyKey)
	assert.JSONEq(t, `{"name":"t1"}`, string(cmd.Payload))

	cmd, err = ParseCommand([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(cmd.Payload))

	for _, bad := range []string{`hello`, `{}`, `{"type":""}`, `{"type":"x","payload":[1]}`, `{"type":3}`,
		`{"type":"x","key":"#"}`, `{"type":"x","key":"missions.*"}`} {
		_, err := ParseCommand([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestMemoryGuard(t *testing.T) {
	g := NewMemoryGuard(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := g.Claim(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := g.Claim(ctx, "k")
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, g.Release(ctx, "k"))
	first, _ = g.Claim(ctx, "k")
	assert.True(t, first)

	now = now.Add(2 * time.Minute)
	first, _ = g.Claim(ctx, "k")
	assert.True(t, first)
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted [][]byte
	forwarded map[string][]byte
	err       error
}

func (f *fakeSubmitter) Submit(_ context.Context, payload []byte) (mission.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return mission.Entry{}, f.err
	}
	if _, err := mission.Parse(payload); err != nil {
		return mission.Entry{}, err
	}
	f.submitted = append(f.submitted, payload)
	return mission.Entry{ID: uuid.MustParse("7f1c8d9e-3b2a-4c5d-8e6f-0a1b2c3d4e5f")}, nil
}

func (f *fakeSubmitter) Forward(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.forwarded == nil {
		f.forwarded = map[string][]byte{}
	}
	f.forwarded[key] = payload
	return nil
}

func replies(t *testing.T, hub *Hub, frames ...string) []string {
	t.Helper()
	conn := &fakeConn{}
	s, err := hub.attach("", conn)
	require.NoError(t, err)
	for _, f := range frames {
		hub.handleCommand(context.Background(), s, []byte(f))
	}
	require.Eventually(t, func() bool { return len(conn.Frames()) == len(frames) }, time.Second, time.Millisecond)
	hub.drop(s, errors.New("done"))
	return conn.Frames()
}

const missionJSON = `{"name":"t1","systems":[{"targets":[{"type":"machine","address":"10.0.0.5","goals":["scan"]}]}]}`

func TestHandleCommand(t *testing.T) {
	sub := &fakeSubmitter{}
	hub := NewHub(HubConfig{Commands: sub, Guard: NewMemoryGuard(time.Minute)})
	defer hub.Close()

	got := replies(t, hub,
		`not a command`,
		`{"type":"mission.submit","payload":`+missionJSON+`}`,
		`{"type":"mission.submit","payload":{"name":""}}`,
		`{"type":"scan.request","key":"missions.scan","payload":{"x":1}}`,
		`{"type":"ping","idempotencyKey":"once","payload":{}}`,
		`{"type":"ping","idempotencyKey":"once","payload":{}}`,
	)
	assert.Equal(t, "invalid: not a command", got[0])
	assert.JSONEq(t, `{"type":"mission.accepted","id":"7f1c8d9e-3b2a-4c5d-8e6f-0a1b2c3d4e5f"}`, got[1])
	assert.Equal(t, `invalid: {"type":"mission.submit","payload":{"name":""}}`, got[2])
	assert.JSONEq(t, `{"type":"mission.accepted"}`, got[3])
	assert.JSONEq(t, `{"type":"mission.accepted","idempotencyKey":"once"}`, got[4])
	assert.JSONEq(t, `{"type":"mission.duplicate","idempotencyKey":"once"}`, got[5])

	require.Contains(t, sub.forwarded, "missions.scan")
	var fwd Command
	require.NoError(t, json.Unmarshal(sub.forwarded["missions.scan"], &fwd))
	assert.Equal(t, "scan.request", fwd.Type)
	assert.JSONEq(t, `{"x":1}`, string(fwd.Payload))
	assert.Contains(t, sub.forwarded, "")
	assert.Len(t, sub.submitted, 1)
}

func TestHandleCommandReleasesKeyOnFailure(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("broker unavailable")}
	guard := NewMemoryGuard(time.Minute)
	hub := NewHub(HubConfig{Commands: sub, Guard: guard})
	defer hub.Close()

	got := replies(t, hub, `{"type":"ping","idempotencyKey":"retry-me"}`)
	var res ack
	require.NoError(t, json.Unmarshal([]byte(got[0]), &res))
	assert.Equal(t, "mission.rejected", res.Type)
	assert.Contains(t, res.Error, "broker unavailable")

	first, err := guard.Claim(context.Background(), "retry-me")
	require.NoError(t, err)
	assert.True(t, first)
}

func newRelayFixture(t *testing.T, sub Submitter) (*inproc.Broker, *broker.Manager, *Proxy, *httptest.Server) {
	t.Helper()
	b := inproc.New(0)
	mgr := broker.NewManager(b, broker.Endpoint{URL: "memory://"}, broker.DefaultRetryPolicy())
	hub := NewHub(HubConfig{Commands: sub, Guard: NewMemoryGuard(time.Minute)})
	loop := &broker.Loop{
		Manager:        mgr,
		Binder:         broker.NewBinder(),
		Binding:        broker.BindingSpec{Exchange: "hades.inject.reports", Kind: broker.ExchangeTopic, RoutingKey: "#"},
		ReconnectDelay: time.Millisecond,
	}
	proxy, err := NewProxy(hub, loop, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) { hub.ServeWS(w, r, "") })
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	})
	srv := httptest.NewServer(mux)
	return b, mgr, proxy, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	res.Body.Close()
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestProxyRelaysReportsToObservers(t *testing.T) {
	b, mgr, proxy, srv := newRelayFixture(t, &fakeSubmitter{})
	defer srv.Close()
	defer mgr.Close()
	defer proxy.Hub().Close()

	var consumed atomic.Int32
	proxy.loop.OnConsuming = func(broker.RoutingBinding) { consumed.Add(1) }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- proxy.Run(ctx) }()
	require.Eventually(t, func() bool { return consumed.Load() == 1 }, 2*time.Second, time.Millisecond)

	id, other := uuid.NewString(), uuid.NewString()
	scoped := dial(t, srv, "/ws/"+id)
	defer scoped.Close()
	otherConn := dial(t, srv, "/ws/"+other)
	defer otherConn.Close()
	all := dial(t, srv, "/ws")
	defer all.Close()
	require.Eventually(t, func() bool { return proxy.Hub().Len() == 3 }, time.Second, time.Millisecond)

	pub := broker.NewPublisher(mgr, nil)
	defer pub.Close()
	require.NoError(t, pub.PublishTo(ctx, "hades.inject.reports", id, []byte(`{"type":"agent.message","content":"hello"}`)))
	require.NoError(t, pub.PublishTo(ctx, "hades.inject.reports", id, []byte(`not json`)))

	assert.JSONEq(t, `{"type":"agent.message","content":"hello"}`, readFrame(t, scoped))
	assert.JSONEq(t, `{"type":"raw","data":"not json"}`, readFrame(t, scoped))
	assert.JSONEq(t, `{"type":"agent.message","content":"hello"}`, readFrame(t, all))
	assert.JSONEq(t, `{"type":"raw","data":"not json"}`, readFrame(t, all))

	// A lost stream is recovered and later events still arrive.
	b.Kill()
	require.Eventually(t, func() bool { return consumed.Load() == 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, pub.PublishTo(ctx, "hades.inject.reports", other, []byte(`{"type":"mission.finished"}`)))
	assert.JSONEq(t, `{"type":"mission.finished"}`, readFrame(t, otherConn))

	require.NoError(t, all.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	assert.JSONEq(t, `{"type":"mission.finished"}`, readFrame(t, all))
	assert.JSONEq(t, `{"type":"mission.accepted"}`, readFrame(t, all))
	cancel()
	require.NoError(t, <-done)
}

func TestServeWSRejectsMalformedMissionID(t *testing.T) {
	_, mgr, proxy, srv := newRelayFixture(t, nil)
	defer srv.Close()
	defer mgr.Close()
	defer proxy.Hub().Close()

	res, err := http.Get(srv.URL + "/ws/not-a-uuid")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestProxyGivesUpAfterRetryBudget(t *testing.T) {
	b := inproc.New(0)
	b.FailDials(errors.New("refused"), errors.New("refused"), errors.New("refused"), errors.New("refused"))
	var mu sync.Mutex
	var delays []time.Duration
	mgr := broker.NewManager(b, broker.Endpoint{URL: "memory://"},
		broker.RetryPolicy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond},
		broker.WithSleep(func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return nil
		}))
	proxy, err := NewProxy(NewHub(HubConfig{}), &broker.Loop{
		Manager: mgr,
		Binder:  broker.NewBinder(),
		Binding: broker.BindingSpec{Exchange: "hades.inject.reports", RoutingKey: "#"},
	}, nil)
	require.NoError(t, err)

	err = proxy.Run(context.Background())
	var connErr *broker.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 4, connErr.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, delays)
	assert.Equal(t, broker.StateDisconnected, proxy.State())
}
