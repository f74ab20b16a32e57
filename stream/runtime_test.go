package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/perpgate/perpgate/errs"
	"github.com/perpgate/perpgate/observability"
)

type envelope struct {
	Op      string          `json:"op,omitempty"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// fakeVenue accepts one socket at a time, records subscription frames and
// pushes events to the most recent connection.
type fakeVenue struct {
	mu         sync.Mutex
	conn       *websocket.Conn
	subscribes []string
	unsubs     []string
	auths      []string
	server     *httptest.Server
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	fv := &fakeVenue{}
	fv.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fv.mu.Lock()
		fv.conn = conn
		fv.mu.Unlock()
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var msg envelope
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			fv.mu.Lock()
			switch msg.Op {
			case "subscribe":
				fv.subscribes = append(fv.subscribes, msg.Channel)
			case "unsubscribe":
				fv.unsubs = append(fv.unsubs, msg.Channel)
			case "auth":
				fv.auths = append(fv.auths, string(msg.Data))
			}
			fv.mu.Unlock()
		}
	}))
	t.Cleanup(fv.server.Close)
	return fv
}

func (fv *fakeVenue) wsURL() string {
	return "ws" + strings.TrimPrefix(fv.server.URL, "http")
}

func (fv *fakeVenue) push(t *testing.T, channel, data string) {
	t.Helper()
	fv.mu.Lock()
	conn := fv.conn
	fv.mu.Unlock()
	if conn == nil {
		t.Fatal("no connection to push on")
	}
	payload, _ := json.Marshal(envelope{Channel: channel, Data: json.RawMessage(data)})
	if err := conn.Write(context.Background(), websocket.MessageText, payload); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (fv *fakeVenue) dropConnection() {
	fv.mu.Lock()
	conn := fv.conn
	fv.conn = nil
	fv.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "forced")
	}
}

func (fv *fakeVenue) subscribeCount() int {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	return len(fv.subscribes)
}

func routeEnvelope(raw []byte) (string, json.RawMessage, bool) {
	var msg envelope
	if json.Unmarshal(raw, &msg) != nil || msg.Channel == "" || len(msg.Data) == 0 {
		return "", nil, false
	}
	return msg.Channel, msg.Data, true
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Route:            routeEnvelope,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
		MaxReconnects:    5,
	}
}

func subscribeFrame(channel string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		return json.Marshal(envelope{Op: "subscribe", Channel: channel})
	}
}

func unsubscribeFrame(channel string) func() []byte {
	return func() []byte {
		payload, _ := json.Marshal(envelope{Op: "unsubscribe", Channel: channel})
		return payload
	}
}

func TestSubscribeDeliversRoutedEvents(t *testing.T) {
	fv := newFakeVenue(t)
	r := New("testvenue", testConfig(fv.wsURL()), nil, nil)
	defer r.Disconnect()

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	seq, err := r.Subscribe(context.Background(), "trades:BTC/USDT:USDT",
		subscribeFrame("trades:BTC/USDT:USDT"), unsubscribeFrame("trades:BTC/USDT:USDT"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer seq.Close()

	waitFor(t, func() bool { return fv.subscribeCount() == 1 })
	fv.push(t, "trades:BTC/USDT:USDT", `{"price":"50000"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := seq.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg) != `{"price":"50000"}` {
		t.Fatalf("payload = %s", msg)
	}
}

func TestReconnectResubscribesWithoutConsumer(t *testing.T) {
	fv := newFakeVenue(t)
	rec := observability.NewRecorder()
	r := New("testvenue", testConfig(fv.wsURL()), rec, nil)
	defer r.Disconnect()

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	channel := "orderbook:ETH/USDC:USDC"
	seq, err := r.Subscribe(context.Background(), channel, subscribeFrame(channel), unsubscribeFrame(channel))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer seq.Close()
	waitFor(t, func() bool { return fv.subscribeCount() == 1 })

	fv.dropConnection()

	// The runtime reconnects and replays the subscription on its own.
	waitFor(t, func() bool { return fv.subscribeCount() == 2 })
	fv.push(t, channel, `{"seq":2}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := seq.Next(ctx)
	if err != nil {
		t.Fatalf("Next after reconnect: %v", err)
	}
	if string(msg) != `{"seq":2}` {
		t.Fatalf("payload = %s", msg)
	}
	if got := rec.Counter(observability.MetricWSReconnectsTotal, map[string]string{"venue": "testvenue"}); got != 1 {
		t.Fatalf("ws_reconnects_total = %v, want 1", got)
	}
}

func TestFreshAuthOnEveryConnect(t *testing.T) {
	fv := newFakeVenue(t)
	var tokens []string
	var tokenMu sync.Mutex
	cfg := testConfig(fv.wsURL())
	counter := 0
	cfg.OnConnect = func(ctx context.Context, send func(context.Context, []byte) error) error {
		counter++
		token := "token-" + time.Now().Format("150405.000000000") + "-" + string(rune('0'+counter))
		tokenMu.Lock()
		tokens = append(tokens, token)
		tokenMu.Unlock()
		payload, _ := json.Marshal(envelope{Op: "auth", Channel: "auth", Data: json.RawMessage(`"` + token + `"`)})
		return send(ctx, payload)
	}
	r := New("testvenue", cfg, nil, nil)
	defer r.Disconnect()

	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, func() bool {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		return len(fv.auths) == 1
	})

	fv.dropConnection()
	waitFor(t, func() bool {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		return len(fv.auths) == 2
	})

	fv.mu.Lock()
	defer fv.mu.Unlock()
	if fv.auths[0] == fv.auths[1] {
		t.Fatal("stale auth payload reused on reconnect")
	}
}

func TestLastConsumerSendsUnsubscribe(t *testing.T) {
	fv := newFakeVenue(t)
	r := New("testvenue", testConfig(fv.wsURL()), nil, nil)
	defer r.Disconnect()
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	channel := "ticker:BTC/USDT:USDT"
	first, err := r.Subscribe(context.Background(), channel, subscribeFrame(channel), unsubscribeFrame(channel))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := r.Subscribe(context.Background(), channel, subscribeFrame(channel), unsubscribeFrame(channel))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, func() bool { return fv.subscribeCount() == 1 })

	first.Close()
	time.Sleep(50 * time.Millisecond)
	fv.mu.Lock()
	unsubs := len(fv.unsubs)
	fv.mu.Unlock()
	if unsubs != 0 {
		t.Fatal("unsubscribe sent while a consumer remained")
	}

	second.Close()
	waitFor(t, func() bool {
		fv.mu.Lock()
		defer fv.mu.Unlock()
		return len(fv.unsubs) == 1
	})
}

func TestDisconnectEndsSequencesAndIsIdempotent(t *testing.T) {
	fv := newFakeVenue(t)
	r := New("testvenue", testConfig(fv.wsURL()), nil, nil)
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	channel := "positions:0xabc"
	seq, err := r.Subscribe(context.Background(), channel, subscribeFrame(channel), unsubscribeFrame(channel))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r.Disconnect()
	r.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = seq.Next(ctx)
	if errs.KindOf(err) != errs.KindWebSocketDisconnected {
		t.Fatalf("Next after disconnect = %v, want websocket_disconnected", err)
	}
	if r.State() != Closed {
		t.Fatalf("state = %v, want Closed", r.State())
	}
	if err := r.Connect(context.Background()); errs.KindOf(err) != errs.KindWebSocketDisconnected {
		t.Fatalf("Connect after close = %v", err)
	}
}

func TestSlowConsumerDropsOldest(t *testing.T) {
	rec := observability.NewRecorder()
	r := New("testvenue", Config{URL: "ws://unused", Route: routeEnvelope, BufferSize: 1}, rec, nil)
	sub := &subscription{id: "trades:X", consumers: make(map[*Sequence]struct{})}
	seq := newSequence(r, sub, 1)
	sub.consumers[seq] = struct{}{}
	r.subs["trades:X"] = sub

	payload := func(n string) []byte {
		raw, _ := json.Marshal(envelope{Channel: "trades:X", Data: json.RawMessage(n)})
		return raw
	}
	r.dispatch(payload("1"))
	r.dispatch(payload("2"))
	r.dispatch(payload("3"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := seq.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(msg) != "3" {
		t.Fatalf("surviving event = %s, want the newest", msg)
	}
	if got := rec.Counter(observability.MetricWSDroppedEventsTotal, map[string]string{
		"venue": "testvenue", "channel": "trades:X",
	}); got != 2 {
		t.Fatalf("ws_dropped_events_total = %v, want 2", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
