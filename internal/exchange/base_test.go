package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketfeed/hub/internal/model"
)

// fakeVariant is a minimal Variant used to exercise Base's state machine
// without any real exchange wire format.
type fakeVariant struct {
	name       string
	wsURL      string
	openCalls  int32
	mu         sync.Mutex
	handled    []string
	onOpenErr  error
	pingText   []byte
	subscribed []string
}

func (f *fakeVariant) Name() string { return f.name }
func (f *fakeVariant) WSURL() string { return f.wsURL }
func (f *fakeVariant) FetchSymbols(ctx context.Context) ([]string, error) {
	return []string{"BTCUSDT", "ETHUSDT"}, nil
}
func (f *fakeVariant) OnOpen(a *Base) error {
	f.mu.Lock()
	f.openCalls++
	f.mu.Unlock()
	return f.onOpenErr
}
func (f *fakeVariant) IsPong(raw []byte) bool {
	return string(raw) == "pong"
}
func (f *fakeVariant) PingFrame() (int, []byte) {
	return websocket.TextMessage, []byte("ping")
}
func (f *fakeVariant) HandleMessage(a *Base, raw []byte) error {
	f.mu.Lock()
	f.handled = append(f.handled, string(raw))
	f.mu.Unlock()
	a.EmitData(model.Event{Channel: model.ChannelTickers, Symbol: "BTCUSDT", Data: string(raw)})
	return nil
}
func (f *fakeVariant) SubscribeSymbol(a *Base, symbol string, channels []model.Channel) error {
	f.mu.Lock()
	f.subscribed = append(f.subscribed, symbol)
	f.mu.Unlock()
	return a.Send(websocket.TextMessage, []byte("sub:"+symbol))
}
func (f *fakeVariant) UnsubscribeSymbol(a *Base, symbol string, channels []model.Channel) error {
	return nil
}
func (f *fakeVariant) SubscribeKline(a *Base, symbol, interval string) error   { return nil }
func (f *fakeVariant) UnsubscribeKline(a *Base, symbol, interval string) error { return nil }

func newEchoServer(t *testing.T) (*httptest.Server, string) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
				continue
			}
			conn.WriteMessage(msgType, []byte("echo:"+string(msg)))
		}
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func TestConnectOpensAndInvokesOnOpen(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	variant := &fakeVariant{name: "fake", wsURL: wsURL}
	var statuses []StatusUpdate
	var statusMu sync.Mutex
	base := NewBase(variant, 50*time.Millisecond, nil, func(s StatusUpdate) {
		statusMu.Lock()
		statuses = append(statuses, s)
		statusMu.Unlock()
	})

	if err := base.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer base.Stop()

	if base.State() != StateOpen {
		t.Fatalf("expected Open, got %v", base.State())
	}
	variant.mu.Lock()
	opens := variant.openCalls
	variant.mu.Unlock()
	if opens != 1 {
		t.Fatalf("expected OnOpen called once, got %d", opens)
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	if len(statuses) != 1 || !statuses[0].Connected {
		t.Fatalf("expected one connected status update, got %+v", statuses)
	}
}

func TestConnectIsIdempotentWhileOpen(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	variant := &fakeVariant{name: "fake", wsURL: wsURL}
	base := NewBase(variant, time.Second, nil, nil)
	if err := base.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer base.Stop()

	if err := base.Connect(context.Background()); err != nil {
		t.Fatalf("second connect should be a no-op, got error: %v", err)
	}
	variant.mu.Lock()
	defer variant.mu.Unlock()
	if variant.openCalls != 1 {
		t.Fatalf("expected OnOpen still called once, got %d", variant.openCalls)
	}
}

func TestHandleMessageReceivesEchoedFrames(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	variant := &fakeVariant{name: "fake", wsURL: wsURL}
	var events []model.Event
	var mu sync.Mutex
	base := NewBase(variant, time.Second, func(e model.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}, nil)

	if err := base.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer base.Stop()

	if err := base.Send(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("expected at least one event emitted from the echoed frame")
	}
	if events[0].Exchange != "fake" {
		t.Fatalf("expected EmitData to stamp the exchange name, got %q", events[0].Exchange)
	}
}

func TestMarkSubscribedTracksChannelKeys(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	variant := &fakeVariant{name: "fake", wsURL: wsURL}
	base := NewBase(variant, time.Second, nil, nil)
	if err := base.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer base.Stop()

	if !base.MarkSubscribed("tickers:BTCUSDT") {
		t.Fatal("expected first mark to report newly subscribed")
	}
	if base.MarkSubscribed("tickers:BTCUSDT") {
		t.Fatal("expected idempotent re-mark to report already subscribed")
	}
	if base.ActiveSubscriptionCount() != 1 {
		t.Fatalf("expected 1 active subscription, got %d", base.ActiveSubscriptionCount())
	}
	if !base.MarkUnsubscribed("tickers:BTCUSDT") {
		t.Fatal("expected unmark to succeed")
	}
	if base.ActiveSubscriptionCount() != 0 {
		t.Fatal("expected subscription count back to 0")
	}
}

func TestStopHaltsReadLoopWithoutReconnect(t *testing.T) {
	srv, wsURL := newEchoServer(t)
	defer srv.Close()

	variant := &fakeVariant{name: "fake", wsURL: wsURL}
	base := NewBase(variant, time.Second, nil, nil)
	if err := base.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	base.Stop()

	time.Sleep(20 * time.Millisecond)
	if base.State() != StateDisconnected {
		t.Fatalf("expected Disconnected after Stop, got %v", base.State())
	}
}
