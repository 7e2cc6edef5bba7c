package bitunix

import (
	"testing"

	"github.com/marketfeed/hub/internal/exchange"
	"github.com/marketfeed/hub/internal/model"
)

// newUnconnectedBase lets us exercise SubscribeSymbol's cap-enforcement logic
// without a live socket: Base.Send requires a connection, so these tests
// drive the cap purely through Base's MarkSubscribed/ActiveSubscriptionCount
// bookkeeping via a Base with no connection, expecting the send itself to
// fail harmlessly after the cap check already ran.
func newUnconnectedBase(variant exchange.Variant) *exchange.Base {
	return exchange.NewBase(variant, 0, nil, nil)
}

func TestSubscriptionCapRefusesThe301st(t *testing.T) {
	a := New()
	b := newUnconnectedBase(a)

	for i := 0; i < 299; i++ {
		b.MarkSubscribed(fmtKey(i))
	}
	if b.ActiveSubscriptionCount() != 299 {
		t.Fatalf("expected 299 pre-seeded topics, got %d", b.ActiveSubscriptionCount())
	}

	// 300th subscribe (one channel on a fresh symbol) should succeed even
	// though Send fails (no live connection) — the cap check happens
	// before the send attempt, and MarkSubscribed already recorded it.
	err := a.SubscribeSymbol(b, "X", []model.Channel{model.ChannelTrades})
	if err != nil && !isNotConnected(err) {
		t.Fatalf("expected the 300th subscribe to pass the cap check, got %v", err)
	}
	if b.ActiveSubscriptionCount() != 300 {
		t.Fatalf("expected count 300 after the 300th subscribe, got %d", b.ActiveSubscriptionCount())
	}

	err = a.SubscribeSymbol(b, "Y", []model.Channel{model.ChannelTrades})
	if _, ok := err.(ErrSubscriptionLimit); !ok {
		t.Fatalf("expected ErrSubscriptionLimit for the 301st topic, got %v", err)
	}
	if b.ActiveSubscriptionCount() != 300 {
		t.Fatalf("expected count to remain 300 after refusal, got %d", b.ActiveSubscriptionCount())
	}
}

func isNotConnected(err error) bool {
	return err != nil && err.Error() == "bitunix: not connected"
}

func fmtKey(i int) string {
	return "trades:seed" + string(rune('A'+i%26)) + string(rune(i))
}

func TestIntervalRoundingDown(t *testing.T) {
	// 90,000 ms into a 1h (3,600,000ms) bucket rounds down to the bucket start.
	got := roundOpenTime("3690000", "1h")
	if got != 3600000 {
		t.Fatalf("expected open time rounded down to 3600000, got %d", got)
	}
}

func TestUnsupportedIntervalRejected(t *testing.T) {
	a := New()
	b := newUnconnectedBase(a)
	if err := a.SubscribeKline(b, "BTCUSDT", "7m"); err == nil {
		t.Fatal("expected an error for an unsupported interval")
	}
}
