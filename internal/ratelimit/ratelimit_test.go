package ratelimit

import (
	"testing"
	"time"
)

func TestCanRequestResetsWindow(t *testing.T) {
	c := New(20*time.Millisecond, time.Second)

	if !c.CanRequest("bybit") {
		t.Fatal("expected initial request to be allowed")
	}
	c.RecordRequest("bybit")
	if c.RequestCount("bybit") != 1 {
		t.Fatalf("expected count 1, got %d", c.RequestCount("bybit"))
	}

	time.Sleep(30 * time.Millisecond)
	if !c.CanRequest("bybit") {
		t.Fatal("expected request allowed after window reset")
	}
	if c.RequestCount("bybit") != 0 {
		t.Fatalf("expected counter reset to 0, got %d", c.RequestCount("bybit"))
	}
}

func TestReportRateLimitBlocksUntilBackoffElapses(t *testing.T) {
	c := New(time.Minute, time.Hour)

	c.ReportRateLimit("blofin", 30*time.Millisecond)
	if c.CanRequest("blofin") {
		t.Fatal("expected request to be blocked during backoff")
	}

	time.Sleep(40 * time.Millisecond)
	if !c.CanRequest("blofin") {
		t.Fatal("expected request allowed after backoff elapsed")
	}
}

func TestReportRateLimitDefaultsWhenNoRetryAfter(t *testing.T) {
	c := New(time.Minute, 10*time.Millisecond)

	c.ReportRateLimit("bitunix", 0)
	if c.CanRequest("bitunix") {
		t.Fatal("expected default backoff to apply")
	}
	until := c.BackoffUntil("bitunix")
	if until.IsZero() {
		t.Fatal("expected backoffUntil to be set")
	}
}

func TestExchangesAreIndependent(t *testing.T) {
	c := New(time.Minute, time.Minute)

	c.ReportRateLimit("bybit", time.Hour)
	if !c.CanRequest("binance") {
		t.Fatal("expected unrelated exchange to be unaffected")
	}
}

func TestConcurrentCallersSafe(t *testing.T) {
	c := New(time.Minute, time.Minute)
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func() {
			c.CanRequest("hyperliquid")
			c.RecordRequest("hyperliquid")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	if c.RequestCount("hyperliquid") != 50 {
		t.Fatalf("expected 50 recorded requests, got %d", c.RequestCount("hyperliquid"))
	}
}
