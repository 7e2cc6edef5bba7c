package dedup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecuteJoinsConcurrentCallers(t *testing.T) {
	d := New()

	var calls int32
	release := make(chan struct{})
	fn := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const joiners = 10
	results := make([]interface{}, joiners)
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	wg.Add(joiners)
	for i := 0; i < joiners; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := d.Execute("bybit:klines:BTCUSDT:1m:0", fn)
			results[i] = v
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected fn to run once, ran %d times", got)
	}
	for i := 0; i < joiners; i++ {
		if errs[i] != nil {
			t.Fatalf("joiner %d got error: %v", i, errs[i])
		}
		if results[i] != "result" {
			t.Fatalf("joiner %d got %v, want result", i, results[i])
		}
	}
}

func TestExecutePropagatesFailureToAllJoiners(t *testing.T) {
	d := New()
	wantErr := errors.New("upstream 500")
	release := make(chan struct{})
	fn := func() (interface{}, error) {
		<-release
		return nil, wantErr
	}

	const joiners = 5
	errs := make([]error, joiners)
	var wg sync.WaitGroup
	wg.Add(joiners)
	for i := 0; i < joiners; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := d.Execute("blofin:ticker:ETHUSDT", fn)
			errs[i] = err
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < joiners; i++ {
		if errs[i] != wantErr {
			t.Fatalf("joiner %d got %v, want %v", i, errs[i], wantErr)
		}
	}
}

func TestExecuteDistinctKeysRunIndependently(t *testing.T) {
	d := New()
	var calls int32
	fn := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	if _, err := d.Execute("a", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute("b", fn); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 calls for 2 distinct keys, got %d", got)
	}
}

func TestExecuteEntryClearedAfterSettling(t *testing.T) {
	d := New()
	var calls int32
	fn := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	if _, err := d.Execute("k", fn); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Execute("k", fn); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected the second call to re-run fn since the first settled, got %d calls", got)
	}
}
