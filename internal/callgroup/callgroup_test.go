package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, string]
	var calls atomic.Int32
	started := make(chan struct{})
	var once sync.Once

	fn := func() (string, error) {
		calls.Add(1)
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		return "value", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.Do(1, fn)
	}()

	<-started
	for i := 1; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Do(1, fn)
		}(i)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d got error: %v", i, err)
		}
		if results[i] != "value" {
			t.Errorf("caller %d got %q, want %q", i, results[i], "value")
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		calls.Add(1)
		return 1, nil
	}

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			g.Do(key, fn)
		}(key)
	}

	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestLateWaiterReceivesPublishedResult(t *testing.T) {
	var g Group[int, string]

	val, err := g.Do(1, func() (string, error) {
		return "first", nil
	})
	if err != nil || val != "first" {
		t.Fatalf("first call: val=%q err=%v", val, err)
	}

	val2, err := g.Do(1, func() (string, error) {
		t.Error("second call should not execute fn")
		return "second", nil
	})
	if err != nil {
		t.Errorf("second call: %v", err)
	}
	if val2 != "first" {
		t.Errorf("second call got %q, want cached %q", val2, "first")
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, string]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err1 = g.Do(1, func() (string, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return "", sentinel
		})
	}()
	<-started

	_, err2 = g.Do(1, func() (string, error) {
		t.Error("should not execute")
		return "", nil
	})
	wg.Wait()

	if !errors.Is(err1, sentinel) {
		t.Errorf("caller 1: got %v, want %v", err1, sentinel)
	}
	if !errors.Is(err2, sentinel) {
		t.Errorf("caller 2: got %v, want %v", err2, sentinel)
	}
}

func TestPublished(t *testing.T) {
	var g Group[int, string]

	if _, ok := g.Published(1); ok {
		t.Error("Published should report false before any Do")
	}

	g.Do(1, func() (string, error) { return "done", nil })

	val, ok := g.Published(1)
	if !ok || val != "done" {
		t.Errorf("Published(1) = %q, %v; want %q, true", val, ok, "done")
	}
}
