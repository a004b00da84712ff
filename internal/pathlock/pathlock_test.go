package pathlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquire_Exclusive(t *testing.T) {
	l := New(time.Second)

	release, err := l.Acquire(context.Background(), "/tmp/a.txt")
	if err != nil {
		t.Fatal(err)
	}

	acquired := make(chan struct{})
	go func() {
		r2, err := l.Acquire(context.Background(), "/tmp/a.txt")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		r2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never proceeded after release")
	}
}

func TestAcquire_TimesOut(t *testing.T) {
	l := New(50 * time.Millisecond)

	release, err := l.Acquire(context.Background(), "/tmp/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = l.Acquire(context.Background(), "/tmp/b.txt")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
}

func TestAcquire_DistinctPathsDoNotContend(t *testing.T) {
	l := New(time.Second)

	r1, err := l.Acquire(context.Background(), "/tmp/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Acquire(context.Background(), "/tmp/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	r1()
	r2()
}

func TestAcquire_EquivalentPathsContend(t *testing.T) {
	l := New(50 * time.Millisecond)

	release, err := l.Acquire(context.Background(), "/tmp/dir/../c.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if _, err := l.Acquire(context.Background(), "/tmp/c.txt"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("err = %v, want ErrLockTimeout for cleaned-path alias", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(time.Second)

	release, err := l.Acquire(context.Background(), "/tmp/d.txt")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	r2, err := l.Acquire(context.Background(), "/tmp/d.txt")
	if err != nil {
		t.Fatal(err)
	}
	r2()
}

func TestAcquire_ManyWaiters(t *testing.T) {
	l := New(2 * time.Second)

	var mu sync.Mutex
	active := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "/tmp/e.txt")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak)
	}
}
