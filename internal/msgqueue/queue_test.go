package msgqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDequeueReturnsBufferedValue(t *testing.T) {
	q := New[int]()
	q.Enqueue(7)
	q.Enqueue(8)

	v, err := q.Dequeue(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Dequeue returned error: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	v, err = q.Dequeue(context.Background(), time.Second)
	if err != nil || v != 8 {
		t.Fatalf("expected 8/nil, got %d/%v", v, err)
	}
}

func TestDequeueHandOffToWaiter(t *testing.T) {
	q := New[string]()
	result := make(chan string, 1)
	go func() {
		v, err := q.Dequeue(context.Background(), 2*time.Second)
		if err != nil {
			result <- "err:" + err.Error()
			return
		}
		result <- v
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue("hello")

	select {
	case v := <-result:
		if v != "hello" {
			t.Fatalf("expected hello, got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never received value")
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New[int]()
	start := time.Now()
	_, err := q.Dequeue(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("dequeue returned before the timeout elapsed")
	}
}

func TestTimedOutWaiterNeverConsumesLaterValue(t *testing.T) {
	q := New[int]()
	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A value enqueued after the timeout must go to the next consumer.
	q.Enqueue(42)
	v, err := q.Dequeue(context.Background(), time.Second)
	if err != nil || v != 42 {
		t.Fatalf("expected 42/nil, got %d/%v", v, err)
	}
}

func TestEnqueueOnClosedQueueIsNoOp(t *testing.T) {
	q := New[int]()
	cause := errors.New("restarting")
	q.Close(cause)
	q.Enqueue(1)
	if q.Len() != 0 {
		t.Fatal("enqueue on closed queue buffered a value")
	}
	_, err := q.Dequeue(context.Background(), time.Second)
	if !errors.Is(err, cause) {
		t.Fatalf("expected close cause, got %v", err)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New[int]()
	cause := errors.New("browser closed")
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close(cause)

	select {
	case err := <-errCh:
		if !errors.Is(err, cause) {
			t.Fatalf("expected close cause, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}
}

func TestCloseKeepsFirstCause(t *testing.T) {
	q := New[int]()
	first := errors.New("first")
	q.Close(first)
	q.Close(errors.New("second"))
	_, err := q.Dequeue(context.Background(), time.Second)
	if !errors.Is(err, first) {
		t.Fatalf("expected first close cause, got %v", err)
	}
}

func TestDequeueHonorsContextCancel(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake the waiter")
	}
}
