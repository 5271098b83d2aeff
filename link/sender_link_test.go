package link

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSenderLinkSendBeforeAttachSelfAttachesAndDelivers(t *testing.T) {
	client := newFaketwinClient()
	sender := NewSenderLink(client, "/devices/d1/messages/events", LinkOptions{})

	var mu sync.Mutex
	var gotDisp Disposition
	var gotErr error
	done := make(chan struct{})

	sender.Send(NewAmqpMessage("hello"), func(disp Disposition, err error) {
		mu.Lock()
		gotDisp, gotErr = disp, err
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotErr != nil {
		t.Fatalf("expected no error, got %v", gotErr)
	}
	if gotDisp.Kind != MessageEnqueued {
		t.Fatalf("expected MessageEnqueued, got %v", gotDisp.Kind)
	}
	waitFor(t, time.Second, func() bool { return sender.State() == LinkAttached })
}

func TestSenderLinkAttachFailureFailsQueuedSendsWithCause(t *testing.T) {
	client := newFaketwinClient()
	fakeErr := errors.New("fake create sender error")
	client.CreateSenderFn = func(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpSender, error) {
		return nil, fakeErr
	}
	sender := NewSenderLink(client, "$cbs", LinkOptions{})

	results := make(chan error, 2)
	sender.Send(NewAmqpMessage("a"), func(_ Disposition, err error) { results <- err })
	sender.Send(NewAmqpMessage("b"), func(_ Disposition, err error) { results <- err })

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				t.Fatal("expected an error")
			}
			var linkErr *Error
			if !errors.As(err, &linkErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if linkErr.Kind() != KindLinkDetached {
				t.Fatalf("expected KindLinkDetached, got %v", linkErr.Kind())
			}
			if !errors.Is(err, fakeErr) {
				t.Fatalf("expected wrapped cause %v, got %v", fakeErr, err)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for failure callback")
		}
	}
	waitFor(t, time.Second, func() bool { return sender.State() == LinkDetached })
}

func TestSenderLinkDrainsQueueInFIFOOrder(t *testing.T) {
	client := newFaketwinClient()
	fakeSender := newFaketwinSender()
	client.QueueSender(fakeSender, nil)
	sender := NewSenderLink(client, "/devices/d1/messages/events", LinkOptions{})

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		body := string(rune('a' + i))
		sender.Send(NewAmqpMessage(body), func(_ Disposition, _ error) { wg.Done() })
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sends never completed")
	}

	if len(fakeSender.Sent) != n {
		t.Fatalf("expected %d sends, got %d", n, len(fakeSender.Sent))
	}
	for i, msg := range fakeSender.Sent {
		want := string(rune('a' + i))
		if string(msg.Body) != want {
			t.Fatalf("send %d out of order: want %q got %q", i, want, string(msg.Body))
		}
	}
}

func TestSenderLinkDetachReturnsToDetached(t *testing.T) {
	client := newFaketwinClient()
	fakeSender := newFaketwinSender()
	client.QueueSender(fakeSender, nil)
	sender := NewSenderLink(client, "/devices/d1/messages/events", LinkOptions{})

	attached := make(chan struct{})
	sender.Attach(func(err error) {
		if err != nil {
			t.Errorf("attach failed: %v", err)
		}
		close(attached)
	})
	<-attached

	sender.Detach()
	waitFor(t, time.Second, func() bool { return sender.State() == LinkDetached })
}

func TestSenderLinkOnErrorReemitsLinkError(t *testing.T) {
	client := newFaketwinClient()
	fakeSender := newFaketwinSender()
	client.QueueSender(fakeSender, nil)
	sender := NewSenderLink(client, "/devices/d1/messages/events", LinkOptions{})

	errCh := make(chan error, 1)
	sender.OnError(func(err error) { errCh <- err })

	attached := make(chan struct{})
	sender.Attach(func(error) { close(attached) })
	<-attached

	boom := errors.New("boom")
	fakeSender.SimulateError(boom)

	select {
	case got := <-errCh:
		if !errors.Is(got, boom) && got != boom {
			t.Fatalf("expected %v, got %v", boom, got)
		}
	case <-time.After(time.Second):
		t.Fatal("error was never re-emitted")
	}
}
