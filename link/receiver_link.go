package link

import (
	"context"
	"fmt"
	"sync"
)

// ReceiverLink wraps one inbound AMQP link. Unlike SenderLink it attaches
// lazily: the underlying link is created only once a message handler is
// registered, and torn down once the last one is removed.
type ReceiverLink struct {
	mu sync.Mutex

	client  AmqpClient
	address LinkAddress
	opts    LinkOptions

	state      LinkState
	receiver   AmqpReceiver
	attachDone func(error)
	deferred   []deferredOp

	msgListeners    []func(*AmqpMessage)
	errListeners    []func(error)
	detachListeners []func(error)

	unsubMessage  func()
	unsubDetached func()
	unsubErrRecv  func()
}

// NewReceiverLink returns a ReceiverLink in LinkDetached.
func NewReceiverLink(client AmqpClient, address LinkAddress, opts LinkOptions) *ReceiverLink {
	return &ReceiverLink{
		client:  client,
		address: address,
		opts:    opts,
	}
}

// State reports the current FSM state.
func (r *ReceiverLink) State() LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// OnMessage registers a handler for every inbound message once attached.
// Registering the first handler on a detached link triggers an attach.
func (r *ReceiverLink) OnMessage(handler func(*AmqpMessage)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.msgListeners = append(r.msgListeners, handler)
	idx := len(r.msgListeners) - 1
	shouldAttach := r.state == LinkDetached
	r.mu.Unlock()

	if shouldAttach {
		r.Attach(nil)
	}

	return func() {
		r.mu.Lock()
		if idx < len(r.msgListeners) {
			r.msgListeners[idx] = nil
		}
		remaining := 0
		for _, l := range r.msgListeners {
			if l != nil {
				remaining++
			}
		}
		shouldDetach := remaining == 0 && r.state == LinkAttached
		r.mu.Unlock()
		if shouldDetach {
			r.Detach()
		}
	}
}

// OnError subscribes to asynchronous link-level errors.
func (r *ReceiverLink) OnError(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.errListeners = append(r.errListeners, handler)
	idx := len(r.errListeners) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if idx < len(r.errListeners) {
			r.errListeners[idx] = nil
		}
		r.mu.Unlock()
	}
}

// OnDetached fires every time the link finishes tearing down and reaches
// LinkDetached, whether from an explicit Detach or a peer-initiated detach.
func (r *ReceiverLink) OnDetached(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.detachListeners = append(r.detachListeners, handler)
	idx := len(r.detachListeners) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if idx < len(r.detachListeners) {
			r.detachListeners[idx] = nil
		}
		r.mu.Unlock()
	}
}

func (r *ReceiverLink) emitDetached(cause error) {
	r.mu.Lock()
	listeners := make([]func(error), 0, len(r.detachListeners))
	for _, l := range r.detachListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(cause)
	}
}

func (r *ReceiverLink) emitMessage(msg *AmqpMessage) {
	r.mu.Lock()
	listeners := make([]func(*AmqpMessage), 0, len(r.msgListeners))
	for _, l := range r.msgListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(msg.Copy())
	}
}

func (r *ReceiverLink) emitError(err error) {
	r.mu.Lock()
	listeners := make([]func(error), 0, len(r.errListeners))
	for _, l := range r.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(err)
	}
}

// Attach requests the link move to LinkAttached, invoking done exactly once.
func (r *ReceiverLink) Attach(done func(error)) {
	r.mu.Lock()
	r.attachLocked(done)
	r.mu.Unlock()
}

func (r *ReceiverLink) attachLocked(done func(error)) {
	switch r.state {
	case LinkDetached:
		r.attachDone = done
		r.enterAttachingLocked()
	case LinkAttaching:
		// Join the in-flight attach so done sees its outcome, success or failure.
		if done != nil {
			prev := r.attachDone
			r.attachDone = func(err error) {
				if prev != nil {
					prev(err)
				}
				done(err)
			}
		}
	case LinkAttached:
		if done != nil {
			go done(nil)
		}
	case LinkDetaching:
		r.deferred = append(r.deferred, deferredOp{waitFor: LinkDetached, fn: func() { r.attachLocked(done) }})
	}
}

// Detach requests the link move to LinkDetached.
func (r *ReceiverLink) Detach() {
	r.mu.Lock()
	r.detachLocked()
	r.mu.Unlock()
}

func (r *ReceiverLink) detachLocked() {
	switch r.state {
	case LinkDetached:
	case LinkAttaching:
		r.deferred = append(r.deferred, deferredOp{waitFor: LinkAttached, fn: func() { r.detachLocked() }})
	case LinkAttached:
		r.enterDetachingLocked(nil)
	case LinkDetaching:
	}
}

// Accept settles msg successfully. Valid only in LinkAttached.
func (r *ReceiverLink) Accept(msg *AmqpMessage) (Disposition, error) {
	return r.settle(msg, func(receiver AmqpReceiver) error { return receiver.Accept(msg) }, MessageCompleted)
}

// Reject settles msg as rejected with cause. Valid only in LinkAttached.
func (r *ReceiverLink) Reject(msg *AmqpMessage, cause error) (Disposition, error) {
	return r.settle(msg, func(receiver AmqpReceiver) error { return receiver.Reject(msg, cause) }, MessageRejected)
}

// Abandon releases msg for redelivery. Valid only in LinkAttached.
func (r *ReceiverLink) Abandon(msg *AmqpMessage) (Disposition, error) {
	return r.settle(msg, func(receiver AmqpReceiver) error { return receiver.Abandon(msg) }, MessageAbandoned)
}

func (r *ReceiverLink) settle(msg *AmqpMessage, do func(AmqpReceiver) error, kind DispositionKind) (Disposition, error) {
	r.mu.Lock()
	if r.state != LinkAttached {
		r.mu.Unlock()
		return Disposition{}, NewError(KindNotConnected, fmt.Errorf("receiver link is not attached"))
	}
	receiver := r.receiver
	r.mu.Unlock()

	if err := do(receiver); err != nil {
		return Disposition{}, err
	}
	return Disposition{Kind: kind, State: LinkAttached}, nil
}

func (r *ReceiverLink) enterAttachingLocked() {
	r.state = LinkAttaching
	client := r.client
	address := r.address
	opts := r.opts.Clone()
	go r.performAttach(client, address, opts)
}

func (r *ReceiverLink) performAttach(client AmqpClient, address LinkAddress, opts LinkOptions) {
	connErrCh := make(chan error, 1)
	unsubscribe := client.OnClientError(func(err error) {
		select {
		case connErrCh <- err:
		default:
		}
	})

	receiver, createErr := client.CreateReceiver(context.Background(), address, opts)
	unsubscribe()

	var connErr error
	select {
	case connErr = <-connErrCh:
	default:
	}

	r.mu.Lock()
	if createErr != nil {
		cause := connErr
		if cause == nil {
			cause = createErr
		}
		r.enterDetachingLocked(cause)
	} else {
		r.receiver = receiver
		r.enterAttachedLocked()
	}
	done := r.attachDone
	r.attachDone = nil
	r.mu.Unlock()

	if done != nil {
		go done(createErr)
	}
}

func (r *ReceiverLink) enterAttachedLocked() {
	r.state = LinkAttached
	receiver := r.receiver
	r.unsubMessage = receiver.OnMessage(func(msg *AmqpMessage) { r.emitMessage(msg) })
	r.unsubDetached = receiver.OnDetached(func(err error) { r.handlePeerDetached(err) })
	r.unsubErrRecv = receiver.OnErrorReceived(func(err error) { r.emitError(err) })
	r.drainDeferredLocked(LinkAttached)
}

func (r *ReceiverLink) enterDetachingLocked(cause error) {
	r.state = LinkDetaching
	receiver := r.receiver
	r.receiver = nil
	unsubMessage := r.unsubMessage
	unsubDetached := r.unsubDetached
	unsubErrRecv := r.unsubErrRecv
	r.unsubMessage = nil
	r.unsubDetached = nil
	r.unsubErrRecv = nil

	go func() {
		if unsubMessage != nil {
			unsubMessage()
		}
		if unsubDetached != nil {
			unsubDetached()
		}
		if unsubErrRecv != nil {
			unsubErrRecv()
		}
		if receiver != nil {
			receiver.ForceDetach()
		}
		r.mu.Lock()
		r.enterDetachedLocked(cause)
		r.mu.Unlock()
	}()
}

func (r *ReceiverLink) enterDetachedLocked(cause error) {
	r.state = LinkDetached
	r.receiver = nil
	r.drainDeferredLocked(LinkDetached)
	go r.emitDetached(cause)
}

func (r *ReceiverLink) drainDeferredLocked(state LinkState) {
	if len(r.deferred) == 0 {
		return
	}
	remaining := make([]deferredOp, 0, len(r.deferred))
	var ready []func()
	for _, d := range r.deferred {
		if d.waitFor == state {
			ready = append(ready, d.fn)
		} else {
			remaining = append(remaining, d)
		}
	}
	r.deferred = remaining
	for _, fn := range ready {
		fn()
	}
}

func (r *ReceiverLink) handlePeerDetached(cause error) {
	r.mu.Lock()
	if r.state == LinkAttached {
		r.enterDetachingLocked(cause)
	}
	r.mu.Unlock()
}
