// This file is a package-internal (same-package-as-link) copy of
// internal/faketwin's deterministic AmqpClient/AmqpSender/AmqpReceiver
// double. It exists because faketwin imports this package to reference its
// exported interface and message types, so link's own internal ("package
// link") tests cannot import faketwin without creating an import cycle.
// cmd/twin-demo still uses the internal/faketwin package directly.
package link

import (
	"context"
	"sync"
)

// faketwinCreateSenderFunc lets a test control exactly what a CreateSender
// call resolves to.
type faketwinCreateSenderFunc func(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpSender, error)

// faketwinCreateReceiverFunc lets a test control exactly what a
// CreateReceiver call resolves to.
type faketwinCreateReceiverFunc func(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpReceiver, error)

// faketwinClient is a fake AmqpClient. With nothing scripted, every attach
// succeeds with a fresh sender or receiver; tests set
// CreateSenderFn/CreateReceiverFn or use the Queue* helpers to script
// per-call behavior.
type faketwinClient struct {
	mu sync.Mutex

	CreateSenderFn   faketwinCreateSenderFunc
	CreateReceiverFn faketwinCreateReceiverFunc

	clientErrListeners []func(error)

	senderQueue   []func() (AmqpSender, error)
	receiverQueue []func() (AmqpReceiver, error)
}

// newFaketwinClient returns an empty fake client.
func newFaketwinClient() *faketwinClient { return &faketwinClient{} }

// QueueSender appends a scripted CreateSender outcome, consumed FIFO ahead
// of CreateSenderFn.
func (c *faketwinClient) QueueSender(sender AmqpSender, err error) {
	c.mu.Lock()
	c.senderQueue = append(c.senderQueue, func() (AmqpSender, error) { return sender, err })
	c.mu.Unlock()
}

// QueueReceiver appends a scripted CreateReceiver outcome, consumed FIFO
// ahead of CreateReceiverFn.
func (c *faketwinClient) QueueReceiver(receiver AmqpReceiver, err error) {
	c.mu.Lock()
	c.receiverQueue = append(c.receiverQueue, func() (AmqpReceiver, error) { return receiver, err })
	c.mu.Unlock()
}

// CreateSender implements AmqpClient.
func (c *faketwinClient) CreateSender(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpSender, error) {
	c.mu.Lock()
	if len(c.senderQueue) > 0 {
		fn := c.senderQueue[0]
		c.senderQueue = c.senderQueue[1:]
		c.mu.Unlock()
		return fn()
	}
	fn := c.CreateSenderFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, address, opts)
	}
	return newFaketwinSender(), nil
}

// CreateReceiver implements AmqpClient.
func (c *faketwinClient) CreateReceiver(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpReceiver, error) {
	c.mu.Lock()
	if len(c.receiverQueue) > 0 {
		fn := c.receiverQueue[0]
		c.receiverQueue = c.receiverQueue[1:]
		c.mu.Unlock()
		return fn()
	}
	fn := c.CreateReceiverFn
	c.mu.Unlock()
	if fn != nil {
		return fn(ctx, address, opts)
	}
	return newFaketwinReceiver(), nil
}

// OnClientError implements AmqpClient.
func (c *faketwinClient) OnClientError(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.clientErrListeners = append(c.clientErrListeners, handler)
	idx := len(c.clientErrListeners) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if idx < len(c.clientErrListeners) {
			c.clientErrListeners[idx] = nil
		}
		c.mu.Unlock()
	}
}

// EmitClientError fires every registered OnClientError listener, letting a
// test simulate a connection-level error arriving mid-attach.
func (c *faketwinClient) EmitClientError(err error) {
	c.mu.Lock()
	listeners := make([]func(error), 0, len(c.clientErrListeners))
	for _, l := range c.clientErrListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

// faketwinSender is a fake AmqpSender recording every message handed to it.
type faketwinSender struct {
	mu sync.Mutex

	SendFn func(ctx context.Context, msg *AmqpMessage) (Disposition, error)

	Sent []*AmqpMessage

	detachedListeners []func(error)
	errListeners      []func(error)
	forceDetached     bool
}

// newFaketwinSender returns a Sender whose Send always succeeds unless
// SendFn is set.
func newFaketwinSender() *faketwinSender { return &faketwinSender{} }

// Send implements AmqpSender.
func (s *faketwinSender) Send(ctx context.Context, msg *AmqpMessage) (Disposition, error) {
	s.mu.Lock()
	s.Sent = append(s.Sent, msg.Copy())
	fn := s.SendFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return Disposition{Kind: MessageEnqueued, State: LinkAttached}, nil
}

// ForceDetach implements AmqpSender.
func (s *faketwinSender) ForceDetach() {
	s.mu.Lock()
	s.forceDetached = true
	s.mu.Unlock()
}

// ForceDetached reports whether ForceDetach was called.
func (s *faketwinSender) ForceDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceDetached
}

// OnDetached implements AmqpSender.
func (s *faketwinSender) OnDetached(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	s.detachedListeners = append(s.detachedListeners, handler)
	idx := len(s.detachedListeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.detachedListeners) {
			s.detachedListeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

// SimulatePeerDetach fires every OnDetached listener, letting a test
// simulate the remote peer tearing the link down.
func (s *faketwinSender) SimulatePeerDetach(cause error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.detachedListeners))
	for _, l := range s.detachedListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(cause)
	}
}

// OnErrorReceived implements AmqpSender.
func (s *faketwinSender) OnErrorReceived(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	s.errListeners = append(s.errListeners, handler)
	idx := len(s.errListeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.errListeners) {
			s.errListeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

// SimulateError fires every OnErrorReceived listener.
func (s *faketwinSender) SimulateError(err error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.errListeners))
	for _, l := range s.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}

// faketwinReceiver is a fake AmqpReceiver a test drives by calling Deliver.
type faketwinReceiver struct {
	mu sync.Mutex

	Accepted  []*AmqpMessage
	Rejected  []*AmqpMessage
	Abandoned []*AmqpMessage

	msgListeners      []func(*AmqpMessage)
	detachedListeners []func(error)
	errListeners      []func(error)
	forceDetached     bool
}

// newFaketwinReceiver returns an empty Receiver.
func newFaketwinReceiver() *faketwinReceiver { return &faketwinReceiver{} }

// Deliver simulates an inbound frame reaching every registered handler.
func (r *faketwinReceiver) Deliver(msg *AmqpMessage) {
	r.mu.Lock()
	listeners := make([]func(*AmqpMessage), 0, len(r.msgListeners))
	for _, l := range r.msgListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l(msg)
	}
}

// Accept implements AmqpReceiver.
func (r *faketwinReceiver) Accept(msg *AmqpMessage) error {
	r.mu.Lock()
	r.Accepted = append(r.Accepted, msg.Copy())
	r.mu.Unlock()
	return nil
}

// Reject implements AmqpReceiver.
func (r *faketwinReceiver) Reject(msg *AmqpMessage, cause error) error {
	r.mu.Lock()
	r.Rejected = append(r.Rejected, msg.Copy())
	r.mu.Unlock()
	return nil
}

// Abandon implements AmqpReceiver.
func (r *faketwinReceiver) Abandon(msg *AmqpMessage) error {
	r.mu.Lock()
	r.Abandoned = append(r.Abandoned, msg.Copy())
	r.mu.Unlock()
	return nil
}

// ForceDetach implements AmqpReceiver.
func (r *faketwinReceiver) ForceDetach() {
	r.mu.Lock()
	r.forceDetached = true
	r.mu.Unlock()
}

// ForceDetached reports whether ForceDetach was called.
func (r *faketwinReceiver) ForceDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceDetached
}

// OnMessage implements AmqpReceiver.
func (r *faketwinReceiver) OnMessage(handler func(*AmqpMessage)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.msgListeners = append(r.msgListeners, handler)
	idx := len(r.msgListeners) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if idx < len(r.msgListeners) {
			r.msgListeners[idx] = nil
		}
		r.mu.Unlock()
	}
}

// OnDetached implements AmqpReceiver.
func (r *faketwinReceiver) OnDetached(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	r.detachedListeners = append(r.detachedListeners, handler)
	idx := len(r.detachedListeners) - 1
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if idx < len(r.detachedListeners) {
			r.detachedListeners[idx] = nil
		}
		r.mu.Unlock()
	}
}

// SimulatePeerDetach fires every OnDetached listener.
func (r *faketwinReceiver) SimulatePeerDetach(cause error) {
	r.mu.Lock()
	listeners := make([]func(error), 0, len(r.detachedListeners))
	for _, l := range r.detachedListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l(cause)
	}
}

// OnErrorReceived implements AmqpReceiver.
func (r *faketwinReceiver) OnErrorReceived(handler func(error)) (unsubscribe func()) {
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

// SimulateError fires every OnErrorReceived listener.
func (r *faketwinReceiver) SimulateError(err error) {
	r.mu.Lock()
	listeners := make([]func(error), 0, len(r.errListeners))
	for _, l := range r.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()
	for _, l := range listeners {
		l(err)
	}
}
