// Package faketwin is a deterministic, in-process double for the
// link.AmqpClient/AmqpSender/AmqpReceiver collaborator, playing the same
// role for this module's tests that fakeamps plays for the teacher's: a
// controllable stand-in for the real transport rather than a network
// fixture, since the AMQP client here is an in-process interface rather
// than a wire protocol.
package faketwin

import (
	"context"
	"sync"

	"github.com/deviceiot/twinlink/link"
)

// CreateSenderFunc lets a test control exactly what a CreateSender call
// resolves to.
type CreateSenderFunc func(ctx context.Context, address link.LinkAddress, opts link.LinkOptions) (link.AmqpSender, error)

// CreateReceiverFunc lets a test control exactly what a CreateReceiver
// call resolves to.
type CreateReceiverFunc func(ctx context.Context, address link.LinkAddress, opts link.LinkOptions) (link.AmqpReceiver, error)

// Client is a fake link.AmqpClient. With nothing scripted, every attach
// succeeds with a fresh Sender or Receiver; tests set
// CreateSenderFn/CreateReceiverFn or use the Queue* helpers to script
// per-call behavior.
type Client struct {
	mu sync.Mutex

	CreateSenderFn   CreateSenderFunc
	CreateReceiverFn CreateReceiverFunc

	clientErrListeners []func(error)

	senderQueue   []func() (link.AmqpSender, error)
	receiverQueue []func() (link.AmqpReceiver, error)
}

// NewClient returns an empty fake client.
func NewClient() *Client { return &Client{} }

// QueueSender appends a scripted CreateSender outcome, consumed FIFO ahead
// of CreateSenderFn.
func (c *Client) QueueSender(sender link.AmqpSender, err error) {
	c.mu.Lock()
	c.senderQueue = append(c.senderQueue, func() (link.AmqpSender, error) { return sender, err })
	c.mu.Unlock()
}

// QueueReceiver appends a scripted CreateReceiver outcome, consumed FIFO
// ahead of CreateReceiverFn.
func (c *Client) QueueReceiver(receiver link.AmqpReceiver, err error) {
	c.mu.Lock()
	c.receiverQueue = append(c.receiverQueue, func() (link.AmqpReceiver, error) { return receiver, err })
	c.mu.Unlock()
}

// CreateSender implements link.AmqpClient.
func (c *Client) CreateSender(ctx context.Context, address link.LinkAddress, opts link.LinkOptions) (link.AmqpSender, error) {
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
	return NewSender(), nil
}

// CreateReceiver implements link.AmqpClient.
func (c *Client) CreateReceiver(ctx context.Context, address link.LinkAddress, opts link.LinkOptions) (link.AmqpReceiver, error) {
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
	return NewReceiver(), nil
}

// OnClientError implements link.AmqpClient.
func (c *Client) OnClientError(handler func(error)) (unsubscribe func()) {
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
func (c *Client) EmitClientError(err error) {
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

// Sender is a fake link.AmqpSender recording every message handed to it.
type Sender struct {
	mu sync.Mutex

	SendFn func(ctx context.Context, msg *link.AmqpMessage) (link.Disposition, error)

	Sent []*link.AmqpMessage

	detachedListeners []func(error)
	errListeners      []func(error)
	forceDetached     bool
}

// NewSender returns a Sender whose Send always succeeds unless SendFn is
// set.
func NewSender() *Sender { return &Sender{} }

// Send implements link.AmqpSender.
func (s *Sender) Send(ctx context.Context, msg *link.AmqpMessage) (link.Disposition, error) {
	s.mu.Lock()
	s.Sent = append(s.Sent, msg.Copy())
	fn := s.SendFn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, msg)
	}
	return link.Disposition{Kind: link.MessageEnqueued, State: link.LinkAttached}, nil
}

// ForceDetach implements link.AmqpSender.
func (s *Sender) ForceDetach() {
	s.mu.Lock()
	s.forceDetached = true
	s.mu.Unlock()
}

// ForceDetached reports whether ForceDetach was called.
func (s *Sender) ForceDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceDetached
}

// OnDetached implements link.AmqpSender.
func (s *Sender) OnDetached(handler func(error)) (unsubscribe func()) {
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
func (s *Sender) SimulatePeerDetach(cause error) {
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

// OnErrorReceived implements link.AmqpSender.
func (s *Sender) OnErrorReceived(handler func(error)) (unsubscribe func()) {
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
func (s *Sender) SimulateError(err error) {
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

// Receiver is a fake link.AmqpReceiver a test drives by calling Deliver.
type Receiver struct {
	mu sync.Mutex

	Accepted  []*link.AmqpMessage
	Rejected  []*link.AmqpMessage
	Abandoned []*link.AmqpMessage

	msgListeners      []func(*link.AmqpMessage)
	detachedListeners []func(error)
	errListeners      []func(error)
	forceDetached     bool
}

// NewReceiver returns an empty Receiver.
func NewReceiver() *Receiver { return &Receiver{} }

// Deliver simulates an inbound frame reaching every registered handler.
func (r *Receiver) Deliver(msg *link.AmqpMessage) {
	r.mu.Lock()
	listeners := make([]func(*link.AmqpMessage), 0, len(r.msgListeners))
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

// Accept implements link.AmqpReceiver.
func (r *Receiver) Accept(msg *link.AmqpMessage) error {
	r.mu.Lock()
	r.Accepted = append(r.Accepted, msg.Copy())
	r.mu.Unlock()
	return nil
}

// Reject implements link.AmqpReceiver.
func (r *Receiver) Reject(msg *link.AmqpMessage, cause error) error {
	r.mu.Lock()
	r.Rejected = append(r.Rejected, msg.Copy())
	r.mu.Unlock()
	return nil
}

// Abandon implements link.AmqpReceiver.
func (r *Receiver) Abandon(msg *link.AmqpMessage) error {
	r.mu.Lock()
	r.Abandoned = append(r.Abandoned, msg.Copy())
	r.mu.Unlock()
	return nil
}

// ForceDetach implements link.AmqpReceiver.
func (r *Receiver) ForceDetach() {
	r.mu.Lock()
	r.forceDetached = true
	r.mu.Unlock()
}

// ForceDetached reports whether ForceDetach was called.
func (r *Receiver) ForceDetached() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forceDetached
}

// OnMessage implements link.AmqpReceiver.
func (r *Receiver) OnMessage(handler func(*link.AmqpMessage)) (unsubscribe func()) {
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

// OnDetached implements link.AmqpReceiver.
func (r *Receiver) OnDetached(handler func(error)) (unsubscribe func()) {
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
func (r *Receiver) SimulatePeerDetach(cause error) {
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

// OnErrorReceived implements link.AmqpReceiver.
func (r *Receiver) OnErrorReceived(handler func(error)) (unsubscribe func()) {
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
func (r *Receiver) SimulateError(err error) {
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
