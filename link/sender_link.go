package link

import (
	"context"
	"fmt"
	"sync"
)

// LinkState is one of the four states a SenderLink or ReceiverLink occupies.
type LinkState int

const (
	// LinkDetached: no underlying link object exists.
	LinkDetached LinkState = iota
	// LinkAttaching: an attach is in flight with the AmqpClient.
	LinkAttaching
	// LinkAttached: the underlying link object exists and is usable.
	LinkAttached
	// LinkDetaching: a detach (explicit, peer-initiated, or attach-failure
	// recovery) is in flight.
	LinkDetaching
)

func (s LinkState) String() string {
	switch s {
	case LinkDetached:
		return "Detached"
	case LinkAttaching:
		return "Attaching"
	case LinkAttached:
		return "Attached"
	case LinkDetaching:
		return "Detaching"
	default:
		return "Unknown"
	}
}

type outboundRequest struct {
	msg    *AmqpMessage
	done   func(Disposition, error)
	seq    uint64
	hasSeq bool
}

type deferredOp struct {
	waitFor LinkState
	fn      func()
}

type senderSendJob struct {
	sender AmqpSender
	req    outboundRequest
}

// SenderLink wraps one outbound AMQP link. Sends issued before attach
// completes are queued and drained in FIFO order once attached; attach
// failure fails every queued send with the failure's cause rather than a
// generic error, so callers see the real reason a send never went out.
type SenderLink struct {
	mu sync.Mutex

	client  AmqpClient
	address LinkAddress
	opts    LinkOptions
	outbox  Outbox

	state      LinkState
	sender     AmqpSender
	attachDone func(error)
	attachErr  error
	queue      []outboundRequest
	deferred   []deferredOp

	unsubDetached func()
	unsubErrRecv  func()

	errListeners    []func(error)
	detachListeners []func(error)

	dispatchMu    sync.Mutex
	dispatchCond  *sync.Cond
	dispatchQueue []senderSendJob
	dispatchDone  bool
}

// SenderLinkOption configures a SenderLink at construction time.
type SenderLinkOption func(*SenderLink)

// WithSenderOutbox attaches a durable Outbox: every accepted Send is stored
// before being handed to the AMQP link, and discarded once its disposition
// is known. Any entries left over from a previous process are replayed,
// oldest first, ahead of newly queued sends.
func WithSenderOutbox(outbox Outbox) SenderLinkOption {
	return func(s *SenderLink) { s.outbox = outbox }
}

// NewSenderLink returns a SenderLink in LinkDetached, ready to Attach or
// Send (which self-attaches).
func NewSenderLink(client AmqpClient, address LinkAddress, opts LinkOptions, options ...SenderLinkOption) *SenderLink {
	s := &SenderLink{
		client:  client,
		address: address,
		opts:    opts,
	}
	s.dispatchCond = sync.NewCond(&s.dispatchMu)
	for _, opt := range options {
		opt(s)
	}
	if s.outbox != nil {
		_ = s.outbox.Replay(func(seq uint64, msg *AmqpMessage) error {
			s.queue = append(s.queue, outboundRequest{msg: msg, seq: seq, hasSeq: true})
			return nil
		})
	}
	go s.dispatchLoop()
	return s
}

// State reports the current FSM state.
func (s *SenderLink) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnError subscribes to asynchronous link-level errors re-emitted from the
// underlying AmqpSender's errorReceived stream.
func (s *SenderLink) OnError(handler func(error)) (unsubscribe func()) {
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

// OnDetached fires every time the link finishes tearing down and reaches
// LinkDetached, whether from an explicit Detach, an attach failure, or a
// peer-initiated detach. cause is nil for a clean explicit detach.
func (s *SenderLink) OnDetached(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	s.detachListeners = append(s.detachListeners, handler)
	idx := len(s.detachListeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.detachListeners) {
			s.detachListeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

func (s *SenderLink) emitDetached(cause error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.detachListeners))
	for _, l := range s.detachListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(cause)
	}
}

func (s *SenderLink) emitError(err error) {
	s.mu.Lock()
	listeners := make([]func(error), 0, len(s.errListeners))
	for _, l := range s.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(err)
	}
}

// Attach requests the link move to LinkAttached, invoking done exactly once
// with the outcome. done may be nil.
func (s *SenderLink) Attach(done func(error)) {
	s.mu.Lock()
	s.attachLocked(done)
	s.mu.Unlock()
}

func (s *SenderLink) attachLocked(done func(error)) {
	switch s.state {
	case LinkDetached:
		s.attachDone = done
		s.enterAttachingLocked()
	case LinkAttaching:
		// Join the in-flight attach so done sees its outcome, success or failure.
		if done != nil {
			prev := s.attachDone
			s.attachDone = func(err error) {
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
		s.deferred = append(s.deferred, deferredOp{waitFor: LinkDetached, fn: func() { s.attachLocked(done) }})
	}
}

// Detach requests the link move to LinkDetached. Any queued sends
// discovered on entry to LinkDetached fail with the detach cause.
func (s *SenderLink) Detach() {
	s.mu.Lock()
	s.detachLocked()
	s.mu.Unlock()
}

func (s *SenderLink) detachLocked() {
	switch s.state {
	case LinkDetached:
		// no-op
	case LinkAttaching:
		s.deferred = append(s.deferred, deferredOp{waitFor: LinkAttached, fn: func() { s.detachLocked() }})
	case LinkAttached:
		s.enterDetachingLocked(nil)
	case LinkDetaching:
		// already tearing down
	}
}

// Send enqueues msg for delivery. Exactly one of done's outcomes fires,
// regardless of attach/detach interleaving: MessageEnqueued on success, or
// an error carrying the real cause (attach failure, detach, or a rejected
// disposition).
func (s *SenderLink) Send(msg *AmqpMessage, done func(Disposition, error)) {
	s.mu.Lock()
	s.sendLocked(msg, done)
	s.mu.Unlock()
}

func (s *SenderLink) sendLocked(msg *AmqpMessage, done func(Disposition, error)) {
	switch s.state {
	case LinkDetached:
		s.enqueueLocked(msg, done)
		s.attachLocked(nil)
	case LinkAttaching:
		s.enqueueLocked(msg, done)
	case LinkAttached:
		s.enqueueDispatch(senderSendJob{sender: s.sender, req: outboundRequest{msg: msg, done: done}})
	case LinkDetaching:
		s.deferred = append(s.deferred, deferredOp{waitFor: LinkDetached, fn: func() { s.sendLocked(msg, done) }})
	}
}

func (s *SenderLink) enqueueLocked(msg *AmqpMessage, done func(Disposition, error)) {
	req := outboundRequest{msg: msg, done: done}
	if s.outbox != nil {
		if seq, err := s.outbox.Store(msg); err == nil {
			req.seq = seq
			req.hasSeq = true
		}
	}
	s.queue = append(s.queue, req)
}

func (s *SenderLink) enterAttachingLocked() {
	s.state = LinkAttaching
	client := s.client
	address := s.address
	opts := s.opts.Clone()
	go s.performAttach(client, address, opts)
}

func (s *SenderLink) performAttach(client AmqpClient, address LinkAddress, opts LinkOptions) {
	connErrCh := make(chan error, 1)
	unsubscribe := client.OnClientError(func(err error) {
		select {
		case connErrCh <- err:
		default:
		}
	})

	sender, createErr := client.CreateSender(context.Background(), address, opts)
	unsubscribe()

	var connErr error
	select {
	case connErr = <-connErrCh:
	default:
	}

	s.mu.Lock()
	if createErr != nil {
		cause := connErr
		if cause == nil {
			cause = createErr
		}
		s.enterDetachingLocked(cause)
	} else {
		s.sender = sender
		s.enterAttachedLocked()
	}
	done := s.attachDone
	s.attachDone = nil
	s.mu.Unlock()

	if done != nil {
		go done(createErr)
	}
}

func (s *SenderLink) enterAttachedLocked() {
	s.state = LinkAttached
	sender := s.sender
	s.unsubDetached = sender.OnDetached(func(err error) { s.handlePeerDetached(err) })
	s.unsubErrRecv = sender.OnErrorReceived(func(err error) { s.emitError(err) })

	queue := s.queue
	s.queue = nil
	for _, req := range queue {
		s.enqueueDispatch(senderSendJob{sender: sender, req: req})
	}
	s.drainDeferredLocked(LinkAttached)
}

func (s *SenderLink) enterDetachingLocked(cause error) {
	s.state = LinkDetaching
	sender := s.sender
	s.sender = nil
	unsubDetached := s.unsubDetached
	unsubErrRecv := s.unsubErrRecv
	s.unsubDetached = nil
	s.unsubErrRecv = nil

	go func() {
		if unsubDetached != nil {
			unsubDetached()
		}
		if unsubErrRecv != nil {
			unsubErrRecv()
		}
		if sender != nil {
			sender.ForceDetach()
		}
		s.mu.Lock()
		s.enterDetachedLocked(cause)
		s.mu.Unlock()
	}()
}

func (s *SenderLink) enterDetachedLocked(cause error) {
	s.state = LinkDetached
	s.sender = nil
	s.attachErr = cause

	pending := s.queue
	s.queue = nil

	failCause := cause
	if failCause == nil {
		failCause = fmt.Errorf("Link Detached")
	}
	failErr := linkDetachedError(failCause)
	for _, req := range pending {
		req := req
		if req.done != nil {
			go req.done(Disposition{}, failErr)
		}
	}
	s.drainDeferredLocked(LinkDetached)
	go s.emitDetached(cause)
}

func (s *SenderLink) drainDeferredLocked(state LinkState) {
	if len(s.deferred) == 0 {
		return
	}
	remaining := make([]deferredOp, 0, len(s.deferred))
	var ready []func()
	for _, d := range s.deferred {
		if d.waitFor == state {
			ready = append(ready, d.fn)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.deferred = remaining
	for _, fn := range ready {
		fn()
	}
}

func (s *SenderLink) handlePeerDetached(cause error) {
	s.mu.Lock()
	if s.state == LinkAttached {
		s.enterDetachingLocked(cause)
	}
	s.mu.Unlock()
}

// enqueueDispatch hands a job to the single dispatch goroutine, preserving
// strict FIFO submission order to the underlying AmqpSender regardless of
// whether the job came from a fresh Send or a queue drain. Never blocks and
// never performs I/O, so it is always safe to call while s.mu is held.
func (s *SenderLink) enqueueDispatch(job senderSendJob) {
	s.dispatchMu.Lock()
	s.dispatchQueue = append(s.dispatchQueue, job)
	s.dispatchMu.Unlock()
	s.dispatchCond.Signal()
}

func (s *SenderLink) dispatchLoop() {
	for {
		s.dispatchMu.Lock()
		for len(s.dispatchQueue) == 0 && !s.dispatchDone {
			s.dispatchCond.Wait()
		}
		if len(s.dispatchQueue) == 0 && s.dispatchDone {
			s.dispatchMu.Unlock()
			return
		}
		job := s.dispatchQueue[0]
		s.dispatchQueue = s.dispatchQueue[1:]
		s.dispatchMu.Unlock()

		disp, err := job.sender.Send(context.Background(), job.req.msg)
		if err == nil && s.outbox != nil && job.req.hasSeq {
			_ = s.outbox.DiscardUpTo(job.req.seq)
		}

		done := job.req.done
		if done == nil {
			continue
		}
		if err != nil {
			go done(Disposition{}, err)
		} else {
			_ = disp
			go done(NewMessageEnqueued(LinkAttached), nil)
		}
	}
}
