package link

import (
	"fmt"
	"sync"
	"time"
)

const (
	cbsPutTokenTimeout = 120 * time.Second
	cbsSweepInterval   = 10 * time.Second

	// cbsReplyTo is the reply-to address on every put-token request. Unlike
	// the "to" property, it carries no leading "$".
	cbsReplyTo = "cbs"
)

type pendingPutToken struct {
	correlationID string
	deadline      time.Time
	done          func(error)
}

// CbsAgent refreshes SAS/authorization tokens over the $cbs node. It
// composes one SenderLink and one ReceiverLink bound to the same address,
// attaching them concurrently and demultiplexing put-token responses by
// message correlation id.
type CbsAgent struct {
	mu    sync.Mutex
	state LinkState

	sender   *SenderLink
	receiver *ReceiverLink
	address  LinkAddress
	clock    Clock

	pendingMu sync.Mutex
	pending   map[string]*pendingPutToken

	sweepTimer Timer

	errListeners []func(error)
	metrics      *Metrics
}

// CbsAgentOption configures a CbsAgent at construction time.
type CbsAgentOption func(*CbsAgent)

// WithCbsClock overrides the wall clock the timeout sweep uses; tests pass
// a fake Clock to drive expiry deterministically.
func WithCbsClock(clock Clock) CbsAgentOption {
	return func(c *CbsAgent) { c.clock = clock }
}

// WithCbsMetrics attaches a Metrics sink recording put-token counts and
// latencies.
func WithCbsMetrics(m *Metrics) CbsAgentOption {
	return func(c *CbsAgent) { c.metrics = m }
}

// NewCbsAgent returns a CbsAgent bound to address (conventionally "$cbs"),
// composing a fresh SenderLink and ReceiverLink over client.
func NewCbsAgent(client AmqpClient, address LinkAddress, opts ...CbsAgentOption) *CbsAgent {
	c := &CbsAgent{
		address: address,
		clock:   RealClock,
		pending: make(map[string]*pendingPutToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sender = NewSenderLink(client, address, LinkOptions{})
	c.receiver = NewReceiverLink(client, address, LinkOptions{})
	c.receiver.OnMessage(func(msg *AmqpMessage) { c.handleResponse(msg) })
	c.sender.OnError(func(err error) { c.emitError(err) })
	c.receiver.OnError(func(err error) { c.emitError(err) })
	c.sender.OnDetached(func(err error) { c.handleSubLinkDetached(err) })
	c.receiver.OnDetached(func(err error) { c.handleSubLinkDetached(err) })
	return c
}

// handleSubLinkDetached reacts to either owned link falling out of
// LinkAttached on its own (peer detach, transport error) while the agent
// still believes it is attached, moving the composed state back down and
// failing whatever put-token requests were still in flight.
func (c *CbsAgent) handleSubLinkDetached(cause error) {
	c.mu.Lock()
	if c.state != LinkAttached {
		c.mu.Unlock()
		return
	}
	c.state = LinkDetached
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	c.mu.Unlock()

	c.pendingMu.Lock()
	expired := c.pending
	c.pending = make(map[string]*pendingPutToken)
	c.pendingMu.Unlock()

	for _, p := range expired {
		if p.done != nil {
			go p.done(linkDetachedError(cause))
		}
	}
	c.emitError(linkDetachedError(cause))
}

// State reports the agent's composed attach state.
func (c *CbsAgent) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnError subscribes to asynchronous errors surfaced by either owned link.
func (c *CbsAgent) OnError(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.errListeners = append(c.errListeners, handler)
	idx := len(c.errListeners) - 1
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		if idx < len(c.errListeners) {
			c.errListeners[idx] = nil
		}
		c.mu.Unlock()
	}
}

func (c *CbsAgent) emitError(err error) {
	c.mu.Lock()
	listeners := make([]func(error), 0, len(c.errListeners))
	for _, l := range c.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(err)
	}
}

// Attach attaches the sender and receiver links concurrently. If either
// fails, the other is asked to detach (cancelling a still in-flight
// attach) and done receives the first error observed.
func (c *CbsAgent) Attach(done func(error)) {
	c.mu.Lock()
	switch c.state {
	case LinkAttached:
		c.mu.Unlock()
		if done != nil {
			go done(nil)
		}
		return
	case LinkAttaching, LinkDetaching:
		c.mu.Unlock()
		if done != nil {
			go done(NewError(KindNotConnected, fmt.Errorf("cbs agent attach or detach already in progress")))
		}
		return
	}
	c.state = LinkAttaching
	c.mu.Unlock()

	var joinMu sync.Mutex
	remaining := 2
	var firstErr error
	cancelled := false

	finish := func(err error, cancelOther func()) {
		joinMu.Lock()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if !cancelled {
				cancelled = true
				cancelOther()
			}
		}
		remaining--
		done2 := remaining == 0
		joinMu.Unlock()
		if done2 {
			c.mu.Lock()
			if firstErr != nil {
				c.state = LinkDetached
			} else {
				c.state = LinkAttached
				c.startSweepLocked()
			}
			c.mu.Unlock()
			if done != nil {
				go done(firstErr)
			}
		}
	}

	c.sender.Attach(func(err error) { finish(err, c.receiver.Detach) })
	c.receiver.Attach(func(err error) { finish(err, c.sender.Detach) })
}

// Detach tears down both owned links. Per this package's chosen resolution
// of the detach/attach ambiguity in the underlying protocol description,
// Detach always routes to a real detach on both links; it never re-attaches
// them.
func (c *CbsAgent) Detach() {
	c.mu.Lock()
	if c.state == LinkDetached {
		c.mu.Unlock()
		return
	}
	c.state = LinkDetaching
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	c.mu.Unlock()

	c.sender.Detach()
	c.receiver.Detach()

	c.mu.Lock()
	c.state = LinkDetached
	c.mu.Unlock()

	c.pendingMu.Lock()
	expired := c.pending
	c.pending = make(map[string]*pendingPutToken)
	c.pendingMu.Unlock()

	for _, p := range expired {
		if p.done != nil {
			go p.done(linkDetachedError(nil))
		}
	}
}

// PutToken sends a put-token request for resource carrying token, invoking
// done with a KindUnauthorized error on any status-code other than 200, a KindTimeout
// error if no response arrives within 120s, or nil on success.
func (c *CbsAgent) PutToken(resource, token string, done func(error)) {
	c.mu.Lock()
	if c.state != LinkAttached {
		c.mu.Unlock()
		if done != nil {
			go done(NewError(KindNotConnected, fmt.Errorf("cbs agent is not attached")))
		}
		return
	}
	clock := c.clock
	c.mu.Unlock()

	correlationID := NewCorrelationID()
	pending := &pendingPutToken{
		correlationID: correlationID,
		deadline:      clock.Now().Add(cbsPutTokenTimeout),
		done:          done,
	}
	c.pendingMu.Lock()
	c.pending[correlationID] = pending
	c.pendingMu.Unlock()

	msg := NewAmqpMessage(token)
	msg.Properties.MessageID = correlationID
	msg.Properties.To = string(c.address)
	msg.Properties.ReplyTo = cbsReplyTo
	msg.ApplicationProperties["operation"] = "put-token"
	msg.ApplicationProperties["type"] = "servicebus.windows.net:sastoken"
	msg.ApplicationProperties["name"] = resource

	if c.metrics != nil {
		c.metrics.PutTokenAttempted()
	}

	c.sender.Send(msg, func(_ Disposition, err error) {
		if err == nil {
			return
		}
		c.pendingMu.Lock()
		p, ok := c.pending[correlationID]
		if ok {
			delete(c.pending, correlationID)
		}
		c.pendingMu.Unlock()
		if ok && p.done != nil {
			if c.metrics != nil {
				c.metrics.PutTokenFailed()
			}
			go p.done(err)
		}
	})
}

func (c *CbsAgent) handleResponse(msg *AmqpMessage) {
	correlationID := msg.Properties.CorrelationID
	if correlationID == "" {
		c.receiver.Accept(msg)
		return
	}
	c.pendingMu.Lock()
	p, ok := c.pending[correlationID]
	if ok {
		delete(c.pending, correlationID)
	}
	c.pendingMu.Unlock()
	if !ok {
		// Response may arrive after its put-token request already timed out
		// and was swept. It is still settled: the peer is not made to hold
		// it redelivered forever for a caller that has stopped listening.
		c.receiver.Accept(msg)
		return
	}

	statusCode, _ := msg.ApplicationProperties["status-code"].(int)
	statusDescription, _ := msg.ApplicationProperties["status-description"].(string)

	var resultErr error
	if statusCode != 200 {
		resultErr = unauthorizedFromStatus(statusDescription)
		if c.metrics != nil {
			c.metrics.PutTokenFailed()
		}
	} else if c.metrics != nil {
		c.metrics.PutTokenSucceeded()
	}
	c.receiver.Accept(msg)
	if p.done != nil {
		go p.done(resultErr)
	}
}

func (c *CbsAgent) startSweepLocked() {
	if c.sweepTimer != nil {
		return
	}
	c.sweepTimer = c.clock.AfterFunc(cbsSweepInterval, c.sweepOnce)
}

func (c *CbsAgent) sweepOnce() {
	c.mu.Lock()
	if c.state != LinkAttached {
		c.sweepTimer = nil
		c.mu.Unlock()
		return
	}
	c.sweepTimer = c.clock.AfterFunc(cbsSweepInterval, c.sweepOnce)
	clock := c.clock
	c.mu.Unlock()

	now := clock.Now()
	var expired []*pendingPutToken
	c.pendingMu.Lock()
	for id, p := range c.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(c.pending, id)
		}
	}
	c.pendingMu.Unlock()

	for _, p := range expired {
		if c.metrics != nil {
			c.metrics.PutTokenTimedOut()
		}
		if p.done != nil {
			go p.done(NewError(KindTimeout, fmt.Errorf("put-token request timed out")))
		}
	}
}
