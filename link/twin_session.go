package link

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SessionState mirrors the high-availability states the teacher's ha_client
// walks through around a single logical connection: idle until asked to
// connect, then alternating between a live session and a backoff-governed
// reconnect attempt until Close is called.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionConnected
	SessionReconnecting
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "Idle"
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	case SessionReconnecting:
		return "Reconnecting"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// TwinSession owns one CbsAgent and one TwinClient for a device and keeps
// them attached across transport drops, using a BackoffStrategy between
// attempts up to MaxAttempts (0 means unlimited), the same reconnect-loop
// shape as the teacher's HaClient but scaled to two composed protocol
// clients instead of one raw connection.
type TwinSession struct {
	mu sync.Mutex

	client     AmqpClient
	deviceID   string
	apiVersion string

	cbs  *CbsAgent
	twin *TwinClient

	backoff       BackoffStrategy
	maxAttempts   int
	cbsOpts       []CbsAgentOption
	twinOpts      []TwinClientOption
	tokenProvider TokenProvider

	state       SessionState
	attempt     int
	reconnectAt Timer
	clock       Clock

	stateListeners []func(SessionState)
}

// TokenProvider supplies the CBS resource name and SAS token a TwinSession
// presents via PutToken right after its CbsAgent attaches. Sessions whose
// AmqpClient already authenticates at the transport layer (e.g. X.509) can
// leave this unset; the session then skips put-token and connects the twin
// client as soon as the CBS agent is attached.
type TokenProvider func(deviceID string) (resource, token string)

// TwinSessionOption configures a TwinSession at construction time.
type TwinSessionOption func(*TwinSession)

// WithSessionTokenProvider configures the session to perform an initial
// put-token, and to refresh it on every reconnect, using the resource and
// token TokenProvider returns.
func WithSessionTokenProvider(provider TokenProvider) TwinSessionOption {
	return func(s *TwinSession) { s.tokenProvider = provider }
}

// WithSessionBackoff overrides the default fixed-delay backoff.
func WithSessionBackoff(b BackoffStrategy) TwinSessionOption {
	return func(s *TwinSession) { s.backoff = b }
}

// WithSessionMaxAttempts caps the number of consecutive failed connect
// attempts, the first one included. On reaching it the session moves to
// SessionClosed and, for an attempt started by Connect, hands Connect's done
// a terminal error. Zero (the default) means unlimited attempts.
func WithSessionMaxAttempts(n int) TwinSessionOption {
	return func(s *TwinSession) { s.maxAttempts = n }
}

// WithSessionCbsOptions forwards options to the owned CbsAgent.
func WithSessionCbsOptions(opts ...CbsAgentOption) TwinSessionOption {
	return func(s *TwinSession) { s.cbsOpts = opts }
}

// WithSessionTwinOptions forwards options to the owned TwinClient.
func WithSessionTwinOptions(opts ...TwinClientOption) TwinSessionOption {
	return func(s *TwinSession) { s.twinOpts = opts }
}

// WithSessionClock overrides the wall clock reconnect scheduling uses.
func WithSessionClock(clock Clock) TwinSessionOption {
	return func(s *TwinSession) { s.clock = clock }
}

// NewTwinSession returns a TwinSession in SessionIdle, composing a fresh
// CbsAgent bound to "$cbs" and a TwinClient for deviceID.
func NewTwinSession(client AmqpClient, deviceID, apiVersion string, opts ...TwinSessionOption) *TwinSession {
	s := &TwinSession{
		client:     client,
		deviceID:   deviceID,
		apiVersion: apiVersion,
		backoff:    &FixedBackoff{Delay: 5 * time.Second},
		clock:      RealClock,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cbs = NewCbsAgent(client, "$cbs", s.cbsOpts...)
	s.twin = NewTwinClient(client, deviceID, apiVersion, s.twinOpts...)
	s.cbs.OnError(func(err error) { s.emitTerminalError(err) })
	s.twin.OnError(func(err error) { s.emitTerminalError(err) })
	return s
}

// Cbs returns the owned CbsAgent.
func (s *TwinSession) Cbs() *CbsAgent { return s.cbs }

// Twin returns the owned TwinClient.
func (s *TwinSession) Twin() *TwinClient { return s.twin }

// State reports the session's reconnect state.
func (s *TwinSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange subscribes to session state transitions.
func (s *TwinSession) OnStateChange(handler func(SessionState)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	s.stateListeners = append(s.stateListeners, handler)
	idx := len(s.stateListeners) - 1
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		if idx < len(s.stateListeners) {
			s.stateListeners[idx] = nil
		}
		s.mu.Unlock()
	}
}

func (s *TwinSession) setStateLocked(state SessionState) {
	s.state = state
	listeners := make([]func(SessionState), 0, len(s.stateListeners))
	for _, l := range s.stateListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	go func() {
		for _, l := range listeners {
			l(state)
		}
	}()
}

func (s *TwinSession) emitTerminalError(cause error) {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go s.reconnect(cause)
}

// Connect attaches the CBS agent then the twin client, invoking done once
// the session first reaches SessionConnected or exhausts its retry budget.
func (s *TwinSession) Connect(ctx context.Context, done func(error)) {
	s.mu.Lock()
	if s.state != SessionIdle {
		s.mu.Unlock()
		if done != nil {
			go done(NewError(KindNotConnected, fmt.Errorf("twin session connect already requested")))
		}
		return
	}
	s.state = SessionConnecting
	s.attempt = 0
	s.mu.Unlock()

	s.attemptConnect(done)
}

func (s *TwinSession) attemptConnect(done func(error)) {
	s.cbs.Attach(func(err error) {
		if err != nil {
			s.handleConnectFailure(err, done)
			return
		}
		s.putTokenThenConnectTwin(done)
	})
}

// putTokenThenConnectTwin performs the CBS agent's initial put-token, when a
// TokenProvider is configured, before connecting the twin client. Without a
// provider it connects the twin client directly.
func (s *TwinSession) putTokenThenConnectTwin(done func(error)) {
	s.mu.Lock()
	provider := s.tokenProvider
	s.mu.Unlock()
	if provider == nil {
		s.connectTwin(done)
		return
	}

	resource, token := provider(s.deviceID)
	s.cbs.PutToken(resource, token, func(err error) {
		if err != nil {
			s.cbs.Detach()
			s.handleConnectFailure(err, done)
			return
		}
		s.connectTwin(done)
	})
}

func (s *TwinSession) connectTwin(done func(error)) {
	s.twin.Connect(func(err error) {
		if err != nil {
			s.cbs.Detach()
			s.handleConnectFailure(err, done)
			return
		}
		s.backoff.Reset()
		s.mu.Lock()
		s.attempt = 0
		s.setStateLocked(SessionConnected)
		s.mu.Unlock()
		if done != nil {
			go done(nil)
		}
	})
}

func (s *TwinSession) handleConnectFailure(cause error, done func(error)) {
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	if s.maxAttempts > 0 && attempt >= s.maxAttempts {
		s.setStateLocked(SessionClosed)
		s.mu.Unlock()
		if done != nil {
			go done(NewError(KindTransport, fmt.Errorf("twin session exhausted reconnect attempts"), cause))
		}
		return
	}
	s.setStateLocked(SessionReconnecting)
	wait := s.backoff.NextDelay(attempt)
	s.reconnectAt = s.clock.AfterFunc(wait, func() { s.attemptConnect(done) })
	s.mu.Unlock()
}

func (s *TwinSession) reconnect(cause error) {
	s.mu.Lock()
	if s.state == SessionClosed || s.state == SessionReconnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(SessionReconnecting)
	s.mu.Unlock()

	s.cbs.Detach()
	s.twin.Disconnect()

	s.handleConnectFailure(cause, nil)
}

// Close tears down both owned links permanently; the session cannot be
// reconnected afterward, matching CbsAgent/TwinClient's own single-shot
// Detach/Disconnect contract at this composed layer.
func (s *TwinSession) Close() error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	if s.reconnectAt != nil {
		s.reconnectAt.Stop()
		s.reconnectAt = nil
	}
	s.setStateLocked(SessionClosed)
	s.mu.Unlock()

	s.cbs.Detach()
	s.twin.Disconnect()
	return nil
}
