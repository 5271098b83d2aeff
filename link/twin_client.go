package link

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TwinState is one of the four states a TwinClient occupies.
type TwinState int

const (
	TwinDisconnected TwinState = iota
	TwinConnecting
	TwinConnected
	TwinDisconnecting
)

func (s TwinState) String() string {
	switch s {
	case TwinDisconnected:
		return "Disconnected"
	case TwinConnecting:
		return "Connecting"
	case TwinConnected:
		return "Connected"
	case TwinDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

const desiredPropertiesNotificationResource = "/notifications/twin/properties/desired"

// SubscribedInfo accompanies the subscribed event, naming which event
// stream just became ready and, for the post stream, carrying the
// subscription acknowledgement's resource.
type SubscribedInfo struct {
	EventName string
	Resource  string
}

type twinResponse struct {
	Body    []byte
	Version int64
}

// TwinResponseEnvelope is the synthetic envelope handed to response
// listeners for any correlated reply that doesn't resolve one of this
// client's own recorded operations (GetTwin, UpdateReportedProperties, a
// subscription PUT/DELETE) — chiefly, replies to SendTwinRequest.
type TwinResponseEnvelope struct {
	Topic  string
	Status int
	Rid    string
	Body   []byte
}

// trimResource drops a trailing "/" from resource, reporting an empty
// string when nothing remains (the resource annotation is then omitted
// entirely rather than sent as an empty or root-only path).
func trimResource(resource string) string {
	return strings.TrimSuffix(resource, "/")
}

func isScalarPropertyValue(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}

type pendingTwinOp struct {
	correlationID string
	done          func(twinResponse, error)
}

// TwinClient implements the device-twin request/response and desired-
// property notification protocol over a paired sender/receiver link bound
// to the same device. It attaches the receiver before the sender so
// responses can never race ahead of the request path being ready, and it
// shares one channel-correlation-id between both links so the service pairs
// them as a single logical session.
type TwinClient struct {
	mu    sync.Mutex
	state TwinState

	client     AmqpClient
	deviceID   string
	apiVersion string

	channelCorrelationID string
	sender               *SenderLink
	receiver             *ReceiverLink

	pendingMu sync.Mutex
	pending   map[string]*pendingTwinOp

	subscribers         int
	postListeners       []func(props map[string]any, version int64)
	errListeners        []func(error)
	subscribedListeners []func(SubscribedInfo)
	responseListeners   []func(TwinResponseEnvelope)

	connectDone func(error)

	versionStore VersionStore
	outbox       Outbox
	metrics      *Metrics
	unsubMessage func()
}

// TwinClientOption configures a TwinClient at construction time.
type TwinClientOption func(*TwinClient)

// WithTwinVersionStore attaches a VersionStore so redelivered or
// out-of-order desired-property pushes whose version is not newer than the
// last applied version are dropped instead of handed to listeners.
func WithTwinVersionStore(store VersionStore) TwinClientOption {
	return func(t *TwinClient) { t.versionStore = store }
}

// WithTwinMetrics attaches a Metrics sink recording twin request counts,
// latencies, and desired-property push counts.
func WithTwinMetrics(m *Metrics) TwinClientOption {
	return func(t *TwinClient) { t.metrics = m }
}

// WithTwinOutbox attaches a durable outbox to the client's underlying
// SenderLink, so a reported-properties patch queued before a process crash
// survives to be replayed once the link reattaches.
func WithTwinOutbox(outbox Outbox) TwinClientOption {
	return func(t *TwinClient) { t.outbox = outbox }
}

// NewTwinClient returns a TwinClient for deviceID, addressed at the twin
// node with a freshly generated channel-correlation-id carried on both
// links' attach properties.
func NewTwinClient(client AmqpClient, deviceID, apiVersion string, opts ...TwinClientOption) *TwinClient {
	t := &TwinClient{
		client:               client,
		deviceID:             deviceID,
		apiVersion:           apiVersion,
		channelCorrelationID: NewCorrelationID(),
		pending:              make(map[string]*pendingTwinOp),
	}
	for _, opt := range opts {
		opt(t)
	}

	address := LinkAddress(fmt.Sprintf("/devices/%s/twin/", deviceID))
	linkProps := map[string]any{
		"com.microsoft:channel-correlation-id": t.channelCorrelationID,
		"com.microsoft:api-version":            apiVersion,
	}
	var senderOpts []SenderLinkOption
	if t.outbox != nil {
		senderOpts = append(senderOpts, WithSenderOutbox(t.outbox))
	}
	t.sender = NewSenderLink(client, address, LinkOptions{Properties: linkProps}, senderOpts...)
	t.receiver = NewReceiverLink(client, address, LinkOptions{Properties: linkProps})
	t.sender.OnError(func(err error) { t.emitError(err) })
	t.receiver.OnError(func(err error) { t.emitError(err) })
	t.sender.OnDetached(func(err error) { t.handleSubLinkDetached(err) })
	t.receiver.OnDetached(func(err error) { t.handleSubLinkDetached(err) })
	return t
}

// State reports the client's connection state.
func (t *TwinClient) State() TwinState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ChannelCorrelationID returns the id shared between the sender and
// receiver links composing this session.
func (t *TwinClient) ChannelCorrelationID() string {
	return t.channelCorrelationID
}

// OnError subscribes to asynchronous errors surfaced by either owned link.
func (t *TwinClient) OnError(handler func(error)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	t.mu.Lock()
	t.errListeners = append(t.errListeners, handler)
	idx := len(t.errListeners) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if idx < len(t.errListeners) {
			t.errListeners[idx] = nil
		}
		t.mu.Unlock()
	}
}

func (t *TwinClient) emitError(err error) {
	t.mu.Lock()
	listeners := make([]func(error), 0, len(t.errListeners))
	for _, l := range t.errListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(err)
	}
}

// OnSubscribed fires once an event stream becomes ready: immediately for a
// response listener registered while Connected, or once the PUT
// subscription acknowledgement for the post (desired-properties) stream
// arrives.
func (t *TwinClient) OnSubscribed(handler func(SubscribedInfo)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	t.mu.Lock()
	t.subscribedListeners = append(t.subscribedListeners, handler)
	idx := len(t.subscribedListeners) - 1
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if idx < len(t.subscribedListeners) {
			t.subscribedListeners[idx] = nil
		}
		t.mu.Unlock()
	}
}

func (t *TwinClient) emitSubscribed(info SubscribedInfo) {
	t.mu.Lock()
	listeners := make([]func(SubscribedInfo), 0, len(t.subscribedListeners))
	for _, l := range t.subscribedListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(info)
	}
}

// OnResponse subscribes to the response envelope emitted for any correlated
// reply that isn't consumed by one of this client's own pending operations
// (chiefly, replies to messages sent via SendTwinRequest).
func (t *TwinClient) OnResponse(handler func(TwinResponseEnvelope)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	t.mu.Lock()
	t.responseListeners = append(t.responseListeners, handler)
	idx := len(t.responseListeners) - 1
	connected := t.state == TwinConnected
	t.mu.Unlock()
	if connected {
		t.emitSubscribed(SubscribedInfo{EventName: "response"})
	}
	return func() {
		t.mu.Lock()
		if idx < len(t.responseListeners) {
			t.responseListeners[idx] = nil
		}
		t.mu.Unlock()
	}
}

func (t *TwinClient) emitResponse(env TwinResponseEnvelope) {
	t.mu.Lock()
	listeners := make([]func(TwinResponseEnvelope), 0, len(t.responseListeners))
	for _, l := range t.responseListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(env)
	}
}

// OnDesiredPropertiesUpdated registers handler to receive every desired-
// property push. The first registration while Connected sends a PUT
// subscription request; the last unsubscribe sends a DELETE. Registrations
// made while not yet Connected are honored automatically once Connect
// succeeds.
func (t *TwinClient) OnDesiredPropertiesUpdated(handler func(props map[string]any, version int64)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	t.mu.Lock()
	t.postListeners = append(t.postListeners, handler)
	idx := len(t.postListeners) - 1
	t.subscribers++
	shouldSubscribe := t.subscribers == 1 && t.state == TwinConnected
	t.mu.Unlock()

	if shouldSubscribe {
		go t.sendSubscription("PUT")
	}

	return func() {
		t.mu.Lock()
		if idx < len(t.postListeners) && t.postListeners[idx] != nil {
			t.postListeners[idx] = nil
			t.subscribers--
		}
		shouldUnsubscribe := t.subscribers == 0 && t.state == TwinConnected
		t.mu.Unlock()
		if shouldUnsubscribe {
			go t.sendSubscription("DELETE")
		}
	}
}

// Connect attaches the receiver link, then the sender link, invoking done
// exactly once with the outcome.
func (t *TwinClient) Connect(done func(error)) {
	t.mu.Lock()
	switch t.state {
	case TwinConnected:
		t.mu.Unlock()
		if done != nil {
			go done(nil)
		}
		return
	case TwinConnecting, TwinDisconnecting:
		t.mu.Unlock()
		if done != nil {
			go done(NewError(KindNotConnected, fmt.Errorf("twin client connect or disconnect already in progress")))
		}
		return
	}
	t.state = TwinConnecting
	t.connectDone = done
	// Registering the message handler starts the receiver's lazy attach, so
	// it happens here rather than at construction; it stays registered
	// across later Disconnect/Connect cycles.
	if t.unsubMessage == nil {
		t.unsubMessage = t.receiver.OnMessage(func(msg *AmqpMessage) { t.handleMessage(msg) })
	}
	t.mu.Unlock()

	t.receiver.Attach(func(err error) {
		if err != nil {
			t.finishConnect(err)
			return
		}
		t.sender.Attach(func(err error) {
			t.finishConnect(err)
		})
	})
}

func (t *TwinClient) finishConnect(err error) {
	t.mu.Lock()
	resubscribe := false
	if err != nil {
		t.state = TwinDisconnected
	} else {
		t.state = TwinConnected
		resubscribe = t.subscribers > 0
	}
	done := t.connectDone
	t.connectDone = nil
	t.mu.Unlock()

	if resubscribe {
		go t.sendSubscription("PUT")
	}
	if done != nil {
		go done(err)
	}
}

// Disconnect detaches both owned links and fails any twin requests still
// awaiting a response.
func (t *TwinClient) Disconnect() {
	t.mu.Lock()
	if t.state == TwinDisconnected {
		t.mu.Unlock()
		return
	}
	t.state = TwinDisconnecting
	t.mu.Unlock()

	t.sender.Detach()
	t.receiver.Detach()

	t.mu.Lock()
	t.state = TwinDisconnected
	t.mu.Unlock()

	t.failAllPending(linkDetachedError(nil))
}

func (t *TwinClient) failAllPending(cause error) {
	t.pendingMu.Lock()
	expired := t.pending
	t.pending = make(map[string]*pendingTwinOp)
	t.pendingMu.Unlock()
	for _, p := range expired {
		if p.done != nil {
			go p.done(twinResponse{}, cause)
		}
	}
}

func (t *TwinClient) handleSubLinkDetached(cause error) {
	t.mu.Lock()
	if t.state != TwinConnected {
		t.mu.Unlock()
		return
	}
	t.state = TwinDisconnected
	t.mu.Unlock()

	t.failAllPending(linkDetachedError(cause))
	t.emitError(linkDetachedError(cause))
}

// GetTwin requests the full twin document.
func (t *TwinClient) GetTwin(done func(body []byte, version int64, err error)) {
	t.sendRequest("GET", "/", nil, func(resp twinResponse, err error) {
		if done == nil {
			return
		}
		if err != nil {
			done(nil, 0, err)
			return
		}
		done(resp.Body, resp.Version, nil)
	})
}

// UpdateReportedProperties PATCHes props into the reported section. The
// request always carries a null version annotation: devices report state,
// they do not participate in optimistic concurrency over their own
// reported properties.
func (t *TwinClient) UpdateReportedProperties(props map[string]any, done func(version int64, err error)) {
	body, err := json.Marshal(props)
	if err != nil {
		if done != nil {
			go done(0, NewError(KindArgument, err))
		}
		return
	}
	t.sendRequest("PATCH", "/properties/reported", body, func(resp twinResponse, err error) {
		if done == nil {
			return
		}
		if err != nil {
			done(0, err)
			return
		}
		done(resp.Version, nil)
	})
}

// sendRequest encodes operation/resource, plus a null version for PATCH, as
// message annotations (the only custom annotations this protocol core ever
// sets; every other property
// lives in the AMQP-native Properties/ApplicationProperties fields) and the
// conceptual request id onto the AMQP CorrelationID/MessageID properties.
func (t *TwinClient) sendRequest(operation, resource string, body []byte, done func(twinResponse, error)) {
	t.mu.Lock()
	if t.state != TwinConnected {
		t.mu.Unlock()
		if done != nil {
			go done(twinResponse{}, NewError(KindNotConnected, fmt.Errorf("twin client is not connected")))
		}
		return
	}
	t.mu.Unlock()

	correlationID := NewCorrelationID()
	msg := &AmqpMessage{
		Body:                  body,
		ApplicationProperties: make(map[string]any),
		Annotations:           make(map[string]any),
	}
	msg.Properties.CorrelationID = correlationID
	msg.Properties.MessageID = correlationID
	msg.Annotations["operation"] = operation
	if trimmed := trimResource(resource); trimmed != "" {
		msg.Annotations["resource"] = trimmed
	}
	if operation == "PATCH" {
		msg.Annotations["version"] = nil
	}

	start := time.Now()
	t.pendingMu.Lock()
	t.pending[correlationID] = &pendingTwinOp{correlationID: correlationID, done: func(resp twinResponse, err error) {
		if err == nil && t.metrics != nil {
			t.metrics.ObserveTwinRequestSeconds(time.Since(start).Seconds())
		}
		if done != nil {
			done(resp, err)
		}
	}}
	t.pendingMu.Unlock()

	if t.metrics != nil {
		t.metrics.TwinRequestSent(operation)
	}

	t.sender.Send(msg, func(_ Disposition, err error) {
		if err == nil {
			return
		}
		t.pendingMu.Lock()
		p, ok := t.pending[correlationID]
		if ok {
			delete(t.pending, correlationID)
		}
		t.pendingMu.Unlock()
		if ok && p.done != nil {
			go p.done(twinResponse{}, translateError("twin request send failed", err))
		}
	})
}

// SendTwinRequest is the general-purpose twin operation: it builds an AMQP
// message from method, resource, and properties and hands it to the sender
// link. done is invoked once, on send completion, carrying the enqueue
// disposition on success or a translated error on failure — it does not
// wait for the peer's correlated response, since not every twin operation
// a caller sends expects one.
//
// A "$rid" entry in properties becomes the message's AMQP correlation id
// instead of an application property; every other entry is copied into
// ApplicationProperties as-is. A trailing "/" is trimmed from resource, and
// the resource annotation is omitted entirely once nothing remains (so
// resource = "/" produces no annotation at all). method="PATCH" always
// carries an explicit null version annotation.
func (t *TwinClient) SendTwinRequest(method, resource string, properties map[string]any, body []byte, done func(Disposition, error)) {
	if method == "" {
		if done != nil {
			go done(Disposition{}, NewError(KindReference, fmt.Errorf("method is required")))
		}
		return
	}
	if resource == "" {
		if done != nil {
			go done(Disposition{}, NewError(KindReference, fmt.Errorf("resource is required")))
		}
		return
	}
	if properties == nil {
		if done != nil {
			go done(Disposition{}, NewError(KindReference, fmt.Errorf("properties is required")))
		}
		return
	}
	if len(body) == 0 {
		if done != nil {
			go done(Disposition{}, NewError(KindReference, fmt.Errorf("body is required")))
		}
		return
	}
	for key, value := range properties {
		if !isScalarPropertyValue(value) {
			if done != nil {
				go done(Disposition{}, NewError(KindArgument, fmt.Errorf("property %q has non-scalar value %T", key, value)))
			}
			return
		}
	}

	t.mu.Lock()
	if t.state != TwinConnected {
		t.mu.Unlock()
		if done != nil {
			go done(Disposition{}, NewError(KindNotConnected, fmt.Errorf("twin client is not connected")))
		}
		return
	}
	t.mu.Unlock()

	msg := &AmqpMessage{
		Body:                  body,
		ApplicationProperties: make(map[string]any),
		Annotations:           make(map[string]any),
	}
	msg.Annotations["operation"] = method
	if trimmed := trimResource(resource); trimmed != "" {
		msg.Annotations["resource"] = trimmed
	}
	if method == "PATCH" {
		msg.Annotations["version"] = nil
	}

	for key, value := range properties {
		if key == "$rid" {
			msg.Properties.CorrelationID = fmt.Sprintf("%v", value)
			continue
		}
		msg.ApplicationProperties[key] = value
	}
	if msg.Properties.CorrelationID != "" {
		msg.Properties.MessageID = msg.Properties.CorrelationID
	}

	if t.metrics != nil {
		t.metrics.TwinRequestSent(method)
	}

	t.sender.Send(msg, func(disposition Disposition, err error) {
		if done == nil {
			return
		}
		if err != nil {
			go done(Disposition{}, translateError("Unable to send Twin message", err))
			return
		}
		go done(disposition, nil)
	})
}

// sendSubscription sends the PUT/DELETE that opens or closes the
// desired-properties notification stream, correlating the acknowledgement
// so a successful PUT can emit the subscribed event once the server
// confirms the stream is live.
func (t *TwinClient) sendSubscription(operation string) {
	t.mu.Lock()
	if t.state != TwinConnected {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	msg := &AmqpMessage{
		Body:                  []byte(" "),
		ApplicationProperties: make(map[string]any),
		Annotations:           make(map[string]any),
	}
	correlationID := NewCorrelationID()
	msg.Properties.CorrelationID = correlationID
	msg.Properties.MessageID = correlationID
	msg.Annotations["operation"] = operation
	msg.Annotations["resource"] = desiredPropertiesNotificationResource

	t.pendingMu.Lock()
	t.pending[correlationID] = &pendingTwinOp{correlationID: correlationID, done: func(_ twinResponse, err error) {
		if err != nil {
			t.emitError(translateError("twin desired-property subscription failed", err))
			return
		}
		if operation == "PUT" {
			t.emitSubscribed(SubscribedInfo{EventName: "post", Resource: desiredPropertiesNotificationResource})
		}
	}}
	t.pendingMu.Unlock()

	t.sender.Send(msg, func(_ Disposition, err error) {
		if err == nil {
			return
		}
		t.pendingMu.Lock()
		delete(t.pending, correlationID)
		t.pendingMu.Unlock()
		t.emitError(translateError("twin desired-property subscription failed", err))
	})
}

func (t *TwinClient) handleMessage(msg *AmqpMessage) {
	correlationID := msg.Properties.CorrelationID
	operation, _ := msg.Annotations["operation"].(string)

	if correlationID != "" {
		t.pendingMu.Lock()
		p, ok := t.pending[correlationID]
		if ok {
			delete(t.pending, correlationID)
		}
		t.pendingMu.Unlock()
		if ok {
			t.resolvePending(p, msg)
			return
		}
		// Correlated but not one of this client's recorded operations
		// (GetTwin, UpdateReportedProperties, a subscription PUT/DELETE):
		// this is a reply to a SendTwinRequest caller, surfaced as a
		// response envelope rather than dropped.
		t.emitResponse(TwinResponseEnvelope{
			Topic:  "$iothub/twin/res",
			Status: 200,
			Rid:    correlationID,
			Body:   msg.Body,
		})
		return
	}

	if operation == "PATCH" && correlationID == "" {
		t.handleDesiredPropertiesPush(msg)
	}
}

func (t *TwinClient) resolvePending(p *pendingTwinOp, msg *AmqpMessage) {
	statusCode, _ := msg.Annotations["status"].(int)
	var respErr error
	if statusCode != 0 && (statusCode < 200 || statusCode >= 300) {
		respErr = NewError(KindTransport, fmt.Errorf("twin request failed with status %d", statusCode))
	}
	version, _ := extractVersion(msg.Annotations)
	if p.done != nil {
		go p.done(twinResponse{Body: msg.Body, Version: version}, respErr)
	}
}

func (t *TwinClient) handleDesiredPropertiesPush(msg *AmqpMessage) {
	var props map[string]any
	if len(msg.Body) > 0 {
		if err := json.Unmarshal(msg.Body, &props); err != nil {
			t.emitError(NewError(KindTransport, err))
			return
		}
	}
	version, hasVersion := extractVersion(props)

	if t.versionStore != nil && hasVersion {
		if last, ok := t.versionStore.LastVersion(t.deviceID); ok && version <= last {
			return
		}
		_ = t.versionStore.SetVersion(t.deviceID, version)
	}
	if t.metrics != nil {
		t.metrics.DesiredPropertyPushed()
	}

	t.mu.Lock()
	listeners := make([]func(map[string]any, int64), 0, len(t.postListeners))
	for _, l := range t.postListeners {
		if l != nil {
			listeners = append(listeners, l)
		}
	}
	t.mu.Unlock()
	for _, l := range listeners {
		l := l
		go l(props, version)
	}
}

func extractVersion(m map[string]any) (int64, bool) {
	raw, ok := m["$version"]
	if !ok {
		raw, ok = m["version"]
	}
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
