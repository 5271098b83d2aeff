package link

import "context"

// AmqpClient is the external AMQP 1.0 framing/session collaborator this
// package consumes. Its concrete implementation (real transport or a test
// double such as the faketwin package) is out of scope for this module.
type AmqpClient interface {
	// CreateSender resolves to a bound AmqpSender or an error. Implementers
	// should treat a client with no live connection as a KindNotConnected
	// failure.
	CreateSender(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpSender, error)
	// CreateReceiver resolves to a bound AmqpReceiver or an error.
	CreateReceiver(ctx context.Context, address LinkAddress, opts LinkOptions) (AmqpReceiver, error)
	// OnClientError subscribes to connection-level errors; the returned func
	// removes the subscription. SenderLink/ReceiverLink install a one-shot
	// listener on this stream for the duration of an in-flight attach.
	OnClientError(handler func(error)) (unsubscribe func())
}

// AmqpSender is the capability set an attached outbound AMQP link exposes.
type AmqpSender interface {
	// Send transmits one message and resolves to its terminal disposition.
	Send(ctx context.Context, msg *AmqpMessage) (Disposition, error)
	// ForceDetach tears down the link without waiting for a peer ack.
	ForceDetach()
	// OnDetached fires when the peer detaches this link.
	OnDetached(handler func(error)) (unsubscribe func())
	// OnErrorReceived fires on an asynchronous link-level error.
	OnErrorReceived(handler func(error)) (unsubscribe func())
}

// AmqpReceiver is the capability set an attached inbound AMQP link exposes.
type AmqpReceiver interface {
	Accept(msg *AmqpMessage) error
	Reject(msg *AmqpMessage, cause error) error
	Abandon(msg *AmqpMessage) error
	ForceDetach()
	// OnMessage fires once per inbound frame.
	OnMessage(handler func(*AmqpMessage)) (unsubscribe func())
	OnDetached(handler func(error)) (unsubscribe func())
	OnErrorReceived(handler func(error)) (unsubscribe func())
}
