// Package link implements the AMQP link-management and device-twin protocol
// core of an IoT device SDK.
//
// It multiplexes a single long-lived AMQP 1.0 connection (an AmqpClient,
// implemented elsewhere and assumed to exist) into named, independently
// lifecycled links, renews authentication tokens over a Claims-Based-Security
// channel, and runs a request/response plus desired-property notification
// protocol for device-twin synchronization on top of a correlated pair of
// links.
//
// The primary lifecycle is:
//   - construct a SenderLink/ReceiverLink pair (directly, or via CbsAgent or
//     TwinClient, which own their pair internally)
//   - Attach explicitly, or let the first Send/subscriber trigger it
//   - exchange messages
//   - Detach, or let the last subscriber removal trigger it
//
// SenderLink and ReceiverLink are plain link wrappers. CbsAgent composes a
// sender and receiver bound to $cbs to implement put-token token refresh.
// TwinClient composes a sender and receiver bound to a device's twin node to
// implement twin request/response and desired-property notifications.
// TwinSession composes a CbsAgent and a TwinClient with reconnect-on-error
// behavior for long-running device agents.
//
// All exported types are safe for concurrent use. Handlers supplied to
// Attach/Send/PutToken/SendTwinRequest and to the various On* subscriptions
// are always invoked from a freshly spawned goroutine, never synchronously
// inside a call into this package, so they may safely call back into the
// FSM that invoked them.
package link
