// Package bridge implements the client-side packet bridge (spec section
// 4.3): two unidirectional forwarders connecting the real kernel TUN device
// (child network namespace) to the WireGuard engine (host network
// namespace) over bounded queues.
package bridge

// QueueCapacity is the bounded capacity of each direction's queue (spec
// section 3, BridgeQueue).
const QueueCapacity = 100

// Queue is a bounded single-producer-single-consumer byte-slice queue.
// Back-pressure policy: the producer blocks when the queue is full (spec
// section 3 requires implementations to pick and document one policy; see
// SPEC_FULL.md section 9 for why blocking, not drop-newest, is the
// documented choice here).
type Queue chan []byte

// NewQueue creates a Queue at the standard capacity.
func NewQueue() Queue {
	return make(Queue, QueueCapacity)
}
