package api

// Transport delivers messages between region replicas. Delivery is best
// effort: a lost message is never reported back, recovery happens at
// the protocol level through retries, not at the transport level.
type Transport interface {
	// Send hands a message to the destination replica. An error means
	// only that local handoff failed (unknown peer, full mailbox); it
	// says nothing about whether any prior message arrived.
	Send(msg Message) error
}

// StateMachine is the readable applied state of a region. Reads are
// invoked only after a pending read is released or a lease read is
// granted, never earlier.
type StateMachine interface {
	Put(key string, value []byte)
	Get(key string) ([]byte, bool)
}
