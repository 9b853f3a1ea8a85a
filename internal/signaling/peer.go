package signaling

// ParticipantID identifies one live signaling connection. It is minted per
// connection and is deliberately distinct from any persistent account
// identity: a reconnecting user gets a fresh ParticipantID.
type ParticipantID string

// Peer is the outbound half of one participant's signaling connection.
// Send must not block; it reports false when the message was dropped
// (buffer full or connection closed).
type Peer interface {
	ID() ParticipantID
	Send(msg Message) bool
}

// Hub is the pairing core behind the WebSocket server: the session registry,
// the matchmaking queue, and the relay. Implemented by the lobby package.
type Hub interface {
	Register(p Peer)
	Unregister(id ParticipantID)
	Enqueue(id ParticipantID)
	Dequeue(id ParticipantID)
	Skip(id ParticipantID)
	EndCall(id ParticipantID)
	Relay(from ParticipantID, msg Message) bool
}
