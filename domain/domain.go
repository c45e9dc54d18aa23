package domain

import "codee-relay/document"

// Connection is one client session as seen by the registry, the dispatcher
// and the liveness monitor.
type Connection interface {
	ID() string
	Room() string
	// Send queues a frame for delivery. It never blocks; a full buffer or a
	// closed connection is reported as an error the caller may ignore.
	Send(data []byte) error
	Close() error

	Alive() bool
	SetAlive(alive bool)
	Ping() error
}

// Broadcaster owns the rooms and every fan-out between their members.
type Broadcaster interface {
	Join(conn Connection, welcome func(doc document.Document))
	Leave(conn Connection)
	Apply(sender Connection, update, frame []byte) error
	Broadcast(sender Connection, frame []byte)
	StateVector(room string) []byte
	Stats() (rooms, clients int)
}

type MessageHandler interface {
	Welcome(conn Connection, doc document.Document)
	Handle(conn Connection, data []byte)
}
