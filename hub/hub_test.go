package hub

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codee-relay/document"
)

type mockConn struct {
	id       string
	room     string
	received [][]byte
	closed   bool
	alive    bool
	mu       sync.Mutex
	sendErr  error
}

func (m *mockConn) ID() string   { return m.id }
func (m *mockConn) Room() string { return m.room }

func (m *mockConn) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *mockConn) SetAlive(alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alive = alive
}

func (m *mockConn) Ping() error { return nil }

func (m *mockConn) getReceived() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func TestHub_Broadcast(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*Hub) ([]*mockConn, *mockConn)
		wantReceived map[string]int
	}{
		{
			name: "broadcast to room members",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender", room: "room1"}
				receiver1 := &mockConn{id: "recv1", room: "room1"}
				receiver2 := &mockConn{id: "recv2", room: "room1"}
				h.Join(sender, nil)
				h.Join(receiver1, nil)
				h.Join(receiver2, nil)
				return []*mockConn{sender, receiver1, receiver2}, sender
			},
			wantReceived: map[string]int{"sender": 0, "recv1": 1, "recv2": 1},
		},
		{
			name: "no cross-room broadcast",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender", room: "room1"}
				receiver := &mockConn{id: "recv1", room: "room2"}
				h.Join(sender, nil)
				h.Join(receiver, nil)
				return []*mockConn{receiver}, sender
			},
			wantReceived: map[string]int{"recv1": 0},
		},
		{
			name: "single client in room",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender", room: "room1"}
				h.Join(sender, nil)
				return []*mockConn{sender}, sender
			},
			wantReceived: map[string]int{"sender": 0},
		},
		{
			name: "failed send does not stop fan-out",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender", room: "room1"}
				stalled := &mockConn{id: "stalled", room: "room1", sendErr: errors.New("buffer full")}
				receiver := &mockConn{id: "recv1", room: "room1"}
				h.Join(sender, nil)
				h.Join(stalled, nil)
				h.Join(receiver, nil)
				return []*mockConn{stalled, receiver}, sender
			},
			wantReceived: map[string]int{"stalled": 0, "recv1": 1},
		},
		{
			name: "sender that already left is ignored",
			setup: func(h *Hub) ([]*mockConn, *mockConn) {
				sender := &mockConn{id: "sender", room: "room1"}
				receiver := &mockConn{id: "recv1", room: "room1"}
				h.Join(sender, nil)
				h.Join(receiver, nil)
				h.Leave(sender)
				return []*mockConn{receiver}, sender
			},
			wantReceived: map[string]int{"recv1": 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			receivers, sender := tt.setup(h)

			h.Broadcast(sender, []byte("test message"))

			for _, r := range receivers {
				expected := tt.wantReceived[r.ID()]
				assert.Len(t, r.getReceived(), expected, "receiver %s", r.ID())
			}
		})
	}
}

func TestHub_Apply(t *testing.T) {
	h := New()
	a := &mockConn{id: "a", room: "r1"}
	b := &mockConn{id: "b", room: "r1"}
	h.Join(a, nil)
	h.Join(b, nil)

	require.NoError(t, h.Apply(a, []byte{1, 2, 3}, []byte("frame")))

	assert.Empty(t, a.getReceived())
	assert.Equal(t, [][]byte{[]byte("frame")}, b.getReceived())

	var snapshot []byte
	c := &mockConn{id: "c", room: "r1"}
	h.Join(c, func(doc document.Document) {
		snapshot = doc.EncodeStateAsUpdate()
	})

	updates, err := document.DecodeState(snapshot)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2, 3}}, updates)
}

func TestHub_ApplyRejectedUpdate(t *testing.T) {
	h := New()
	a := &mockConn{id: "a", room: "r1"}
	b := &mockConn{id: "b", room: "r1"}
	h.Join(a, nil)
	h.Join(b, nil)

	err := h.Apply(a, nil, []byte("frame"))

	assert.ErrorIs(t, err, document.ErrInvalidUpdate)
	assert.Empty(t, b.getReceived())
}

func TestHub_WelcomeRunsBeforeMembership(t *testing.T) {
	h := New()
	a := &mockConn{id: "a", room: "r1"}
	h.Join(a, nil)

	var members int
	h.Join(&mockConn{id: "b", room: "r1"}, func(doc document.Document) {
		members = len(h.rooms["r1"].clients)
	})

	assert.Equal(t, 1, members)
}

func TestHub_StateVector(t *testing.T) {
	h := New()
	assert.Nil(t, h.StateVector("missing"))

	a := &mockConn{id: "a", room: "r1"}
	h.Join(a, nil)
	empty := h.StateVector("r1")

	require.NoError(t, h.Apply(a, []byte{7}, []byte("frame")))
	assert.NotEqual(t, empty, h.StateVector("r1"))
}

func TestHub_Stats(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Hub)
		wantRooms   int
		wantClients int
	}{
		{
			name:        "empty hub",
			setup:       func(h *Hub) {},
			wantRooms:   0,
			wantClients: 0,
		},
		{
			name: "one room one client",
			setup: func(h *Hub) {
				h.Join(&mockConn{id: "c1", room: "r1"}, nil)
			},
			wantRooms:   1,
			wantClients: 1,
		},
		{
			name: "multiple rooms",
			setup: func(h *Hub) {
				h.Join(&mockConn{id: "c1", room: "r1"}, nil)
				h.Join(&mockConn{id: "c2", room: "r1"}, nil)
				h.Join(&mockConn{id: "c3", room: "r2"}, nil)
			},
			wantRooms:   2,
			wantClients: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			tt.setup(h)

			rooms, clients := h.Stats()

			assert.Equal(t, tt.wantRooms, rooms)
			assert.Equal(t, tt.wantClients, clients)
			assert.Len(t, h.Sessions(), tt.wantClients)
		})
	}
}

func TestHub_RoomCounts(t *testing.T) {
	h := New()
	h.Join(&mockConn{id: "c1", room: "b"}, nil)
	h.Join(&mockConn{id: "c2", room: "a"}, nil)
	h.Join(&mockConn{id: "c3", room: "b"}, nil)

	assert.Equal(t, []RoomCount{{Room: "a", Members: 1}, {Room: "b", Members: 2}}, h.RoomCounts())
}

func TestHub_RoomCleanup(t *testing.T) {
	h := New()
	conn := &mockConn{id: "c1", room: "r1"}

	h.Join(conn, nil)
	rooms, _ := h.Stats()
	require.Equal(t, 1, rooms)

	h.Leave(conn)
	rooms, clients := h.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)

	h.Leave(conn)
	rooms, _ = h.Stats()
	assert.Equal(t, 0, rooms)
}

func TestHub_RoomRecreatedWithFreshDocument(t *testing.T) {
	h := New()
	a := &mockConn{id: "a", room: "r1"}
	h.Join(a, nil)
	require.NoError(t, h.Apply(a, []byte{1}, []byte("frame")))
	h.Leave(a)

	var snapshot []byte
	h.Join(&mockConn{id: "b", room: "r1"}, func(doc document.Document) {
		snapshot = doc.EncodeStateAsUpdate()
	})

	assert.Empty(t, snapshot)
}

func TestHub_RoomExistsIffMembers(t *testing.T) {
	h := New()
	rng := rand.New(rand.NewSource(1))
	conns := make([]*mockConn, 20)
	joined := make([]bool, len(conns))
	for i := range conns {
		conns[i] = &mockConn{id: fmt.Sprintf("c%d", i), room: fmt.Sprintf("r%d", i%4)}
	}

	for step := 0; step < 500; step++ {
		i := rng.Intn(len(conns))
		if joined[i] {
			h.Leave(conns[i])
		} else {
			h.Join(conns[i], nil)
		}
		joined[i] = !joined[i]

		want := map[string]int{}
		for j, c := range conns {
			if joined[j] {
				want[c.room]++
			}
		}
		got := map[string]int{}
		for _, rc := range h.RoomCounts() {
			got[rc.Room] = rc.Members
		}
		require.Equal(t, want, got, "step %d", step)
	}
}

func TestHub_ConcurrentJoinLeave(t *testing.T) {
	h := New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &mockConn{id: fmt.Sprintf("c%d", i), room: "shared"}
			h.Join(conn, nil)
			h.Broadcast(conn, []byte("hello"))
			h.Leave(conn)
		}(i)
	}
	wg.Wait()

	rooms, clients := h.Stats()
	assert.Equal(t, 0, rooms)
	assert.Equal(t, 0, clients)
}
