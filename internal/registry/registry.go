// Package registry is the relay's authoritative store of rooms and members.
//
// All mutations run on a single owner goroutine (Run); the exported methods
// hand closures to that goroutine and wait for the result. Rooms are
// independent, so no global lock is ever needed beyond the owner's inbox.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/meshconf/signaling-relay/internal/metrics"
	"github.com/meshconf/signaling-relay/internal/protocol"
)

var (
	ErrAlreadyInRoom = errors.New("registry: user already in a room")
	ErrNotInRoom     = errors.New("registry: user not in a room")
	ErrRoomFull      = errors.New("registry: room is full")
	ErrClosed        = errors.New("registry: closed")
)

// Transport is the relay's non-owning handle to a participant connection.
// Deliver must not block the caller for long; implementations queue.
type Transport interface {
	Deliver(env protocol.Envelope) error
	IsOpen() bool
}

// Member is one participant's membership record.
type Member struct {
	UserID   string
	UserName string
	JoinedAt time.Time

	transport Transport
}

func (m *Member) Info() protocol.UserInfo {
	return protocol.UserInfo{UserID: m.UserID, UserName: m.UserName}
}

// room keeps members as a slice so join order is preserved for the
// room-joined member list.
type room struct {
	id      string
	members []*Member
}

func (r *room) find(userID string) (int, *Member) {
	for i, m := range r.members {
		if m.UserID == userID {
			return i, m
		}
	}
	return -1, nil
}

// Config carries the registry's injected dependencies.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxRoomMembers caps room size; zero means unlimited. Full-mesh fan-out
	// is quadratic in room size, so deployments should set a bound.
	MaxRoomMembers int
}

// Registry owns the room and member tables.
type Registry struct {
	log            *slog.Logger
	metrics        *metrics.Metrics
	maxRoomMembers int

	rooms      map[string]*room
	userToRoom map[string]string

	ops  chan func()
	done chan struct{}
}

func New(cfg Config) *Registry {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:            log,
		metrics:        cfg.Metrics,
		maxRoomMembers: cfg.MaxRoomMembers,
		rooms:          make(map[string]*room),
		userToRoom:     make(map[string]string),
		ops:            make(chan func()),
		done:           make(chan struct{}),
	}
}

// Run executes registry operations until ctx is cancelled. It must be
// running for any other method to make progress.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-ctx.Done():
			return
		}
	}
}

// do runs op on the owner goroutine and waits for it to finish.
func (r *Registry) do(op func()) error {
	wrapped := make(chan struct{})
	select {
	case r.ops <- func() {
		op()
		close(wrapped)
	}:
	case <-r.done:
		return ErrClosed
	}
	select {
	case <-wrapped:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Join admits userID into roomID, creating the room if absent. It returns
// the members that were already present, in join order, excluding the
// joiner.
//
// The joiner's room-joined snapshot and the user-joined announcement to the
// other members are delivered inside the same registry operation. Every
// member therefore learns of each peer exactly once, either from its own
// snapshot or from an announcement; a peer seen through both would make
// both sides initiate and the negotiation collides in glare.
func (r *Registry) Join(roomID, userID, userName string, t Transport) ([]protocol.UserInfo, error) {
	var (
		existing []protocol.UserInfo
		joinErr  error
	)
	err := r.do(func() {
		if _, ok := r.userToRoom[userID]; ok {
			joinErr = ErrAlreadyInRoom
			return
		}

		rm, ok := r.rooms[roomID]
		if !ok {
			rm = &room{id: roomID}
			r.rooms[roomID] = rm
			r.metrics.Inc(metrics.RoomsCreated)
			r.log.Info("room created", "room_id", roomID)
		}

		if r.maxRoomMembers > 0 && len(rm.members) >= r.maxRoomMembers {
			r.metrics.Inc(metrics.JoinRejected)
			r.log.Warn("join rejected, room full", "room_id", roomID, "user_id", userID, "room_size", len(rm.members))
			joinErr = ErrRoomFull
			return
		}

		existing = make([]protocol.UserInfo, 0, len(rm.members))
		for _, m := range rm.members {
			existing = append(existing, m.Info())
		}

		rm.members = append(rm.members, &Member{
			UserID:    userID,
			UserName:  userName,
			JoinedAt:  time.Now(),
			transport: t,
		})
		r.userToRoom[userID] = roomID
		r.metrics.Inc(metrics.MembersJoined)
		r.log.Info("member joined", "room_id", roomID, "user_id", userID, "user_name", userName, "room_size", len(rm.members))

		if t != nil {
			_ = t.Deliver(protocol.Envelope{
				Type:   protocol.TypeRoomJoined,
				RoomID: roomID,
				UserID: userID,
				Users:  existing,
			})
		}
		r.broadcastLocked(rm, userID, protocol.Envelope{
			Type:     protocol.TypeUserJoined,
			UserID:   userID,
			UserName: userName,
		})
	})
	if err != nil {
		return nil, err
	}
	return existing, joinErr
}

// LeaveResult describes the room the member left.
type LeaveResult struct {
	RoomID   string
	UserName string
	// Remaining members in join order; empty when the room was deleted.
	Remaining []protocol.UserInfo
}

// Leave removes userID from its room, deleting the room when it empties.
// The remaining members receive a user-left announcement in the same
// operation.
func (r *Registry) Leave(userID string) (LeaveResult, error) {
	var (
		res      LeaveResult
		leaveErr error
	)
	err := r.do(func() {
		roomID, ok := r.userToRoom[userID]
		if !ok {
			leaveErr = ErrNotInRoom
			return
		}
		rm := r.rooms[roomID]
		i, m := rm.find(userID)

		rm.members = append(rm.members[:i], rm.members[i+1:]...)
		delete(r.userToRoom, userID)
		r.metrics.Inc(metrics.MembersLeft)

		res.RoomID = roomID
		res.UserName = m.UserName
		res.Remaining = make([]protocol.UserInfo, 0, len(rm.members))
		for _, rem := range rm.members {
			res.Remaining = append(res.Remaining, rem.Info())
		}

		r.broadcastLocked(rm, userID, protocol.Envelope{
			Type:     protocol.TypeUserLeft,
			UserID:   userID,
			UserName: m.UserName,
		})

		r.log.Info("member left", "room_id", roomID, "user_id", userID, "room_size", len(rm.members))
		if len(rm.members) == 0 {
			delete(r.rooms, roomID)
			r.metrics.Inc(metrics.RoomsDeleted)
			r.log.Info("room deleted", "room_id", roomID)
		}
	})
	if err != nil {
		return LeaveResult{}, err
	}
	return res, leaveErr
}

// Broadcast delivers env to every member of roomID except excludeUserID.
// Members whose transport is not open are skipped silently. Returns the
// number of deliveries attempted.
func (r *Registry) Broadcast(roomID, excludeUserID string, env protocol.Envelope) int {
	delivered := 0
	_ = r.do(func() {
		rm, ok := r.rooms[roomID]
		if !ok {
			return
		}
		delivered = r.broadcastLocked(rm, excludeUserID, env)
		r.metrics.Inc(metrics.BroadcastsSent)
	})
	return delivered
}

// broadcastLocked delivers env to every member of rm except excludeUserID.
// Runs on the owner goroutine only.
func (r *Registry) broadcastLocked(rm *room, excludeUserID string, env protocol.Envelope) int {
	delivered := 0
	for _, m := range rm.members {
		if m.UserID == excludeUserID {
			continue
		}
		if m.transport == nil || !m.transport.IsOpen() {
			r.metrics.Inc(metrics.BroadcastDropped)
			continue
		}
		if err := m.transport.Deliver(env); err != nil {
			r.metrics.Inc(metrics.BroadcastDropped)
			continue
		}
		delivered++
	}
	return delivered
}

// RouteTo delivers env to targetUserID. A false return is a benign race
// (target unknown or unreachable), not an error; signaling callers must
// tolerate it.
func (r *Registry) RouteTo(targetUserID string, env protocol.Envelope) bool {
	delivered := false
	_ = r.do(func() {
		roomID, ok := r.userToRoom[targetUserID]
		if !ok {
			r.metrics.Inc(metrics.RouteMisses)
			return
		}
		_, m := r.rooms[roomID].find(targetUserID)
		if m == nil || !m.transport.IsOpen() {
			r.metrics.Inc(metrics.RouteMisses)
			return
		}
		if err := m.transport.Deliver(env); err != nil {
			r.metrics.Inc(metrics.RouteMisses)
			return
		}
		r.metrics.Inc(metrics.EnvelopesRouted)
		delivered = true
	})
	return delivered
}

// RoomOf returns the room a user currently belongs to.
func (r *Registry) RoomOf(userID string) (string, bool) {
	var (
		roomID string
		ok     bool
	)
	_ = r.do(func() {
		roomID, ok = r.userToRoom[userID]
	})
	return roomID, ok
}
