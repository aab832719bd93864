package registry

import "github.com/meshconf/signaling-relay/internal/protocol"

// RoomStats summarizes one room for the /stats endpoint.
type RoomStats struct {
	RoomID      string              `json:"roomId"`
	MemberCount int                 `json:"memberCount"`
	Members     []protocol.UserInfo `json:"members"`
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	TotalRooms   int         `json:"totalRooms"`
	TotalMembers int         `json:"totalMembers"`
	Rooms        []RoomStats `json:"rooms"`
}

// Snapshot captures current rooms and membership. Room order is
// unspecified; member order is join order.
func (r *Registry) Snapshot() Stats {
	var stats Stats
	_ = r.do(func() {
		stats.TotalRooms = len(r.rooms)
		stats.TotalMembers = len(r.userToRoom)
		stats.Rooms = make([]RoomStats, 0, len(r.rooms))
		for id, rm := range r.rooms {
			rs := RoomStats{
				RoomID:      id,
				MemberCount: len(rm.members),
				Members:     make([]protocol.UserInfo, 0, len(rm.members)),
			}
			for _, m := range rm.members {
				rs.Members = append(rs.Members, m.Info())
			}
			stats.Rooms = append(stats.Rooms, rs)
		}
	})
	return stats
}
