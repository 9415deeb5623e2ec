package main

import "sync"

// A room is the authoritative state of one planning-poker session. Votes are
// keyed by member name; a nil vote means the member has not cast one this
// round. The admin is always a current member, and a room with zero members
// is removed from the registry rather than kept around empty.
type room struct {
	votes    map[string]*string
	revealed bool
	locked   bool
	admin    string
}

// Rooms is the in-memory room registry. Each operation is atomic under the
// registry lock: it either fully applies or leaves the room untouched.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func newRooms() *Rooms {
	return &Rooms{
		rooms: make(map[string]*room),
	}
}

// Join adds member to roomID, creating the room first if needed. The first
// joiner of a fresh room becomes its admin. A name already present in the
// room is rejected with ErrDuplicateMember, never silently merged.
func (r *Rooms) Join(roomID, member string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			votes: make(map[string]*string),
			admin: member,
		}
		r.rooms[roomID] = rm
	}

	if _, taken := rm.votes[member]; taken {
		return ErrDuplicateMember
	}

	rm.votes[member] = nil

	return nil
}

// Leave removes member from roomID and reports whether the departure was the
// admin's. Admin departure unconditionally destroys the room, even with
// members remaining; so does the last member walking out. Unknown rooms and
// members are a no-op, not an error.
func (r *Rooms) Leave(roomID, member string) (wasAdmin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}

	delete(rm.votes, member)

	wasAdmin = rm.admin == member
	if wasAdmin || len(rm.votes) == 0 {
		delete(r.rooms, roomID)
	}

	return wasAdmin
}

// SubmitVote stores member's vote. An empty vote normalizes to absent, so a
// member can retract without leaving. Submissions are refused room-wide,
// admin included, while the room is locked.
func (r *Rooms) SubmitVote(roomID, member, vote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := rm.votes[member]; !ok {
		return ErrMemberNotFound
	}
	if rm.locked {
		return ErrVotesLocked
	}

	if vote == "" {
		rm.votes[member] = nil
	} else {
		rm.votes[member] = &vote
	}

	return nil
}

// SetVisibility reveals or hides votes. Admin only.
func (r *Rooms) SetVisibility(roomID, requester string, revealed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.admin != requester {
		return ErrNotAdmin
	}

	rm.revealed = revealed

	return nil
}

// ClearVotes starts a fresh round: every vote becomes absent, votes are
// hidden again, and the lock is released. Admin only.
func (r *Rooms) ClearVotes(roomID, requester string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.admin != requester {
		return ErrNotAdmin
	}

	for member := range rm.votes {
		rm.votes[member] = nil
	}
	rm.revealed = false
	rm.locked = false

	return nil
}

// SetLock blocks or allows further vote submissions. Admin only.
func (r *Rooms) SetLock(roomID, requester string, locked bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.admin != requester {
		return ErrNotAdmin
	}

	rm.locked = locked

	return nil
}

// TransferAdmin reassigns admin rights to another current member.
func (r *Rooms) TransferAdmin(roomID, currentAdmin, newAdmin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.admin != currentAdmin {
		return ErrNotAdmin
	}
	if _, ok := rm.votes[newAdmin]; !ok {
		return ErrNotAMember
	}

	rm.admin = newAdmin

	return nil
}

// RemoveParticipant deletes target's membership and vote. Admins cannot
// remove themselves; they leave (and end the session) instead.
func (r *Rooms) RemoveParticipant(roomID, requester, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if rm.admin != requester {
		return ErrNotAdmin
	}
	if _, ok := rm.votes[target]; !ok {
		return ErrNotAMember
	}
	if target == requester {
		return ErrCannotRemoveSelf
	}

	delete(rm.votes, target)

	return nil
}

// Vote returns member's vote through the masking rule: the real value when
// revealed, "?" when a hidden vote exists, nil when no vote was cast.
func (r *Rooms) Vote(roomID, member string) (*string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	vote, ok := rm.votes[member]
	if !ok {
		return nil, ErrMemberNotFound
	}

	return maskVote(rm.revealed, vote), nil
}

// Votes returns the full member→vote map with the masking rule applied
// uniformly. Unknown rooms yield an empty map; reads are never an error.
func (r *Rooms) Votes(roomID string) map[string]*string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return map[string]*string{}
	}

	out := make(map[string]*string, len(rm.votes))
	for member, vote := range rm.votes {
		out[member] = maskVote(rm.revealed, vote)
	}

	return out
}

// maskVote hides a present vote behind the "?" placeholder while the room is
// unrevealed. An absent vote stays absent so "hasn't voted" and "voted but
// hidden" remain distinguishable.
func maskVote(revealed bool, vote *string) *string {
	if revealed || vote == nil {
		return vote
	}
	masked := "?"
	return &masked
}

// Members lists the room's member names, empty for an unknown room.
func (r *Rooms) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return []string{}
	}

	out := make([]string, 0, len(rm.votes))
	for member := range rm.votes {
		out = append(out, member)
	}

	return out
}

// Admin returns the room's admin, or "" for an unknown room.
func (r *Rooms) Admin(roomID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm.admin
	}

	return ""
}

func (r *Rooms) IsAdmin(roomID, member string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm.admin == member
	}

	return false
}

func (r *Rooms) Revealed(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm.revealed
	}

	return false
}

func (r *Rooms) Locked(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[roomID]; ok {
		return rm.locked
	}

	return false
}

func (r *Rooms) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID]

	return ok
}

// Count reports the number of live rooms, for metrics and the homepage.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}
