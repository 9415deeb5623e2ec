/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import "errors"

// Domain errors returned by the room registry. The texts double as the
// error{message} payloads sent back to the offending client, so they are
// phrased for people rather than for logs.
var (
	ErrRoomNotFound     = errors.New("Room does not exist")
	ErrMemberNotFound   = errors.New("User not in room")
	ErrDuplicateMember  = errors.New("Username is already taken")
	ErrNotAdmin         = errors.New("Only the admin can do that")
	ErrVotesLocked      = errors.New("Votes are locked")
	ErrNotAMember       = errors.New("Participant not found in room")
	ErrCannotRemoveSelf = errors.New("Admin cannot remove themselves")
)
