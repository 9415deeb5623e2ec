// Package protocol implements the pointbox wire protocol: a JSON envelope
// per text frame, typed inbound messages validated at decode time, and
// encoded outbound frames ready for fan-out.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeSubmitVote        = "submitVote"
	TypeRevealVotes       = "revealVotes"
	TypeHideVotes         = "hideVotes"
	TypeClearVotes        = "clearVotes"
	TypeTransferAdmin     = "transferAdmin"
	TypeLockVotes         = "lockVotes"
	TypeUnlockVotes       = "unlockVotes"
	TypeRemoveParticipant = "removeParticipant"
)

// Outbound message types.
const (
	TypeUserJoined       = "userJoined"
	TypeJoinRoomSuccess  = "joinRoomSuccess"
	TypeUserVoted        = "userVoted"
	TypeVoteStatus       = "voteStatus"
	TypeVotesCleared     = "votesCleared"
	TypeAdminTransferred = "adminTransferred"
	TypeVoteLockStatus   = "voteLockStatus"
	TypeYouWereRemoved   = "youWereRemoved"
	TypeUserLeft         = "userLeft"
	TypeRoomClosed       = "roomClosed"
	TypeError            = "error"
)

// Keep-alive frames bypass the envelope entirely: the literal token is
// answered with the literal reply before any JSON decoding happens.
const (
	KeepAlive      = "ping"
	KeepAliveReply = "pong"
)

// RemovedReason is the reserved close reason sent with status 1000 when an
// admin removes a participant. Clients must treat it as terminal and never
// reconnect after receiving it.
const RemovedReason = "Removed by room admin"

// Envelope is the wire frame: {"type": <string>, "data": <object, optional>}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeError reports a malformed or unrecognized inbound frame. It is
// surfaced to the offending client as an error{message} reply, never as a
// connection close.
type DecodeError struct {
	msg string
}

func (e *DecodeError) Error() string {
	return e.msg
}

func decodeErrorf(format string, args ...any) *DecodeError {
	return &DecodeError{msg: fmt.Sprintf(format, args...)}
}

// Inbound is the closed set of messages a client may send. Exactly one
// concrete type exists per inbound wire type.
type Inbound interface {
	inbound()
}

type SubmitVote struct {
	// Vote is the raw submitted token; empty means the member is retracting
	// their vote (normalized to absent by the room registry).
	Vote string
}

type RevealVotes struct{}

type HideVotes struct{}

type ClearVotes struct{}

type TransferAdmin struct {
	NewAdmin string
}

type LockVotes struct{}

type UnlockVotes struct{}

type RemoveParticipant struct {
	Participant string
}

func (SubmitVote) inbound()        {}
func (RevealVotes) inbound()       {}
func (HideVotes) inbound()         {}
func (ClearVotes) inbound()        {}
func (TransferAdmin) inbound()     {}
func (LockVotes) inbound()         {}
func (UnlockVotes) inbound()       {}
func (RemoveParticipant) inbound() {}

// Decode parses one inbound frame into its typed variant. Fields are
// validated here so handlers never see a half-formed message.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{msg: "Invalid message format. Please send valid JSON."}
	}

	switch env.Type {
	case TypeSubmitVote:
		var data struct {
			Vote string `json:"vote"`
		}
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		return SubmitVote{Vote: data.Vote}, nil

	case TypeRevealVotes:
		return RevealVotes{}, nil

	case TypeHideVotes:
		return HideVotes{}, nil

	case TypeClearVotes:
		return ClearVotes{}, nil

	case TypeTransferAdmin:
		var data struct {
			NewAdmin string `json:"newAdmin"`
		}
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.NewAdmin == "" {
			return nil, decodeErrorf("%s requires a newAdmin field", TypeTransferAdmin)
		}
		return TransferAdmin{NewAdmin: data.NewAdmin}, nil

	case TypeLockVotes:
		return LockVotes{}, nil

	case TypeUnlockVotes:
		return UnlockVotes{}, nil

	case TypeRemoveParticipant:
		var data struct {
			Participant string `json:"participant"`
		}
		if err := decodeData(env.Data, &data); err != nil {
			return nil, err
		}
		if data.Participant == "" {
			return nil, decodeErrorf("%s requires a participant field", TypeRemoveParticipant)
		}
		return RemoveParticipant{Participant: data.Participant}, nil

	case "":
		return nil, &DecodeError{msg: "Message type is required"}

	default:
		return nil, &DecodeError{msg: "Unknown message type"}
	}
}

// decodeData unmarshals an envelope payload, rejecting unknown fields.
// A missing payload decodes as all-zero so messages with optional fields
// (submitVote without a vote) stay valid.
func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return decodeErrorf("Invalid message data: %v", err)
	}
	return nil
}

// Encode builds an outbound frame. The payload types below are all
// marshal-safe, so errors are treated as programmer mistakes.
func Encode(typ string, data any) []byte {
	b, err := json.Marshal(Envelope{Type: typ, Data: marshalData(data)})
	if err != nil {
		panic("protocol: encode " + typ + ": " + err.Error())
	}
	return b
}

func marshalData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		panic("protocol: marshal data: " + err.Error())
	}
	return b
}

type userJoinedData struct {
	Username string `json:"username"`
}

type joinRoomSuccessData struct {
	Participants map[string]*string `json:"participants"`
	Admin        string             `json:"admin"`
	Locked       bool               `json:"locked"`
}

type userVotedData struct {
	Username string  `json:"username"`
	Vote     *string `json:"vote"`
}

type voteStatusData struct {
	Revealed bool               `json:"revealed"`
	Votes    map[string]*string `json:"votes"`
}

type adminTransferredData struct {
	NewAdmin string `json:"newAdmin"`
}

type voteLockStatusData struct {
	Locked bool `json:"locked"`
}

type youWereRemovedData struct {
	RemovedBy string `json:"removedBy"`
}

type userLeftData struct {
	Username string `json:"username"`
}

type roomClosedData struct {
	Reason string `json:"reason"`
}

type errorData struct {
	Message string `json:"message"`
}

func UserJoined(username string) []byte {
	return Encode(TypeUserJoined, userJoinedData{Username: username})
}

// JoinRoomSuccess is the full-state snapshot sent to a joiner: the masked
// vote map, the current admin, and the lock state.
func JoinRoomSuccess(participants map[string]*string, admin string, locked bool) []byte {
	return Encode(TypeJoinRoomSuccess, joinRoomSuccessData{
		Participants: participants,
		Admin:        admin,
		Locked:       locked,
	})
}

func UserVoted(username string, vote *string) []byte {
	return Encode(TypeUserVoted, userVotedData{Username: username, Vote: vote})
}

func VoteStatus(revealed bool, votes map[string]*string) []byte {
	return Encode(TypeVoteStatus, voteStatusData{Revealed: revealed, Votes: votes})
}

// VotesCleared announces a fresh round: every vote absent, votes hidden,
// and the lock released.
func VotesCleared() []byte {
	return Encode(TypeVotesCleared, nil)
}

func AdminTransferred(newAdmin string) []byte {
	return Encode(TypeAdminTransferred, adminTransferredData{NewAdmin: newAdmin})
}

func VoteLockStatus(locked bool) []byte {
	return Encode(TypeVoteLockStatus, voteLockStatusData{Locked: locked})
}

func YouWereRemoved(removedBy string) []byte {
	return Encode(TypeYouWereRemoved, youWereRemovedData{RemovedBy: removedBy})
}

func UserLeft(username string) []byte {
	return Encode(TypeUserLeft, userLeftData{Username: username})
}

func RoomClosed(reason string) []byte {
	return Encode(TypeRoomClosed, roomClosedData{Reason: reason})
}

func ErrorMessage(message string) []byte {
	return Encode(TypeError, errorData{Message: message})
}
