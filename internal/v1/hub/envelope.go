package hub

import (
	"encoding/json"
	"time"
)

// Code is a protocol error code, carried as a typed string rather than a
// bare string so callers switch on known values instead of comparing
// free-form text.
type Code string

const (
	CodeBadRequest           Code = "BAD_REQUEST"
	CodeUnsupportedVersion   Code = "UNSUPPORTED_VERSION"
	CodeInvalidRoomID        Code = "INVALID_ROOM_ID"
	CodeServerNotConfigured Code = "SERVER_NOT_CONFIGURED"
	CodeRoomFull             Code = "ROOM_FULL"
	CodeNotHost              Code = "NOT_HOST"
	CodeInternal             Code = "INTERNAL"
)

// Message type constants, client→server and server→client.
const (
	TypeJoin        = "join"
	TypeLeave       = "leave"
	TypeEndRoom     = "end_room"
	TypeOffer       = "offer"
	TypeAnswer      = "answer"
	TypeIce         = "ice"
	TypeWatchRooms  = "watch_rooms"
	TypePing        = "ping"

	TypeJoined            = "joined"
	TypeRoomState         = "room_state"
	TypeRoomEnded         = "room_ended"
	TypeRoomStatuses      = "room_statuses"
	TypeRoomStatusUpdate  = "room_status_update"
	TypeError             = "error"
)

// ProtocolVersion is the only accepted value of Envelope.V.
const ProtocolVersion = 1

// Envelope is the JSON wire format for every message exchanged between a
// transport adapter and the hub, in either direction.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Rid     string          `json:"rid,omitempty"`
	Sid     string          `json:"sid,omitempty"`
	Cid     string          `json:"cid,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the payload of a "join" message.
type JoinPayload struct {
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	ReconnectCid string          `json:"reconnectCid,omitempty"`
}

// ParticipantInfo identifies one room participant in outward-facing
// payloads.
type ParticipantInfo struct {
	Cid string `json:"cid"`
}

// JoinedPayload is the payload of the "joined" reply to a successful join.
type JoinedPayload struct {
	HostCid             string            `json:"hostCid"`
	Participants        []ParticipantInfo `json:"participants"`
	TurnToken           string            `json:"turnToken,omitempty"`
	TurnTokenExpiresAt  *time.Time        `json:"turnTokenExpiresAt,omitempty"`
}

// RoomStatePayload is the payload of a "room_state" broadcast.
type RoomStatePayload struct {
	HostCid      string            `json:"hostCid"`
	Participants []ParticipantInfo `json:"participants"`
}

// RoomEndedPayload is the payload of a "room_ended" message.
type RoomEndedPayload struct {
	By     string `json:"by"`
	Reason string `json:"reason"`
}

// RoomStatusUpdatePayload is the payload of a "room_status_update" message.
type RoomStatusUpdatePayload struct {
	Rid   string `json:"rid"`
	Count int    `json:"count"`
}

// ErrorPayload is the payload of an "error" message.
type ErrorPayload struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func marshalOrEmpty(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}
