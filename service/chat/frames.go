package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"PPClient/model"
)

// Frame type discriminators exchanged with the gateway.
const (
	FrameAuthAck       = "AUTH_ACK"
	FrameChatMessage   = "CHAT_MESSAGE"
	FrameMessage       = "MESSAGE" // wire alias of CHAT_MESSAGE
	FrameMessageSent   = "MESSAGE_SENT"
	FrameChatEvent     = "CHAT_EVENT"
	FrameSystemMessage = "SYSTEM_MESSAGE"
	FrameError         = "ERROR"
	FramePong          = "PONG"
)

// CHAT_EVENT eventType values.
const (
	EventChatCreated        = "CHAT_CREATED"
	EventParticipantsAdded  = "PARTICIPANTS_ADDED"
	EventParticipantRemoved = "PARTICIPANT_REMOVED"
	EventParticipantLeft    = "PARTICIPANT_LEFT"
	EventCreatorChanged     = "CREATOR_CHANGED"
	EventMessageReceived    = "MESSAGE_RECEIVED"
)

// Frame is the JSON envelope on the realtime channel. Only Type is always
// present; the rest depends on the discriminator.
type Frame struct {
	Type         string         `json:"type"`
	ID           string         `json:"id,omitempty"` // server message id, when flat
	ChatID       string         `json:"chatId,omitempty"`
	SenderID     string         `json:"senderId,omitempty"`
	Content      string         `json:"content,omitempty"`
	ClientTempID string         `json:"clientTempId,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Message      *model.Message `json:"message,omitempty"`
	EventType    string         `json:"eventType,omitempty"`
	Code         int            `json:"code,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ParseFrame decodes one wire frame. Unknown fields are ignored; a missing
// discriminator is a protocol error.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type discriminator")
	}
	return &f, nil
}

// BuildChatMessage constructs the outbound frame for a user message.
func BuildChatMessage(chatID, content, clientTempID string) *Frame {
	return &Frame{
		Type:         FrameChatMessage,
		ChatID:       chatID,
		Content:      content,
		ClientTempID: clientTempID,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// Encode renders the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// IsAuthRejection reports whether an ERROR frame during the handshake means
// the server refused the credential.
func (f *Frame) IsAuthRejection() bool {
	return f.Type == FrameError && (f.Code == 401 || f.Code == 403)
}

// MembershipChange is the decoded payload of a membership CHAT_EVENT.
type MembershipChange struct {
	ChatID  string   `json:"chatId"`
	ActorID string   `json:"actorId,omitempty"`
	UserIDs []string `json:"userIds,omitempty"`
}
