package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PPClient/model"
)

func TestRouterDispatchesChatMessage(t *testing.T) {
	r := NewRouter()
	var got []model.Message
	defer r.OnChatMessage(func(m model.Message) { got = append(got, m) })()

	r.Route(&Frame{Type: FrameChatMessage, ID: "m1", ChatID: "c1", SenderID: "u2", Content: "hi", Timestamp: 1700000000000})

	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "c1", got[0].ChatID)
	assert.Equal(t, "hi", got[0].Content)
	assert.Equal(t, time.UnixMilli(1700000000000), got[0].CreatedAt)
}

func TestRouterMessageAliasSharesPipeline(t *testing.T) {
	r := NewRouter()
	var got []model.Message
	defer r.OnChatMessage(func(m model.Message) { got = append(got, m) })()

	r.Route(&Frame{Type: FrameMessage, ID: "m1", ChatID: "c1", Content: "via alias"})

	require.Len(t, got, 1)
	assert.Equal(t, "via alias", got[0].Content)
}

func TestRouterPrefersEmbeddedMessage(t *testing.T) {
	r := NewRouter()
	var got []model.Message
	defer r.OnChatMessage(func(m model.Message) { got = append(got, m) })()

	r.Route(&Frame{
		Type:   FrameChatMessage,
		ChatID: "c1",
		Message: &model.Message{
			ID:       "m7",
			SenderID: "u2",
			Content:  "embedded wins",
		},
	})

	require.Len(t, got, 1)
	assert.Equal(t, "m7", got[0].ID)
	assert.Equal(t, "c1", got[0].ChatID, "chat id backfilled from the envelope")
}

func TestRouterAck(t *testing.T) {
	r := NewRouter()
	var got []Ack
	defer r.OnAck(func(a Ack) { got = append(got, a) })()

	r.Route(&Frame{Type: FrameMessageSent, ID: "m1", ChatID: "c1", ClientTempID: "tmp-1"})

	require.Len(t, got, 1)
	assert.Equal(t, "tmp-1", got[0].ClientTempID)
	assert.Equal(t, "m1", got[0].Message.ID)
}

func TestRouterAckWithoutCorrelationDropped(t *testing.T) {
	r := NewRouter()
	var got []Ack
	defer r.OnAck(func(a Ack) { got = append(got, a) })()

	r.Route(&Frame{Type: FrameMessageSent})
	assert.Empty(t, got)
}

func TestRouterMembershipEvent(t *testing.T) {
	r := NewRouter()
	var got []MembershipEvent
	defer r.OnMembershipChanged(func(ev MembershipEvent) { got = append(got, ev) })()

	r.Route(&Frame{
		Type:      FrameChatEvent,
		EventType: EventParticipantsAdded,
		ChatID:    "c1",
		Payload: map[string]any{
			"actorId": "u1",
			"userIds": []any{"u3", "u4"},
		},
	})

	require.Len(t, got, 1)
	assert.Equal(t, EventParticipantsAdded, got[0].EventType)
	assert.Equal(t, "c1", got[0].Change.ChatID)
	assert.Equal(t, "u1", got[0].Change.ActorID)
	assert.Equal(t, []string{"u3", "u4"}, got[0].Change.UserIDs)
}

func TestRouterMessageReceivedUnwrapsToChatMessage(t *testing.T) {
	r := NewRouter()
	var msgs []model.Message
	var members []MembershipEvent
	defer r.OnChatMessage(func(m model.Message) { msgs = append(msgs, m) })()
	defer r.OnMembershipChanged(func(ev MembershipEvent) { members = append(members, ev) })()

	r.Route(&Frame{
		Type:      FrameChatEvent,
		EventType: EventMessageReceived,
		ChatID:    "c1",
		Message:   &model.Message{ID: "m5", ChatID: "c1", Content: "wrapped"},
	})

	require.Len(t, msgs, 1)
	assert.Equal(t, "m5", msgs[0].ID)
	assert.Empty(t, members, "wrapped delivery is not a membership change")
}

func TestRouterSystemNotice(t *testing.T) {
	r := NewRouter()
	var got []model.Message
	defer r.OnSystemNotice(func(m model.Message) { got = append(got, m) })()

	r.Route(&Frame{Type: FrameSystemMessage, ChatID: "c1", Content: "u2 left the chat"})

	require.Len(t, got, 1)
	assert.Equal(t, model.MessageSystem, got[0].Kind)
}

func TestRouterServerError(t *testing.T) {
	r := NewRouter()
	var got []ServerError
	defer r.OnError(func(se ServerError) { got = append(got, se) })()

	r.Route(&Frame{Type: FrameError, Code: 429, Reason: "rate limited", ClientTempID: "tmp-9"})

	require.Len(t, got, 1)
	assert.Equal(t, 429, got[0].Code)
	assert.Equal(t, "tmp-9", got[0].ClientTempID)
}

func TestRouterUnknownTypeDropped(t *testing.T) {
	r := NewRouter()
	var msgs []model.Message
	defer r.OnChatMessage(func(m model.Message) { msgs = append(msgs, m) })()

	r.Route(&Frame{Type: "TYPING_INDICATOR", ChatID: "c1"})
	assert.Empty(t, msgs)
}

func TestRouterPongConsumedInternally(t *testing.T) {
	r := NewRouter()
	var msgs []model.Message
	defer r.OnChatMessage(func(m model.Message) { msgs = append(msgs, m) })()

	before := r.LastPong()
	r.Route(&Frame{Type: FramePong})

	assert.True(t, r.LastPong().After(before))
	assert.Empty(t, msgs)
}

func TestRouterUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRouter()
	var got []model.Message
	unsub := r.OnChatMessage(func(m model.Message) { got = append(got, m) })

	r.Route(&Frame{Type: FrameChatMessage, ID: "m1", ChatID: "c1"})
	unsub()
	r.Route(&Frame{Type: FrameChatMessage, ID: "m2", ChatID: "c1"})

	assert.Len(t, got, 1)
}
