package chat

import (
	"sync"
	"time"

	"PPClient/logger"
	"PPClient/model"
	"PPClient/tools/decode"
)

// Ack correlates a MESSAGE_SENT frame to a prior send.
type Ack struct {
	ClientTempID string
	Message      model.Message
}

// MembershipEvent is a decoded chat-membership CHAT_EVENT.
type MembershipEvent struct {
	EventType string
	Change    MembershipChange
}

// ServerError is a server-reported failure for a specific prior action.
type ServerError struct {
	Code         int
	Reason       string
	ClientTempID string
}

// Handler consumes one frame type. Mirrors the gateway-side dispatch table:
// one handler per discriminator, registered in a Router.
type Handler interface {
	Type() string
	Handle(f *Frame) error
}

// Router classifies inbound authenticated frames and dispatches them to the
// matching subscriber set, synchronously and in arrival order. Keepalive
// frames are consumed internally; unknown discriminators are logged and
// dropped, never fatal.
type Router struct {
	handlers map[string]Handler

	subMu      sync.Mutex
	nextID     int
	msgSubs    map[int]func(model.Message)
	ackSubs    map[int]func(Ack)
	memberSubs map[int]func(MembershipEvent)
	sysSubs    map[int]func(model.Message)
	errSubs    map[int]func(ServerError)

	pongMu   sync.Mutex
	lastPong time.Time
}

func NewRouter() *Router {
	r := &Router{
		handlers:   make(map[string]Handler),
		msgSubs:    make(map[int]func(model.Message)),
		ackSubs:    make(map[int]func(Ack)),
		memberSubs: make(map[int]func(MembershipEvent)),
		sysSubs:    make(map[int]func(model.Message)),
		errSubs:    make(map[int]func(ServerError)),
	}
	for _, h := range []Handler{
		&chatMessageHandler{r: r, frameType: FrameChatMessage},
		&chatMessageHandler{r: r, frameType: FrameMessage},
		&ackHandler{r: r},
		&chatEventHandler{r: r},
		&systemHandler{r: r},
		&errorHandler{r: r},
		&pongHandler{r: r},
	} {
		r.Register(h)
	}
	return r
}

// Register installs h for its frame type, replacing any previous handler.
func (r *Router) Register(h Handler) { r.handlers[h.Type()] = h }

// Route dispatches one frame. Returns without error on unknown types.
func (r *Router) Route(f *Frame) {
	h, ok := r.handlers[f.Type]
	if !ok {
		logger.Warnf("router: dropping frame with unknown type=%q", f.Type)
		return
	}
	if err := h.Handle(f); err != nil {
		logger.Errorf("router: handler for type=%s failed: %v", f.Type, err)
	}
}

// LastPong reports when the server keepalive was last seen.
func (r *Router) LastPong() time.Time {
	r.pongMu.Lock()
	defer r.pongMu.Unlock()
	return r.lastPong
}

// ---- subscriptions ----

func (r *Router) OnChatMessage(fn func(model.Message)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.msgSubs[id] = fn
	r.subMu.Unlock()
	return func() { r.subMu.Lock(); delete(r.msgSubs, id); r.subMu.Unlock() }
}

func (r *Router) OnAck(fn func(Ack)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.ackSubs[id] = fn
	r.subMu.Unlock()
	return func() { r.subMu.Lock(); delete(r.ackSubs, id); r.subMu.Unlock() }
}

func (r *Router) OnMembershipChanged(fn func(MembershipEvent)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.memberSubs[id] = fn
	r.subMu.Unlock()
	return func() { r.subMu.Lock(); delete(r.memberSubs, id); r.subMu.Unlock() }
}

func (r *Router) OnSystemNotice(fn func(model.Message)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.sysSubs[id] = fn
	r.subMu.Unlock()
	return func() { r.subMu.Lock(); delete(r.sysSubs, id); r.subMu.Unlock() }
}

func (r *Router) OnError(fn func(ServerError)) func() {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.errSubs[id] = fn
	r.subMu.Unlock()
	return func() { r.subMu.Lock(); delete(r.errSubs, id); r.subMu.Unlock() }
}

func (r *Router) emitMessage(m model.Message) {
	for _, fn := range r.snapshotMsg() {
		fn(m)
	}
}

func (r *Router) snapshotMsg() []func(model.Message) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	out := make([]func(model.Message), 0, len(r.msgSubs))
	for _, fn := range r.msgSubs {
		out = append(out, fn)
	}
	return out
}

// ---- built-in handlers ----

type chatMessageHandler struct {
	r         *Router
	frameType string
}

func (h *chatMessageHandler) Type() string { return h.frameType }

func (h *chatMessageHandler) Handle(f *Frame) error {
	msg := frameToMessage(f)
	if msg.ChatID == "" {
		logger.Warnf("router: chat message without chatId, dropped")
		return nil
	}
	h.r.emitMessage(msg)
	return nil
}

type ackHandler struct{ r *Router }

func (h *ackHandler) Type() string { return FrameMessageSent }

func (h *ackHandler) Handle(f *Frame) error {
	ack := Ack{ClientTempID: f.ClientTempID, Message: frameToMessage(f)}
	if ack.ClientTempID == "" && ack.Message.ID == "" {
		logger.Warnf("router: ack without correlation id, dropped")
		return nil
	}
	h.r.subMu.Lock()
	fns := make([]func(Ack), 0, len(h.r.ackSubs))
	for _, fn := range h.r.ackSubs {
		fns = append(fns, fn)
	}
	h.r.subMu.Unlock()
	for _, fn := range fns {
		fn(ack)
	}
	return nil
}

type chatEventHandler struct{ r *Router }

func (h *chatEventHandler) Type() string { return FrameChatEvent }

func (h *chatEventHandler) Handle(f *Frame) error {
	if f.EventType == EventMessageReceived {
		// membership wrapper around an embedded message: unwrap into the
		// chat-message path so delivery has a single pipeline
		if f.Message == nil {
			logger.Warnf("router: MESSAGE_RECEIVED without message, dropped")
			return nil
		}
		h.r.emitMessage(*f.Message)
		return nil
	}

	change := MembershipChange{ChatID: f.ChatID}
	if f.Payload != nil {
		decoded, err := decode.Map[MembershipChange](f.Payload)
		if err != nil {
			logger.Warnf("router: undecodable CHAT_EVENT payload: %v", err)
		} else {
			change = *decoded
			if change.ChatID == "" {
				change.ChatID = f.ChatID
			}
		}
	}

	ev := MembershipEvent{EventType: f.EventType, Change: change}
	h.r.subMu.Lock()
	fns := make([]func(MembershipEvent), 0, len(h.r.memberSubs))
	for _, fn := range h.r.memberSubs {
		fns = append(fns, fn)
	}
	h.r.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

type systemHandler struct{ r *Router }

func (h *systemHandler) Type() string { return FrameSystemMessage }

func (h *systemHandler) Handle(f *Frame) error {
	msg := frameToMessage(f)
	msg.Kind = model.MessageSystem
	h.r.subMu.Lock()
	fns := make([]func(model.Message), 0, len(h.r.sysSubs))
	for _, fn := range h.r.sysSubs {
		fns = append(fns, fn)
	}
	h.r.subMu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

type errorHandler struct{ r *Router }

func (h *errorHandler) Type() string { return FrameError }

func (h *errorHandler) Handle(f *Frame) error {
	se := ServerError{Code: f.Code, Reason: f.Reason, ClientTempID: f.ClientTempID}
	h.r.subMu.Lock()
	fns := make([]func(ServerError), 0, len(h.r.errSubs))
	for _, fn := range h.r.errSubs {
		fns = append(fns, fn)
	}
	h.r.subMu.Unlock()
	for _, fn := range fns {
		fn(se)
	}
	return nil
}

// pongHandler consumes keepalives; they never reach UI subscribers.
type pongHandler struct{ r *Router }

func (h *pongHandler) Type() string { return FramePong }

func (h *pongHandler) Handle(_ *Frame) error {
	h.r.pongMu.Lock()
	h.r.lastPong = time.Now()
	h.r.pongMu.Unlock()
	return nil
}

// frameToMessage lifts the message out of a frame, preferring the embedded
// object over the flat fields.
func frameToMessage(f *Frame) model.Message {
	if f.Message != nil {
		m := *f.Message
		if m.ChatID == "" {
			m.ChatID = f.ChatID
		}
		if m.ClientTempID == "" {
			m.ClientTempID = f.ClientTempID
		}
		return m
	}
	m := model.Message{
		ID:           f.ID,
		ChatID:       f.ChatID,
		SenderID:     f.SenderID,
		Content:      f.Content,
		ClientTempID: f.ClientTempID,
		Kind:         model.MessageText,
	}
	if f.Timestamp > 0 {
		m.CreatedAt = time.UnixMilli(f.Timestamp)
	}
	return m
}
