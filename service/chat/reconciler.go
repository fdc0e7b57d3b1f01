package chat

import (
	"sync"

	"PPClient/logger"
	"PPClient/model"
)

// Reconciler produces, per chat, the single ordered deduplicated message
// sequence combining REST history pages, realtime pushes, and local
// optimistic echoes. It is the only writer of its index; consumers read
// snapshots.
//
// Ordering invariant: confirmed messages keep server order (the seeded page
// is authoritative), realtime-only messages follow in receipt order, and a
// pending entry is replaced in place when its confirmation arrives — its
// position never moves.
type Reconciler struct {
	mu        sync.Mutex
	chats     map[string]*sequence
	tempChat  map[string]string // clientTempId -> chatId, for failure marking
	localUser string
}

type sequence struct {
	msgs   []model.Message
	byID   map[string]int // server id -> position
	byTemp map[string]int // clientTempId -> position, pending entries only
	seeded bool
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		chats:    make(map[string]*sequence),
		tempChat: make(map[string]string),
	}
}

// SetLocalUser records the authenticated user so self-sent broadcasts can be
// treated as confirmations instead of new messages.
func (r *Reconciler) SetLocalUser(id string) {
	r.mu.Lock()
	r.localUser = id
	r.mu.Unlock()
}

// SeedHistory merges a server-ordered page (oldest first) into the chat. The
// page is the authoritative baseline; anything already applied from the
// realtime channel that the page does not cover keeps its receipt order after
// the page, and pending entries stay at their relative positions behind the
// confirmed ones.
func (r *Reconciler) SeedHistory(chatID string, page []model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq(chatID)
	old := seq.msgs

	seq.msgs = make([]model.Message, 0, len(page)+len(old))
	seq.byID = make(map[string]int)
	seq.byTemp = make(map[string]int)

	for _, m := range page {
		if m.ID == "" {
			continue // history never carries unconfirmed entries
		}
		if _, dup := seq.byID[m.ID]; dup {
			continue
		}
		m.ChatID = chatID
		m.Status = model.StatusConfirmed
		r.appendLocked(seq, m)
	}

	// realtime arrivals and optimistic entries the page did not cover
	for _, m := range old {
		if m.ID != "" {
			if _, dup := seq.byID[m.ID]; dup {
				continue
			}
		}
		r.appendLocked(seq, m)
	}
	seq.seeded = true
}

// RegisterOptimistic appends a provisional entry so the sender sees instant
// feedback. It stays pending until an ack or broadcast resolves it.
func (r *Reconciler) RegisterOptimistic(chatID, clientTempID string, draft model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seq(chatID)
	if _, exists := seq.byTemp[clientTempID]; exists {
		logger.Warnf("reconciler: duplicate optimistic register tempId=%s", clientTempID)
		return
	}
	draft.ID = ""
	draft.ChatID = chatID
	draft.ClientTempID = clientTempID
	draft.SenderID = r.localUser
	draft.Status = model.StatusPending
	r.appendLocked(seq, draft)
	r.tempChat[clientTempID] = chatID
}

// ApplyIncoming merges one confirmed message from the realtime channel (ack
// or broadcast). Returns true when the visible sequence changed.
//
// Resolution order: a matching pending clientTempId is replaced in place; a
// known server id is a duplicate delivery and is dropped silently; a
// self-sent broadcast that lost its temp id on the broadcast path confirms
// the oldest pending entry with the same content; everything else appends in
// arrival order. A self-sent broadcast therefore confirms the pending echo
// when the ack path was lost, and never renders twice.
func (r *Reconciler) ApplyIncoming(chatID string, msg model.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// acks are allowed to omit the chat id; the temp id locates the chat
	if chatID == "" && msg.ClientTempID != "" {
		chatID = r.tempChat[msg.ClientTempID]
	}
	if chatID == "" {
		logger.Warnf("reconciler: dropping incoming message without chat id")
		return false
	}
	seq := r.seq(chatID)
	msg.ChatID = chatID

	if msg.ClientTempID != "" {
		if pos, ok := seq.byTemp[msg.ClientTempID]; ok {
			return r.resolveLocked(seq, pos, msg)
		}
	}
	if msg.ID != "" {
		if _, dup := seq.byID[msg.ID]; dup {
			return false
		}
	}
	// Self-broadcast without a temp id: the gateway strips temp ids on the
	// broadcast path, so fall back to the sender identity and confirm the
	// oldest matching pending entry instead of rendering the echo twice.
	if msg.ClientTempID == "" && r.localUser != "" && msg.SenderID == r.localUser {
		for pos, m := range seq.msgs {
			if m.Status == model.StatusPending && m.Content == msg.Content {
				return r.resolveLocked(seq, pos, msg)
			}
		}
	}
	if msg.ID == "" {
		// a broadcast without a server id cannot be deduplicated later;
		// treat as protocol noise
		logger.Warnf("reconciler: dropping unconfirmed incoming message chat=%s", chatID)
		return false
	}
	msg.Status = model.StatusConfirmed
	r.appendLocked(seq, msg)
	return true
}

// ReconcileFailure marks the optimistic entry as failed so the UI can offer
// retry. User-authored content is never dropped on a failure path.
func (r *Reconciler) ReconcileFailure(clientTempID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.tempChat[clientTempID]
	if !ok {
		return
	}
	seq := r.seq(chatID)
	pos, ok := seq.byTemp[clientTempID]
	if !ok {
		return // already confirmed; the failure report lost the race
	}
	seq.msgs[pos].Status = model.StatusFailed
	seq.msgs[pos].FailReason = reason
}

// DropFailed removes a failed optimistic entry, typically just before a
// resend replaces it. Pending and confirmed entries are left alone.
func (r *Reconciler) DropFailed(clientTempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.tempChat[clientTempID]
	if !ok {
		return
	}
	seq := r.seq(chatID)
	pos, ok := seq.byTemp[clientTempID]
	if !ok || seq.msgs[pos].Status != model.StatusFailed {
		return
	}
	r.removeLocked(seq, pos)
	delete(r.tempChat, clientTempID)
}

// Snapshot returns a copy of the chat's visible sequence.
func (r *Reconciler) Snapshot(chatID string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq, ok := r.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(seq.msgs))
	copy(out, seq.msgs)
	return out
}

// Seeded reports whether the chat has received its history baseline.
func (r *Reconciler) Seeded(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq, ok := r.chats[chatID]
	return ok && seq.seeded
}

// Clear drops all per-chat state. Called on logout; sequences are rebuilt on
// the next selection/history fetch.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	r.chats = make(map[string]*sequence)
	r.tempChat = make(map[string]string)
	r.mu.Unlock()
}

func (r *Reconciler) seq(chatID string) *sequence {
	seq, ok := r.chats[chatID]
	if !ok {
		seq = &sequence{
			byID:   make(map[string]int),
			byTemp: make(map[string]int),
		}
		r.chats[chatID] = seq
	}
	return seq
}

func (r *Reconciler) appendLocked(seq *sequence, m model.Message) {
	pos := len(seq.msgs)
	seq.msgs = append(seq.msgs, m)
	if m.ID != "" {
		seq.byID[m.ID] = pos
	}
	if m.Status == model.StatusPending || m.Status == model.StatusFailed {
		if m.ClientTempID != "" {
			seq.byTemp[m.ClientTempID] = pos
		}
	}
}

// resolveLocked replaces the pending entry at pos with its confirmed copy,
// keeping the position.
func (r *Reconciler) resolveLocked(seq *sequence, pos int, msg model.Message) bool {
	if msg.ID != "" {
		if dupPos, dup := seq.byID[msg.ID]; dup && dupPos != pos {
			// confirmation already arrived via the other path; drop the
			// pending duplicate instead of rendering both
			delete(r.tempChat, seq.msgs[pos].ClientTempID)
			r.removeLocked(seq, pos)
			return true
		}
	}
	pending := seq.msgs[pos]
	delete(r.tempChat, pending.ClientTempID)
	msg.Status = model.StatusConfirmed
	if msg.ClientTempID == "" {
		msg.ClientTempID = pending.ClientTempID
	}
	if msg.Content == "" {
		msg.Content = pending.Content
	}
	if msg.SenderID == "" {
		msg.SenderID = pending.SenderID
	}
	seq.msgs[pos] = msg
	delete(seq.byTemp, pending.ClientTempID)
	if msg.ID != "" {
		seq.byID[msg.ID] = pos
	}
	return true
}

func (r *Reconciler) removeLocked(seq *sequence, pos int) {
	removed := seq.msgs[pos]
	seq.msgs = append(seq.msgs[:pos], seq.msgs[pos+1:]...)
	if removed.ClientTempID != "" {
		delete(seq.byTemp, removed.ClientTempID)
	}
	if removed.ID != "" {
		delete(seq.byID, removed.ID)
	}
	// reindex everything after the gap
	for i := pos; i < len(seq.msgs); i++ {
		m := seq.msgs[i]
		if m.ID != "" {
			seq.byID[m.ID] = i
		}
		if m.ClientTempID != "" && (m.Status == model.StatusPending || m.Status == model.StatusFailed) {
			seq.byTemp[m.ClientTempID] = i
		}
	}
}
