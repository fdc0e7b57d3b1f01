package chat

import (
	"context"
	"strings"
	"time"

	"PPClient/global/config"
	"PPClient/logger"
	"PPClient/model"
	"PPClient/service/auth"
	"PPClient/service/rest"
	"PPClient/service/token"
	"PPClient/tools/errs"
	"PPClient/tools/ids"
)

// Session is the assembled client core: credential store, auth gate, REST
// client, connection manager, event router, and message reconciler wired
// together. A UI sits on top of it through snapshots and subscriptions.
type Session struct {
	tokens *token.Store
	gate   *auth.Gate
	api    *rest.Client
	router *Router
	rec    *Reconciler
	mgr    *Manager

	historyTimeout time.Duration
	unsubs         []func()
}

// WSURL derives the realtime endpoint from the gateway base URL: the http
// scheme is swapped for its ws counterpart and the configured path appended.
func WSURL(cfg *config.Config) string {
	base := cfg.Gateway.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + cfg.Gateway.WSPath
}

func NewSession(cfg *config.Config) *Session {
	tokens := token.NewStore(cfg.Token.Path)
	gate := auth.NewGate(tokens)
	api := rest.NewClient(cfg.Gateway.BaseURL, func() (string, bool) {
		cred := tokens.Get()
		if cred == nil {
			return "", false
		}
		return cred.Token, true
	})
	router := NewRouter()
	rec := NewReconciler()

	mgr := NewManager(ManagerConf{
		URL:              WSURL(cfg),
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		BaseDelay:        cfg.Reconnect.BaseDelay,
		MaxDelay:         cfg.Reconnect.MaxDelay,
		HandshakeTimeout: cfg.Timeouts.Handshake,
	}, NewWebsocketTransport(), tokens, router, gate)

	s := &Session{
		tokens:         tokens,
		gate:           gate,
		api:            api,
		router:         router,
		rec:            rec,
		mgr:            mgr,
		historyTimeout: cfg.Timeouts.History,
	}
	s.wire()
	return s
}

// wire feeds routed frames into the reconciler. Confirmed sends arrive either
// as an explicit ack or as the broadcast echo, whichever the gateway emits
// first; the reconciler treats both the same way.
func (s *Session) wire() {
	s.unsubs = append(s.unsubs,
		s.router.OnChatMessage(func(msg model.Message) {
			s.rec.ApplyIncoming(msg.ChatID, msg)
		}),
		s.router.OnAck(func(ack Ack) {
			msg := ack.Message
			if msg.ClientTempID == "" {
				msg.ClientTempID = ack.ClientTempID
			}
			s.rec.ApplyIncoming(msg.ChatID, msg)
		}),
		s.router.OnError(func(se ServerError) {
			if se.ClientTempID != "" {
				s.rec.ReconcileFailure(se.ClientTempID, se.Reason)
			}
		}),
	)
}

// Login authenticates against the gateway, stores the credential, and kicks
// off the background server-side confirmation.
func (s *Session) Login(ctx context.Context, username, password string) (*model.User, error) {
	out, err := s.api.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.SetToken(out.Token); err != nil {
		return nil, err
	}
	s.rec.SetLocalUser(out.User.ID)
	s.validateAsync()
	return &out.User, nil
}

func (s *Session) Register(ctx context.Context, username, password string) error {
	return s.api.Register(ctx, username, password)
}

// Resume picks up a persisted credential, if one survived a restart, and
// confirms it in the background. Returns false when there is nothing usable.
func (s *Session) Resume(ctx context.Context) bool {
	cred := s.tokens.Get()
	if cred == nil || s.tokens.IsExpired(cred) {
		return false
	}
	s.rec.SetLocalUser(cred.Claims.Subject)
	s.validateAsync()
	return true
}

// Logout tears the session down in order: realtime channel first, then the
// credential, then local message state.
func (s *Session) Logout() {
	s.mgr.Disconnect()
	s.tokens.Clear()
	s.rec.Clear()
	s.mgr.Reset()
}

// Connect opens the realtime channel. The gate is consulted first so a
// known-bad credential fails fast instead of burning a dial.
func (s *Session) Connect(ctx context.Context) error {
	if !s.gate.ReadyForRealtime() {
		return errs.ErrAuthExpired.WrapMsg("not ready for realtime", "gate", s.gate.State())
	}
	return s.mgr.Connect(ctx)
}

func (s *Session) Disconnect() { s.mgr.Disconnect() }

// OpenChat loads the latest history page and seeds the reconciler with it.
// The fetch is bounded by the configured history timeout.
func (s *Session) OpenChat(ctx context.Context, chatID string) ([]model.Message, error) {
	hctx, cancel := context.WithTimeout(ctx, s.historyTimeout)
	defer cancel()
	page, err := s.api.FetchHistory(hctx, chatID, 0, 50)
	if err != nil {
		return nil, err
	}
	s.rec.SeedHistory(chatID, page)
	return s.rec.Snapshot(chatID), nil
}

// Send registers an optimistic local copy and pushes the frame. On a send
// failure the pending entry is marked failed immediately; there is no
// outbound buffering across disconnects.
func (s *Session) Send(chatID, content string) (clientTempID string, err error) {
	tempID := ids.NewTempID()
	cred := s.tokens.Get()
	sender := ""
	if cred != nil {
		sender = cred.Claims.Subject
	}
	s.rec.RegisterOptimistic(chatID, tempID, model.Message{
		ChatID:       chatID,
		ClientTempID: tempID,
		SenderID:     sender,
		Content:      content,
		Kind:         model.MessageText,
		CreatedAt:    time.Now(),
	})

	if err := s.mgr.Send(BuildChatMessage(chatID, content, tempID)); err != nil {
		s.rec.ReconcileFailure(tempID, err.Error())
		return tempID, err
	}
	return tempID, nil
}

// Retry re-sends a failed optimistic message under a fresh temp id.
func (s *Session) Retry(chatID, failedTempID string) (string, error) {
	for _, msg := range s.rec.Snapshot(chatID) {
		if msg.ClientTempID == failedTempID && msg.Status == model.StatusFailed {
			s.rec.DropFailed(failedTempID)
			return s.Send(chatID, msg.Content)
		}
	}
	return "", errs.ErrProtocolError.WrapMsg("no failed message to retry", "clientTempId", failedTempID)
}

// Messages returns the reconciled view of one chat.
func (s *Session) Messages(chatID string) []model.Message { return s.rec.Snapshot(chatID) }

func (s *Session) Chats(ctx context.Context) ([]model.ChatHandle, error) {
	return s.api.ListChats(ctx)
}

func (s *Session) CreateChat(ctx context.Context, req rest.CreateChatRequest) (*model.ChatHandle, error) {
	return s.api.CreateChat(ctx, req)
}

func (s *Session) AddParticipants(ctx context.Context, chatID string, userIDs []string) (*model.ChatHandle, error) {
	return s.api.AddParticipants(ctx, chatID, userIDs)
}

func (s *Session) LeaveChat(ctx context.Context, chatID string) error {
	return s.api.LeaveChat(ctx, chatID)
}

// Accessors for callers that want to subscribe below the facade.
func (s *Session) Tokens() *token.Store { return s.tokens }
func (s *Session) Gate() *auth.Gate     { return s.gate }
func (s *Session) Router() *Router      { return s.router }
func (s *Session) Manager() *Manager    { return s.mgr }
func (s *Session) API() *rest.Client    { return s.api }

// Close releases subscriptions and background listeners. The realtime
// channel, if open, is closed first.
func (s *Session) Close() {
	s.mgr.Disconnect()
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
	s.gate.Close()
}

// validateAsync asks the gateway for its verdict without blocking the caller;
// only an explicit rejection demotes the gate.
func (s *Session) validateAsync() {
	go func() {
		vctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.gate.ValidateInBackground(vctx, validatorFunc(s.validate))
	}()
}

func (s *Session) validate(ctx context.Context, tok string) (bool, error) {
	v, err := s.api.ValidateCredential(ctx, tok)
	if err != nil {
		return false, err
	}
	if v.Valid {
		logger.Debugf("session: credential confirmed for %s", v.Subject)
	}
	return v.Valid, nil
}

// validatorFunc adapts a plain function to the auth validator interface.
type validatorFunc func(ctx context.Context, tok string) (bool, error)

func (f validatorFunc) ValidateCredential(ctx context.Context, tok string) (bool, error) {
	return f(ctx, tok)
}
