// Package auth decides when the client is ready to open the realtime channel.
// The gate trusts local credential state first; server validation is advisory
// and only an explicit 401/403 can invalidate a session.
package auth

import (
	"context"
	"errors"
	"sync"

	"PPClient/logger"
	"PPClient/service/token"
	"PPClient/tools/errs"
)

// State of the gate's credential knowledge.
type State int

const (
	// NoCredential: nothing stored locally.
	NoCredential State = iota
	// LocalOnly: a non-expired credential exists; the server has not been
	// asked about it yet (or could not be reached).
	LocalOnly
	// ServerConfirmed: background validation succeeded.
	ServerConfirmed
	// Invalid: the server explicitly rejected the credential.
	Invalid
)

func (s State) String() string {
	switch s {
	case NoCredential:
		return "NoCredential"
	case LocalOnly:
		return "LocalOnly"
	case ServerConfirmed:
		return "ServerConfirmed"
	case Invalid:
		return "Invalid"
	}
	return "Unknown"
}

// Validator is the REST collaborator used for advisory validation.
type Validator interface {
	ValidateCredential(ctx context.Context, tok string) (valid bool, err error)
}

// Gate tracks credential state and emits authentication-changed events. It
// subscribes to the token store, so a Set or Clear there is observed here
// synchronously.
type Gate struct {
	mu     sync.Mutex
	state  State
	tokens *token.Store

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int

	unsub func()
}

func NewGate(tokens *token.Store) *Gate {
	g := &Gate{
		tokens: tokens,
		subs:   make(map[int]func(State)),
	}
	if cred := tokens.Get(); cred != nil && !tokens.IsExpired(cred) {
		g.state = LocalOnly
	}
	g.unsub = tokens.Subscribe(g.onCredentialChanged)
	return g
}

// Close detaches the gate from the token store.
func (g *Gate) Close() {
	if g.unsub != nil {
		g.unsub()
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ReadyForRealtime reports whether a non-expired local credential exists.
// Server confirmation is not required; waiting for it would punish users for
// transient connectivity loss.
func (g *Gate) ReadyForRealtime() bool {
	g.mu.Lock()
	st := g.state
	g.mu.Unlock()
	if st == Invalid {
		return false
	}
	cred := g.tokens.Get()
	return cred != nil && !g.tokens.IsExpired(cred)
}

// ValidateInBackground runs one advisory validation round. A network failure
// leaves the state alone; only a server-confirmed rejection demotes to
// Invalid.
func (g *Gate) ValidateInBackground(ctx context.Context, v Validator) {
	cred := g.tokens.Get()
	if cred == nil {
		return
	}
	valid, err := v.ValidateCredential(ctx, cred.Token)
	switch {
	case err != nil && errors.Is(err, errs.ErrAuthRejected):
		g.MarkInvalid(err)
	case err != nil:
		logger.Debugf("auth: validation unreachable, keeping local state: %v", err)
	case valid:
		g.transition(ServerConfirmed)
	default:
		g.MarkInvalid(errs.ErrAuthRejected.WrapMsg("validation returned invalid"))
	}
}

// MarkInvalid records a server-confirmed rejection (401/403 from validation
// or from the realtime handshake). Generic failures must never reach here.
func (g *Gate) MarkInvalid(cause error) {
	logger.Warnf("auth: credential invalidated: %v", cause)
	g.transition(Invalid)
}

func (g *Gate) onCredentialChanged(cred *token.Credential) {
	switch {
	case cred == nil:
		// logout or sweep: Invalid resolves to NoCredential once cleared
		g.transition(NoCredential)
	case !g.tokens.IsExpired(cred):
		g.transition(LocalOnly)
	default:
		logger.Warnf("auth: stored credential already expired")
		g.transition(NoCredential)
	}
}

func (g *Gate) transition(next State) {
	g.mu.Lock()
	if g.state == next {
		g.mu.Unlock()
		return
	}
	g.state = next
	g.mu.Unlock()

	g.subMu.Lock()
	fns := make([]func(State), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subMu.Unlock()
	for _, fn := range fns {
		fn(next)
	}
}

// Subscribe registers fn for authentication-changed events; the returned func
// unsubscribes.
func (g *Gate) Subscribe(fn func(State)) func() {
	g.subMu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.subMu.Unlock()

	return func() {
		g.subMu.Lock()
		delete(g.subs, id)
		g.subMu.Unlock()
	}
}
