// Package gatewaytest runs an in-process chat gateway for integration tests:
// the REST surface and the realtime WebSocket endpoint of the real gateway,
// scriptable enough to provoke auth rejections, withheld handshakes, and
// abnormal drops.
package gatewaytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"PPClient/model"
	"PPClient/service/chat"
)

var signingKey = []byte("gatewaytest-signing-key")

// Gateway is one in-process gateway instance backed by httptest.
type Gateway struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	users       map[string]string          // username -> password
	userIDs     map[string]string          // username -> user id
	tokens      map[string]string          // raw token -> user id
	revoked     map[string]bool            // raw token -> revoked
	history     map[string][]model.Message // chat id -> oldest first
	conns       []*wsClient
	accepted    int
	nextMsgID   int
	withholdAck bool
	rejectWS    bool
}

type wsClient struct {
	ws      *websocket.Conn
	userID  string
	writeMu sync.Mutex
}

func (c *wsClient) send(f *chat.Frame) {
	raw, err := f.Encode()
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, raw)
}

// New starts a gateway and tears it down with the test.
func New(t *testing.T) *Gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	g := &Gateway{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		users:   make(map[string]string),
		userIDs: make(map[string]string),
		tokens:  make(map[string]string),
		revoked: make(map[string]bool),
		history: make(map[string][]model.Message),
	}

	r := gin.New()
	r.POST("/auth/login", g.handleLogin)
	r.POST("/auth/register", g.handleRegister)
	r.GET("/auth/validate", g.handleValidate)
	r.GET("/ws/chat", g.handleWS)

	authed := r.Group("/", g.requireToken)
	authed.GET("/chats/:id/messages", g.handleHistory)
	authed.GET("/chats", g.handleListChats)
	authed.DELETE("/chats/:id/participants/me", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	g.srv = httptest.NewServer(r)
	t.Cleanup(g.Close)
	return g
}

func (g *Gateway) Close() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
	g.srv.Close()
}

// BaseURL is the http root; the realtime path hangs off it at /ws/chat.
func (g *Gateway) BaseURL() string { return g.srv.URL }

// GrantUser registers a login the gateway will accept.
func (g *Gateway) GrantUser(username, password, userID string) {
	g.mu.Lock()
	g.users[username] = password
	g.userIDs[username] = userID
	g.mu.Unlock()
}

// IssueToken mints a signed bearer token for userID and registers it as
// valid. The token decodes client-side like a production one.
func (g *Gateway) IssueToken(userID string, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(fmt.Sprintf("gatewaytest: sign token: %v", err))
	}
	g.mu.Lock()
	g.tokens[tok] = userID
	g.mu.Unlock()
	return tok
}

// RevokeToken makes the gateway answer 401 for the token from now on.
func (g *Gateway) RevokeToken(tok string) {
	g.mu.Lock()
	g.revoked[tok] = true
	g.mu.Unlock()
}

// SeedHistory stores chat messages, oldest first, for the history endpoint.
func (g *Gateway) SeedHistory(chatID string, msgs ...model.Message) {
	g.mu.Lock()
	g.history[chatID] = append(g.history[chatID], msgs...)
	g.mu.Unlock()
}

// WithholdAuthAck makes subsequent realtime connections hang without the
// authentication-success frame.
func (g *Gateway) WithholdAuthAck(withhold bool) {
	g.mu.Lock()
	g.withholdAck = withhold
	g.mu.Unlock()
}

// RejectRealtime makes the ws endpoint answer 401 before upgrading.
func (g *Gateway) RejectRealtime(reject bool) {
	g.mu.Lock()
	g.rejectWS = reject
	g.mu.Unlock()
}

// DropConnections closes every live realtime connection without a close
// handshake, as a dying gateway would.
func (g *Gateway) DropConnections() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Broadcast pushes one frame to every live connection.
func (g *Gateway) Broadcast(f *chat.Frame) {
	g.mu.Lock()
	conns := make([]*wsClient, len(g.conns))
	copy(conns, g.conns)
	g.mu.Unlock()
	for _, c := range conns {
		c.send(f)
	}
}

// Accepted counts realtime connections that passed the token check.
func (g *Gateway) Accepted() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.accepted
}

// ---- REST handlers ----

func (g *Gateway) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad request"})
		return
	}
	g.mu.Lock()
	pass, ok := g.users[req.Username]
	uid := g.userIDs[req.Username]
	g.mu.Unlock()
	if !ok || pass != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "bad credentials"})
		return
	}
	tok := g.IssueToken(uid, time.Hour)
	c.JSON(http.StatusOK, gin.H{
		"token": tok,
		"user":  model.User{ID: uid, Username: req.Username, Online: true},
	})
}

func (g *Gateway) handleRegister(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad request"})
		return
	}
	g.GrantUser(req.Username, req.Password, "u-"+req.Username)
	c.Status(http.StatusCreated)
}

func (g *Gateway) handleValidate(c *gin.Context) {
	uid, ok := g.lookupBearer(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "subject": uid})
}

func (g *Gateway) requireToken(c *gin.Context) {
	uid, ok := g.lookupBearer(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	c.Set("userID", uid)
	c.Next()
}

func (g *Gateway) lookupBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	tok := header[len(prefix):]
	g.mu.Lock()
	defer g.mu.Unlock()
	uid, ok := g.tokens[tok]
	if !ok || g.revoked[tok] {
		return "", false
	}
	return uid, true
}

// handleHistory serves the page newest first, the way the real gateway does.
func (g *Gateway) handleHistory(c *gin.Context) {
	chatID := c.Param("id")
	size, _ := strconv.Atoi(c.DefaultQuery("size", "50"))

	g.mu.Lock()
	all := g.history[chatID]
	g.mu.Unlock()

	if size > len(all) {
		size = len(all)
	}
	page := make([]model.Message, 0, size)
	for i := len(all) - 1; i >= len(all)-size; i-- {
		page = append(page, all[i])
	}
	c.JSON(http.StatusOK, page)
}

func (g *Gateway) handleListChats(c *gin.Context) {
	g.mu.Lock()
	out := make([]model.ChatHandle, 0, len(g.history))
	for id := range g.history {
		out = append(out, model.ChatHandle{ID: id, Kind: model.ChatGroup})
	}
	g.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

// ---- realtime ----

func (g *Gateway) handleWS(c *gin.Context) {
	tok := c.Query("token")
	g.mu.Lock()
	uid, ok := g.tokens[tok]
	bad := !ok || g.revoked[tok] || g.rejectWS
	withhold := g.withholdAck
	g.mu.Unlock()
	if bad {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	cl := &wsClient{ws: ws, userID: uid}
	g.mu.Lock()
	g.conns = append(g.conns, cl)
	g.accepted++
	g.mu.Unlock()

	if !withhold {
		cl.send(&chat.Frame{Type: chat.FrameAuthAck})
	}
	go g.readPump(cl)
}

func (g *Gateway) readPump(cl *wsClient) {
	defer func() {
		_ = cl.ws.Close()
		g.mu.Lock()
		for i, c := range g.conns {
			if c == cl {
				g.conns = append(g.conns[:i], g.conns[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
	}()

	for {
		_, raw, err := cl.ws.ReadMessage()
		if err != nil {
			return
		}
		f, err := chat.ParseFrame(raw)
		if err != nil {
			cl.send(&chat.Frame{Type: chat.FrameError, Code: 400, Reason: "malformed frame"})
			continue
		}
		switch f.Type {
		case chat.FrameChatMessage, chat.FrameMessage:
			g.deliver(cl, f)
		default:
			// the fake gateway only speaks the message path
		}
	}
}

// deliver assigns a server id, stores the message, acks the sender, and
// broadcasts to everyone including the sender's own echo.
func (g *Gateway) deliver(sender *wsClient, f *chat.Frame) {
	g.mu.Lock()
	g.nextMsgID++
	msg := model.Message{
		ID:           fmt.Sprintf("srv-%d", g.nextMsgID),
		ChatID:       f.ChatID,
		SenderID:     sender.userID,
		Content:      f.Content,
		ClientTempID: f.ClientTempID,
		Kind:         model.MessageText,
		CreatedAt:    time.Now(),
	}
	g.history[f.ChatID] = append(g.history[f.ChatID], msg)
	conns := make([]*wsClient, len(g.conns))
	copy(conns, g.conns)
	g.mu.Unlock()

	sender.send(&chat.Frame{
		Type:         chat.FrameMessageSent,
		ClientTempID: f.ClientTempID,
		Message:      &msg,
	})
	for _, c := range conns {
		bc := msg
		if c != sender {
			bc.ClientTempID = "" // temp ids are private to the sender
		}
		c.send(&chat.Frame{Type: chat.FrameChatMessage, ChatID: msg.ChatID, Message: &bc})
	}
}
