package collab

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coscribe/api/internal/auth"
	"coscribe/api/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 1 << 20
	sendBufferSize = 64
)

// DenyList is consulted at connect time to refuse tokens whose underlying
// role was revoked after issuance.
type DenyList interface {
	IsCollabDenied(ctx context.Context, documentID, userID string) (bool, error)
}

// Gateway authenticates websocket upgrade requests against collaboration
// tokens and attaches authorized connections to document sessions. Rejection
// happens before the upgrade completes; a rejected request never touches a
// session or storage.
type Gateway struct {
	secret   []byte
	manager  *Manager
	denyList DenyList
	upgrader websocket.Upgrader
}

// NewGateway builds a gateway. denyList may be nil, which disables
// connect-time revocation checks.
func NewGateway(secret []byte, manager *Manager, denyList DenyList) *Gateway {
	return &Gateway{
		secret:   secret,
		manager:  manager,
		denyList: denyList,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The capability token is the access control; origin policy
			// stays with the REST layer's CORS configuration.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /collab/{documentId}?token=...
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/collab/"), "/")
	if documentID == "" || strings.Contains(documentID, "/") {
		http.Error(w, "document id required", http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "token required", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ParseToken(g.secret, token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	// A token is a capability for exactly one document.
	if claims.DocumentID != documentID {
		http.Error(w, "token document mismatch", http.StatusForbidden)
		return
	}

	if g.denyList != nil {
		denied, err := g.denyList.IsCollabDenied(r.Context(), documentID, claims.UserID)
		if err != nil {
			// Fail open: the deny-list narrows token staleness, the token
			// itself already proved access.
			log.Printf("collab: deny-list check failed for %s/%s: %v", documentID, claims.UserID, err)
		} else if denied {
			http.Error(w, "access revoked", http.StatusForbidden)
			return
		}
	}

	identity := Identity{
		ID:        claims.UserID,
		Name:      claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.AvatarURL,
		Color:     NextColor(),
		Role:      rbac.Normalize(claims.Role),
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	session := g.manager.Join(documentID)
	conn := &Conn{
		id:       uuid.New(),
		identity: identity,
		session:  session,
		manager:  g.manager,
		ws:       ws,
		send:     make(chan Frame, sendBufferSize),
		done:     make(chan struct{}),
	}
	session.addConn(conn)

	go conn.writePump()
	conn.readPump()
}

// Conn is one authorized websocket connection bound to a document session.
type Conn struct {
	id       uuid.UUID
	identity Identity
	session  *Session
	manager  *Manager
	ws       *websocket.Conn
	send     chan Frame
	done     chan struct{}

	// typing is guarded by session.mu.
	typing bool
}

func (c *Conn) presenceIdentity() Identity { return c.identity }
func (c *Conn) presenceTyping() bool       { return c.typing }

// enqueue hands a frame to the write pump. A consumer too slow to drain its
// buffer is disconnected rather than allowed to stall the session.
func (c *Conn) enqueue(frame Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		log.Printf("collab: dropping slow connection %s on %s", c.id, c.session.documentID)
		c.close()
	}
}

func (c *Conn) close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)
	_ = c.ws.Close()
}

// readPump processes inbound frames until the peer goes away, then detaches
// the connection: presence entry removed, reference released, final flush
// handled by the manager if this was the last participant.
func (c *Conn) readPump() {
	defer func() {
		c.close()
		c.session.removeConn(c)
		c.manager.Leave(c.session)
	}()

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("collab: read error on %s: %v", c.session.documentID, err)
			}
			return
		}

		switch frame.Type {
		case FrameUpdate:
			c.session.Apply(c, frame.Ops)
		case FrameAwareness:
			if frame.IsTyping != nil {
				c.session.setTyping(c, *frame.IsTyping)
			}
		default:
			// Unknown frame types are ignored so protocol additions stay
			// backward compatible.
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
