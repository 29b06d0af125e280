// Package collabclient is the Go client for the collaboration gateway: it
// owns a local replica, keeps it converged with the session over a
// websocket, and drives the typing and save-status indicators.
package collabclient

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coscribe/api/internal/collab"
	"coscribe/api/internal/crdt"
	"coscribe/api/internal/rbac"
)

var (
	// ErrReadOnly is returned to viewer-role callers attempting a local
	// edit. This is an editor-surface guard: the transport itself does not
	// reject viewer updates.
	ErrReadOnly = errors.New("document is read-only for this user")

	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
)

// TokenSource produces a collaboration token for a document. It is called
// on every connect, so tokens are never reused across reconnects.
type TokenSource interface {
	CollabToken(ctx context.Context, documentID string) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context, documentID string) (string, error)

func (f TokenSourceFunc) CollabToken(ctx context.Context, documentID string) (string, error) {
	return f(ctx, documentID)
}

const (
	defaultTypingDecay = 2 * time.Second
	defaultSaveDecay   = 3 * time.Second
	syncWait           = 10 * time.Second
)

// SaveStatus is the document save indicator driven by local edits.
type SaveStatus string

const (
	SaveStatusSaved  SaveStatus = "saved"
	SaveStatusSaving SaveStatus = "saving"
)

// Options configures a Client. BaseURL, DocumentID and Tokens are required.
type Options struct {
	// BaseURL is the gateway origin, e.g. "ws://localhost:8080".
	BaseURL    string
	DocumentID string
	Tokens     TokenSource

	// Role gates local edits. The server decided the role when it issued
	// the token; the client mirrors it for the editing surface.
	Role rbac.Role

	// Node identifies this replica in op metadata. Defaults to a random ID.
	Node crdt.NodeID

	// TypingDecay is how long after the last local edit the typing flag
	// stays up. SaveDecay is the quiet period before the save indicator
	// flips back to saved.
	TypingDecay time.Duration
	SaveDecay   time.Duration

	// OnSaveStatus and OnPresence are invoked from the client's internal
	// goroutines; they must not block.
	OnSaveStatus func(SaveStatus)
	OnPresence   func([]collab.Collaborator)
}

// Client is a single-document collaboration participant. Connect, edit,
// Close; a disconnected client may Connect again and will fetch a fresh
// token each time.
type Client struct {
	opts Options

	mu          sync.Mutex
	ws          *websocket.Conn
	doc         *crdt.Doc
	presence    []collab.Collaborator
	typing      bool
	typingTimer *time.Timer
	saveTimer   *time.Timer
	status      SaveStatus
	readerDone  chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.DocumentID == "" || opts.Tokens == nil {
		return nil, errors.New("collabclient: BaseURL, DocumentID and Tokens are required")
	}
	if opts.Node == "" {
		opts.Node = crdt.NodeID("client-" + uuid.NewString())
	}
	if opts.TypingDecay <= 0 {
		opts.TypingDecay = defaultTypingDecay
	}
	if opts.SaveDecay <= 0 {
		opts.SaveDecay = defaultSaveDecay
	}
	return &Client{opts: opts, status: SaveStatusSaved}, nil
}

// Connect fetches a fresh token, dials the gateway, and blocks until the
// initial sync frame has seeded the local replica. The replica is rebuilt
// from the server's op log on every connect; local state never survives a
// reconnect unseen by the server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	token, err := c.opts.Tokens.CollabToken(ctx, c.opts.DocumentID)
	if err != nil {
		return fmt.Errorf("fetch collab token: %w", err)
	}

	endpoint := c.opts.BaseURL + "/collab/" + c.opts.DocumentID + "?token=" + url.QueryEscape(token)
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial collab gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial collab gateway: %w", err)
	}

	doc := crdt.NewDoc(c.opts.Node)
	if err := awaitSync(ws, doc); err != nil {
		_ = ws.Close()
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.doc = doc
	c.readerDone = make(chan struct{})
	done := c.readerDone
	c.mu.Unlock()

	go c.readLoop(ws, done)
	return nil
}

// awaitSync consumes frames until the initial sync arrives and seeds the
// replica from it. Presence frames that arrive first are dropped; the next
// broadcast repopulates the list.
func awaitSync(ws *websocket.Conn, doc *crdt.Doc) error {
	_ = ws.SetReadDeadline(time.Now().Add(syncWait))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	for {
		var frame collab.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			return fmt.Errorf("await sync: %w", err)
		}
		if frame.Type != collab.FrameSync {
			continue
		}
		if _, err := doc.ApplyAll(frame.Ops); err != nil {
			return fmt.Errorf("apply sync: %w", err)
		}
		return nil
	}
}

func (c *Client) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var frame collab.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			c.detach(ws)
			return
		}

		switch frame.Type {
		case collab.FrameUpdate:
			c.mu.Lock()
			doc := c.doc
			c.mu.Unlock()
			if doc == nil {
				return
			}
			if _, err := doc.ApplyAll(frame.Ops); err != nil {
				log.Printf("collabclient: apply update on %s: %v", c.opts.DocumentID, err)
			}
		case collab.FramePresence:
			c.mu.Lock()
			c.presence = frame.Collaborators
			onPresence := c.opts.OnPresence
			c.mu.Unlock()
			if onPresence != nil {
				onPresence(frame.Collaborators)
			}
		}
	}
}

// detach clears connection state after the read loop observes a failure, so
// a later Connect starts clean.
func (c *Client) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.stopTimersLocked()
	c.mu.Unlock()
}

// Close tears the connection down and waits for the read loop to stop.
func (c *Client) Close() error {
	c.mu.Lock()
	ws := c.ws
	done := c.readerDone
	c.ws = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	err := ws.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) stopTimersLocked() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.typing = false
}

// Connected reports whether the client currently holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Text renders the local replica as plain text.
func (c *Client) Text() string {
	c.mu.Lock()
	doc := c.doc
	c.mu.Unlock()
	if doc == nil {
		return ""
	}
	return doc.Text()
}

// Blocks returns the local replica's visible blocks.
func (c *Client) Blocks() []crdt.BlockView {
	c.mu.Lock()
	doc := c.doc
	c.mu.Unlock()
	if doc == nil {
		return nil
	}
	return doc.Blocks()
}

// Collaborators returns the most recent presence list from the server.
func (c *Client) Collaborators() []collab.Collaborator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// SaveStatus returns the current save indicator state.
func (c *Client) SaveStatus() SaveStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Typing reports whether this client currently advertises typing.
func (c *Client) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// InsertBlock creates a block at index in the local replica and syncs it.
func (c *Client) InsertBlock(index int, kind crdt.BlockKind, level int) (uuid.UUID, error) {
	var blockID uuid.UUID
	err := c.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		op, err := doc.InsertBlock(index, kind, level)
		if err != nil {
			return nil, err
		}
		blockID = op.BlockID
		return []crdt.Op{op}, nil
	})
	return blockID, err
}

// DeleteBlock tombstones a block in the local replica and syncs it.
func (c *Client) DeleteBlock(blockID uuid.UUID) error {
	return c.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		op, err := doc.DeleteBlock(blockID)
		if err != nil {
			return nil, err
		}
		return []crdt.Op{op}, nil
	})
}

// SetBlockKind changes a block's kind in the local replica and syncs it.
func (c *Client) SetBlockKind(blockID uuid.UUID, kind crdt.BlockKind, level int) error {
	return c.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		op, err := doc.SetBlockKind(blockID, kind, level)
		if err != nil {
			return nil, err
		}
		return []crdt.Op{op}, nil
	})
}

// InsertText types text into a block at a rune index.
func (c *Client) InsertText(blockID uuid.UUID, index int, text string) error {
	return c.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		op, err := doc.InsertText(blockID, index, text)
		if err != nil {
			return nil, err
		}
		return []crdt.Op{op}, nil
	})
}

// DeleteText removes a rune range from a block.
func (c *Client) DeleteText(blockID uuid.UUID, index, length int) error {
	return c.edit(func(doc *crdt.Doc) ([]crdt.Op, error) {
		op, err := doc.DeleteText(blockID, index, length)
		if err != nil {
			return nil, err
		}
		return []crdt.Op{op}, nil
	})
}

// edit runs one local mutation: role check, replica update, update frame to
// the server, typing mark, save-status arm. The replica mutates before the
// send so the local surface never waits on the network.
func (c *Client) edit(mutate func(*crdt.Doc) ([]crdt.Op, error)) error {
	if !rbac.Can(c.opts.Role, rbac.ActionWrite) {
		return ErrReadOnly
	}

	c.mu.Lock()
	ws, doc := c.ws, c.doc
	if ws == nil || doc == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}

	ops, err := mutate(doc)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if err := ws.WriteJSON(collab.Frame{Type: collab.FrameUpdate, Ops: ops}); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("send update: %w", err)
	}

	c.markTypingLocked(ws)
	c.armSaveLocked()
	c.mu.Unlock()
	return nil
}

// markTypingLocked raises the typing flag and (re)arms the decay timer. The
// awareness frame goes out only on the false→true transition; keystrokes
// while already typing just push the decay out.
func (c *Client) markTypingLocked(ws *websocket.Conn) {
	if !c.typing {
		c.typing = true
		typing := true
		if err := ws.WriteJSON(collab.Frame{Type: collab.FrameAwareness, IsTyping: &typing}); err != nil {
			log.Printf("collabclient: send awareness: %v", err)
		}
	}
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingTimer = time.AfterFunc(c.opts.TypingDecay, c.typingDecayed)
}

func (c *Client) typingDecayed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.typing {
		return
	}
	c.typing = false
	if c.ws == nil {
		return
	}
	typing := false
	if err := c.ws.WriteJSON(collab.Frame{Type: collab.FrameAwareness, IsTyping: &typing}); err != nil {
		log.Printf("collabclient: send awareness: %v", err)
	}
}

// armSaveLocked flips the indicator to saving and restarts the quiet-period
// timer that flips it back.
func (c *Client) armSaveLocked() {
	if c.status != SaveStatusSaving {
		c.status = SaveStatusSaving
		c.notifyStatusLocked()
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.opts.SaveDecay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.status == SaveStatusSaving {
			c.status = SaveStatusSaved
			c.notifyStatusLocked()
		}
	})
}

func (c *Client) notifyStatusLocked() {
	if c.opts.OnSaveStatus != nil {
		// Callbacks run off the lock; they must not call back into Client.
		go c.opts.OnSaveStatus(c.status)
	}
}
