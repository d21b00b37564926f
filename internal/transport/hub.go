package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabtext/internal/collab"
	"collabtext/internal/crdt"
	"collabtext/internal/session"
)

// ErrHubStopped is returned when a connection arrives after Run returned.
var ErrHubStopped = errors.New("hub stopped")

// Relay forwards entries accepted by this process to other processes
// serving the same documents. base is this replica's version vector after
// accepting them.
type Relay interface {
	Publish(ctx context.Context, docID uuid.UUID, base crdt.VersionVector, entries []crdt.Operation) error
}

type outbound struct {
	docID uuid.UUID
	// from is skipped; nil sends to every client in the room.
	from *Client
	data []byte
}

// Hub maintains the set of active clients per document and broadcasts
// messages to them. Room membership is owned by the Run goroutine.
type Hub struct {
	sessions *session.Manager
	relay    Relay
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
	upgrader websocket.Upgrader

	rooms      map[uuid.UUID]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	stopped    chan struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithRelay forwards accepted entries to other processes.
func WithRelay(r Relay) HubOption {
	return func(h *Hub) {
		h.relay = r
	}
}

// WithRateLimit caps inbound messages per client.
func WithRateLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		h.limit = rate.Limit(perSecond)
		h.burst = burst
	}
}

// WithHubLogger sets the logger. Defaults to slog.Default().
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates a hub serving documents from sessions. Call Run before
// accepting connections.
func NewHub(sessions *session.Manager, opts ...HubOption) *Hub {
	h := &Hub{
		sessions: sessions,
		logger:   slog.Default(),
		limit:    rate.Limit(50),
		burst:    100,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms:      make(map[uuid.UUID]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run serves room membership until ctx is done, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			room, ok := h.rooms[client.docID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[client.docID] = room
			}
			room[client] = true
			h.logger.Debug("client registered", "document_id", client.docID, "clients", len(room))
		case client := <-h.unregister:
			h.remove(client)
		case msg := <-h.broadcast:
			for client := range h.rooms[msg.docID] {
				if client == msg.from {
					continue
				}
				if !client.enqueue(msg.data) {
					h.logger.Warn("dropping slow client", "document_id", msg.docID)
					h.remove(client)
				}
			}
		case <-ctx.Done():
			for _, room := range h.rooms {
				for client := range room {
					client.closeSend()
				}
			}
			clear(h.rooms)
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	room := h.rooms[client.docID]
	if _, ok := room[client]; !ok {
		return
	}
	delete(room, client)
	client.closeSend()
	if len(room) == 0 {
		delete(h.rooms, client.docID)
	}
	h.logger.Debug("client unregistered", "document_id", client.docID, "clients", len(room))
}

// ServeWS upgrades r and joins the connection to the room of docID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, docID uuid.UUID) {
	sess, err := h.sessions.Open(r.Context(), docID)
	if err != nil {
		h.logger.Error("open document", "document_id", docID, "error", err)
		http.Error(w, "cannot open document", http.StatusInternalServerError)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		h.closeSession(docID)
		return
	}
	if _, err := h.start(conn, docID, sess); err != nil {
		conn.Close()
		h.closeSession(docID)
	}
}

// RegisterRoutes mounts the document socket at /ws/{docID}.
func (h *Hub) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws/{docID}", h.serveDocument)
}

func (h *Hub) serveDocument(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(mux.Vars(r)["docID"])
	if err != nil {
		http.Error(w, "invalid document id", http.StatusBadRequest)
		return
	}
	h.ServeWS(w, r, docID)
}

// Attach joins an already established connection, such as one dialed by a
// PeerLink, to the room of docID.
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, docID uuid.UUID) (*Client, error) {
	sess, err := h.sessions.Open(ctx, docID)
	if err != nil {
		return nil, err
	}
	c, err := h.start(conn, docID, sess)
	if err != nil {
		h.closeSession(docID)
		return nil, err
	}
	return c, nil
}

func (h *Hub) start(conn *websocket.Conn, docID uuid.UUID, sess *session.Session) (*Client, error) {
	c := &Client{
		hub:     h,
		conn:    conn,
		docID:   docID,
		session: sess,
		limiter: rate.NewLimiter(h.limit, h.burst),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.stopped:
		return nil, ErrHubStopped
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// release runs once a client's connection is gone.
func (h *Hub) release(c *Client) {
	if c.userID != uuid.Nil && c.session.Leave(c.userID) {
		h.send(outbound{docID: c.docID, from: c, data: h.encode(Message{
			Type: TypeLeave, DocumentID: c.docID, ClientID: c.userID,
		})})
	}
	h.closeSession(c.docID)
}

func (h *Hub) closeSession(docID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sessions.Close(ctx, docID); err != nil {
		h.logger.Error("close document", "document_id", docID, "error", err)
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

func (h *Hub) send(msg outbound) {
	if msg.data == nil {
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.stopped:
	}
}

func (h *Hub) encode(msg Message) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding message", "type", msg.Type, "error", err)
		return nil
	}
	return data
}

// Deliver ingests entries that arrived through the relay and forwards what
// was accepted to local clients. Documents not open here are skipped.
func (h *Hub) Deliver(docID uuid.UUID, base crdt.VersionVector, entries []crdt.Operation) {
	sess, ok := h.sessions.Get(docID)
	if !ok {
		return
	}
	res, err := sess.IngestFrom(base, entries...)
	if err != nil {
		h.logger.Warn("relayed entries rejected", "document_id", docID, "error", err)
		return
	}
	if accepted := acceptedEntries(res); len(accepted) > 0 {
		h.send(outbound{docID: docID, data: h.encode(Message{
			Type: TypeOps, DocumentID: docID, Operations: accepted, VersionVector: sess.VersionVector(),
		})})
	}
	h.announceOverlaps(docID, res)
}

// announceOverlaps tells every client in the room about concurrent edits
// that collided.
func (h *Hub) announceOverlaps(docID uuid.UUID, res session.IngestResult) {
	if len(res.Overlaps) == 0 {
		return
	}
	h.send(outbound{docID: docID, data: h.encode(Message{
		Type: TypeConflicts, DocumentID: docID, Conflicts: res.Overlaps,
	})})
}

// ForwardPresence relays join and leave events published by other processes
// to local clients of the same document. It returns when events is closed or
// ctx is done.
func (h *Hub) ForwardPresence(ctx context.Context, events <-chan collab.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			var typ MessageType
			switch e.Name {
			case collab.EventUserJoinedDocument:
				typ = TypeJoin
			case collab.EventUserLeftDocument:
				typ = TypeLeave
			default:
				continue
			}
			var p collab.PresencePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				h.logger.Warn("dropping undecodable presence event", "event", e.Name, "error", err)
				continue
			}
			if _, open := h.sessions.Get(p.DocumentID); !open {
				continue
			}
			h.send(outbound{docID: p.DocumentID, data: h.encode(Message{
				Type: typ, DocumentID: p.DocumentID, ClientID: p.UserID, UserName: p.UserName,
			})})
		}
	}
}

// acceptedEntries lists every entry Ingest merged into the replica,
// including those whose text edit could not be applied; peers need them all
// to converge.
func acceptedEntries(res session.IngestResult) []crdt.Operation {
	out := make([]crdt.Operation, 0, len(res.Applied)+len(res.Rejected))
	out = append(out, res.Applied...)
	for _, r := range res.Rejected {
		out = append(out, r.Operation)
	}
	crdt.SortReplay(out)
	return out
}

// shareEntries sends entries accepted here to the other clients of the room
// and to other processes, with this replica's version vector as their base.
// from is skipped; nil reaches every client.
func (h *Hub) shareEntries(docID uuid.UUID, from *Client, vv crdt.VersionVector, entries []crdt.Operation) {
	h.send(outbound{docID: docID, from: from, data: h.encode(Message{
		Type: TypeOps, DocumentID: docID, Operations: entries, VersionVector: vv,
	})})
	h.relayEntries(docID, vv, entries)
}

func (h *Hub) relayEntries(docID uuid.UUID, vv crdt.VersionVector, entries []crdt.Operation) {
	if h.relay == nil || len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.relay.Publish(ctx, docID, vv, entries); err != nil {
		h.logger.Warn("relay publish failed", "document_id", docID, "error", err)
	}
}

// handle processes one decoded frame from c.
func (h *Hub) handle(c *Client, msg Message) {
	sess := c.session
	switch msg.Type {
	case TypeJoin:
		if err := sess.Join(msg.ClientID, msg.UserName); err != nil {
			c.reply(errorMessage(c.docID, err))
			return
		}
		c.userID = msg.ClientID
		snap := Message{
			Type:          TypeSnapshot,
			ClientID:      msg.ClientID,
			Content:       sess.Content(),
			Version:       sess.Version(),
			VersionVector: sess.VersionVector(),
			Presences:     sess.Presences(),
		}
		if msg.VersionVector != nil {
			snap.Operations = sess.Since(msg.VersionVector)
		}
		c.reply(snap)
		h.send(outbound{docID: c.docID, from: c, data: h.encode(Message{
			Type: TypeJoin, DocumentID: c.docID, ClientID: msg.ClientID, UserName: msg.UserName,
		})})

	case TypeLeave:
		if c.userID != uuid.Nil && sess.Leave(c.userID) {
			h.send(outbound{docID: c.docID, from: c, data: h.encode(Message{
				Type: TypeLeave, DocumentID: c.docID, ClientID: c.userID,
			})})
		}
		c.userID = uuid.Nil

	case TypeEdit:
		if msg.Edit == nil || msg.Edit.Operation == nil {
			c.reply(errorMessage(c.docID, fmt.Errorf("%w: edit without operation", collab.ErrInvalidInput)))
			return
		}
		entry, err := sess.Local(msg.Edit.Operation)
		if err != nil {
			c.reply(errorMessage(c.docID, err))
			return
		}
		h.shareEntries(c.docID, c, sess.VersionVector(), []crdt.Operation{entry})

	case TypeOps:
		res, err := sess.IngestFrom(msg.VersionVector, msg.Operations...)
		if err != nil {
			c.reply(errorMessage(c.docID, err))
			return
		}
		if accepted := acceptedEntries(res); len(accepted) > 0 {
			h.shareEntries(c.docID, c, sess.VersionVector(), accepted)
		}
		if len(res.Conflicts) > 0 {
			c.reply(Message{Type: TypeConflicts, DocumentID: c.docID, Conflicts: res.Conflicts})
		}
		h.announceOverlaps(c.docID, res)

	case TypeSync:
		ours := sess.VersionVector()
		c.reply(Message{Type: TypeOps, Operations: sess.Since(msg.VersionVector), VersionVector: ours})
		if !covers(ours, msg.VersionVector) {
			c.reply(Message{Type: TypeSync, VersionVector: ours})
		}

	case TypeCursor:
		if msg.Cursor == nil {
			c.reply(errorMessage(c.docID, fmt.Errorf("%w: cursor without position", collab.ErrInvalidInput)))
			return
		}
		if err := sess.UpdateCursor(c.userID, *msg.Cursor); err != nil {
			c.reply(errorMessage(c.docID, err))
			return
		}
		h.send(outbound{docID: c.docID, from: c, data: h.encode(Message{
			Type: TypeCursor, DocumentID: c.docID, ClientID: c.userID, Cursor: msg.Cursor,
		})})

	case TypeResolve:
		if msg.Resolution == nil {
			c.reply(errorMessage(c.docID, fmt.Errorf("%w: resolve without resolution", collab.ErrInvalidInput)))
			return
		}
		author := c.userID
		if author == uuid.Nil {
			author = msg.ClientID
		}
		_, entry, err := sess.Resolve(msg.Resolution.Incoming, msg.Resolution.Action, author)
		if err != nil {
			c.reply(errorMessage(c.docID, err))
			return
		}
		if entry == nil {
			return
		}
		h.shareEntries(c.docID, nil, sess.VersionVector(), []crdt.Operation{*entry})

	default:
		c.reply(errorMessage(c.docID, fmt.Errorf("%w: unknown message type %q", collab.ErrInvalidInput, msg.Type)))
	}
}

// covers reports whether ours has seen everything theirs has.
func covers(ours, theirs crdt.VersionVector) bool {
	for author, v := range theirs {
		if !ours.Covers(author, v) {
			return false
		}
	}
	return true
}
