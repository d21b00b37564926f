package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/internal/connection"
)

// PeerLink keeps WebSocket links to remote replicas. Retry policy comes from
// a connection.Manager shared by every link of the process.
type PeerLink struct {
	hub    *Hub
	conns  *connection.Manager
	dialer *websocket.Dialer
	logger *slog.Logger

	// poll bounds how long Maintain sleeps before re-checking the manager.
	poll time.Duration
}

// NewPeerLink creates a link dialer feeding hub.
func NewPeerLink(hub *Hub, conns *connection.Manager, logger *slog.Logger) *PeerLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerLink{
		hub:    hub,
		conns:  conns,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
		poll:   time.Second,
	}
}

// DocumentURL returns the WebSocket URL of docID on a replica listening at
// host:port.
func DocumentURL(host string, port int, docID uuid.UUID) string {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/ws/" + docID.String()}
	return u.String()
}

// Maintain keeps peerID linked for docID until ctx is done or the manager
// gives up on the peer. Each established link starts with a sync request so
// both sides exchange what the other is missing.
func (p *PeerLink) Maintain(ctx context.Context, peerID, rawURL string, docID uuid.UUID) error {
	defer func() {
		if err := p.conns.SetState(peerID, connection.Disconnected); err != nil {
			p.logger.Warn("peer state", "peer", peerID, "error", err)
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch state := p.conns.State(peerID); {
		case state == connection.Disconnected || p.conns.ShouldReconnect(peerID):
			if err := p.conns.SetState(peerID, connection.Connecting); err != nil {
				return err
			}
		case state == connection.Reconnecting:
			// Retry straight away after a dropped link.
		case state == connection.ConnectionFailed:
			wait := p.conns.RetryAfter(peerID)
			if wait < 0 {
				p.logger.Warn("giving up on peer", "peer", peerID, "retries", p.conns.Info(peerID).RetryCount)
				return fmt.Errorf("peer %s: retries exhausted", peerID)
			}
			if err := sleep(ctx, min(wait, p.poll)); err != nil {
				return err
			}
			continue
		default:
			return fmt.Errorf("peer %s: unexpected state %s", peerID, state)
		}

		client, err := p.dial(ctx, rawURL, docID)
		if err != nil {
			p.logger.Info("peer dial failed", "peer", peerID, "url", rawURL, "error", err)
			if serr := p.conns.SetState(peerID, connection.ConnectionFailed); serr != nil {
				return serr
			}
			continue
		}
		if err := p.conns.SetState(peerID, connection.Connected); err != nil {
			return err
		}
		p.logger.Info("peer connected", "peer", peerID, "document_id", docID)

		select {
		case <-client.Done():
			p.logger.Info("peer link dropped", "peer", peerID)
			if err := p.conns.SetState(peerID, connection.Reconnecting); err != nil {
				return err
			}
		case <-ctx.Done():
			client.conn.Close()
			<-client.Done()
			return ctx.Err()
		}
	}
}

func (p *PeerLink) dial(ctx context.Context, rawURL string, docID uuid.UUID) (*Client, error) {
	conn, _, err := p.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	client, err := p.hub.Attach(ctx, conn, docID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	data, err := json.Marshal(Message{
		Type:          TypeSync,
		DocumentID:    docID,
		VersionVector: client.session.VersionVector(),
	})
	if err == nil && !client.enqueue(data) {
		err = fmt.Errorf("peer %s: send buffer closed", rawURL)
	}
	if err != nil {
		client.conn.Close()
		<-client.Done()
		return nil, err
	}
	return client, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
