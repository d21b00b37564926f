package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"collabtext/internal/transport"
)

// linker starts one PeerLink per (peer, document) pair and never starts the
// same pair twice while it is running.
type linker struct {
	link   *transport.PeerLink
	docs   []uuid.UUID
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

func newLinker(link *transport.PeerLink, docs []uuid.UUID, logger *slog.Logger) *linker {
	return &linker{link: link, docs: docs, logger: logger, running: make(map[string]bool)}
}

// connect links every configured document with the agent at hostport.
func (l *linker) connect(ctx context.Context, peerID, hostport string) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		l.logger.Warn("bad peer address", "peer", peerID, "addr", hostport, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		l.logger.Warn("bad peer port", "peer", peerID, "addr", hostport, "error", err)
		return
	}
	for _, doc := range l.docs {
		l.start(ctx, peerID, transport.DocumentURL(host, port, doc), doc)
	}
}

func (l *linker) start(ctx context.Context, peerID, url string, doc uuid.UUID) {
	key := peerID + "/" + doc.String()
	l.mu.Lock()
	if l.running[key] {
		l.mu.Unlock()
		return
	}
	l.running[key] = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.running, key)
			l.mu.Unlock()
		}()
		err := l.link.Maintain(ctx, key, url, doc)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("peer link ended", "peer", peerID, "document_id", doc, "error", err)
		}
	}()
}

// wait blocks until every link has stopped.
func (l *linker) wait() {
	l.wg.Wait()
}

// discovery announces this agent over mDNS and links with every other agent
// it finds.
type discovery struct {
	service  string
	domain   string
	port     int
	instance string
	links    *linker
	logger   *slog.Logger
}

func instanceName() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("CollabText-%s-%d", host, os.Getpid())
}

func (d *discovery) run(ctx context.Context) error {
	server, err := zeroconf.Register(d.instance, d.service, d.domain, d.port, []string{"txtv=0", "lo=1", "la=2"}, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	defer server.Shutdown()
	d.logger.Info("mDNS service registered", "service", d.service, "instance", d.instance, "port", d.port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, d.service, d.domain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			d.found(ctx, entry)
		}
	}
}

func (d *discovery) found(ctx context.Context, entry *zeroconf.ServiceEntry) {
	hostport, ok := peerAddress(entry, d.instance)
	if !ok {
		return
	}
	d.logger.Info("mDNS discovered peer", "instance", entry.Instance, "addr", hostport)
	d.links.connect(ctx, entry.Instance, hostport)
}

// peerAddress returns host:port of a discovered agent. It skips this agent's
// own announcement and entries without an address.
func peerAddress(entry *zeroconf.ServiceEntry, self string) (string, bool) {
	if entry == nil || entry.Instance == self || entry.Port == 0 {
		return "", false
	}
	switch {
	case len(entry.AddrIPv4) > 0:
		return net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port)), true
	case len(entry.AddrIPv6) > 0:
		return net.JoinHostPort(entry.AddrIPv6[0].String(), strconv.Itoa(entry.Port)), true
	default:
		return "", false
	}
}
