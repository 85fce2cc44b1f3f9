// Package invocationref is a reference TwincodeOutboundService/
// TwincodeInboundService pair riding WebTransport bidirectional streams,
// grounded on the teacher's client/transport.go dial pattern: a QUIC
// WebTransport session carrying newline-delimited JSON control messages.
// Here the "control stream" carries secure invocations instead of chat
// control messages, and each peer is reachable by a session addr known in
// advance (directory/relay resolution is out of scope).
package invocationref

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"github.com/twinlife/conversationcore/conv"
)

// invocation is the wire shape of one secure invocation exchanged over the
// control stream (request carries Action+Attrs, response carries Reply or
// Err).
type invocation struct {
	ID     uint64         `json:"id"`
	Action string         `json:"action,omitempty"`
	Attrs  map[string]any `json:"attrs,omitempty"`
	Reply  map[string]any `json:"reply,omitempty"`
	Err    string         `json:"err,omitempty"`
}

// Dialer resolves a twincode identity to a dialable WebTransport address.
// Production code would resolve this through a directory; the reference
// implementation takes a static map.
type Dialer func(targetTwincodeID string) (addr string, err error)

// Service is a reference TwincodeOutboundService/TwincodeInboundService
// pair sharing one WebTransport session per peer, dialed lazily on first
// Invoke and kept open for inbound replies and unsolicited invocations.
type Service struct {
	dial Dialer

	mu       sync.Mutex
	sessions map[string]*peerSession
	nextID   atomic0

	handlersMu sync.RWMutex
	handlers   map[string]func(ctx context.Context, from string, attrs map[string]any) (map[string]any, error)
}

// atomic0 is a tiny monotonic counter; a plain mutex-guarded uint64 matches
// the teacher's style for low-frequency counters (client/rooms.go uses the
// same pattern for channel ids) better than importing sync/atomic for one
// field used only under mu.
type atomic0 struct{ v uint64 }

func (a *atomic0) next() uint64 { a.v++; return a.v }

type peerSession struct {
	session *webtransport.Session
	stream  *webtransport.Stream
	mu      sync.Mutex // serializes writes to stream

	pendingMu sync.Mutex
	pending   map[uint64]chan invocation
}

var _ conv.TwincodeOutboundService = (*Service)(nil)
var _ conv.TwincodeInboundService = (*Service)(nil)

func New(dial Dialer) *Service {
	return &Service{
		dial:     dial,
		sessions: make(map[string]*peerSession),
		handlers: make(map[string]func(ctx context.Context, from string, attrs map[string]any) (map[string]any, error)),
	}
}

func (s *Service) RegisterHandler(action string, handler func(ctx context.Context, from string, attrs map[string]any) (reply map[string]any, err error)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[action] = handler
}

// Invoke dials (or reuses) the session toward targetTwincodeID and sends
// one invocation, blocking for its reply or ctx's deadline.
func (s *Service) Invoke(ctx context.Context, targetTwincodeID string, action string, attrs map[string]any) (map[string]any, error) {
	ps, err := s.sessionFor(ctx, targetTwincodeID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID.next()
	s.mu.Unlock()

	ch := make(chan invocation, 1)
	ps.pendingMu.Lock()
	ps.pending[id] = ch
	ps.pendingMu.Unlock()
	defer func() {
		ps.pendingMu.Lock()
		delete(ps.pending, id)
		ps.pendingMu.Unlock()
	}()

	msg := invocation{ID: id, Action: action, Attrs: attrs}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("invocationref: marshal: %w", err)
	}
	data = append(data, '\n')

	ps.mu.Lock()
	_, err = ps.stream.Write(data)
	ps.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("invocationref: write: %w", err)
	}

	select {
	case reply := <-ch:
		if reply.Err != "" {
			return nil, fmt.Errorf("invocationref: peer error: %s", reply.Err)
		}
		return reply.Reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) sessionFor(ctx context.Context, targetTwincodeID string) (*peerSession, error) {
	s.mu.Lock()
	if ps, ok := s.sessions[targetTwincodeID]; ok {
		s.mu.Unlock()
		return ps, nil
	}
	s.mu.Unlock()

	addr, err := s.dial(targetTwincodeID)
	if err != nil {
		return nil, fmt.Errorf("invocationref: resolve %s: %w", targetTwincodeID, err)
	}

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		QUICConfig:      &quic.Config{EnableDatagrams: false},
	}
	_, sess, err := d.Dial(ctx, "https://"+addr, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("invocationref: dial %s: %w", addr, err)
	}
	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "open stream failed")
		return nil, err
	}

	ps := &peerSession{session: sess, stream: stream, pending: make(map[uint64]chan invocation)}
	s.mu.Lock()
	s.sessions[targetTwincodeID] = ps
	s.mu.Unlock()

	go s.readLoop(targetTwincodeID, ps, stream)
	return ps, nil
}

// readLoop demultiplexes replies to Invoke callers and dispatches
// unsolicited invocations to registered handlers, mirroring
// client/transport.go's readControl scan-and-dispatch loop.
func (s *Service) readLoop(peerID string, ps *peerSession, stream *webtransport.Stream) {
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		var msg invocation
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			log.Printf("[invocationref] invalid message from %s: %v", peerID, err)
			continue
		}
		if msg.Action == "" {
			ps.pendingMu.Lock()
			ch, ok := ps.pending[msg.ID]
			ps.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		s.handlersMu.RLock()
		handler := s.handlers[msg.Action]
		s.handlersMu.RUnlock()
		go s.dispatch(ps, peerID, msg, handler)
	}
	s.mu.Lock()
	delete(s.sessions, peerID)
	s.mu.Unlock()
}

func (s *Service) dispatch(ps *peerSession, peerID string, msg invocation, handler func(ctx context.Context, from string, attrs map[string]any) (map[string]any, error)) {
	reply := invocation{ID: msg.ID}
	if handler == nil {
		reply.Err = fmt.Sprintf("no handler for action %q", msg.Action)
	} else {
		r, err := handler(context.Background(), peerID, msg.Attrs)
		if err != nil {
			reply.Err = err.Error()
		} else {
			reply.Reply = r
		}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		log.Printf("[invocationref] marshal reply: %v", err)
		return
	}
	data = append(data, '\n')
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if _, err := ps.stream.Write(data); err != nil {
		log.Printf("[invocationref] write reply to %s: %v", peerID, err)
	}
}
