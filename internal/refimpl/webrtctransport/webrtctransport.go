// Package webrtctransport is a reference conv.PeerConnectionService backed
// by pion/webrtc/v4 data channels, following the teacher's transport
// lifecycle (client/transport.go: Connect/Disconnect pair, callback
// setters, a mutex-guarded session map) but swapping WebTransport sessions
// for WebRTC peer connections and data channels.
//
// Signalling (SDP offer/answer exchange) is out of scope for this module;
// callers drive it externally and feed remote descriptions in through
// SetRemoteDescription.
package webrtctransport

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"

	"github.com/twinlife/conversationcore/conv"
)

// maxOutgoingAttemptsPerSecond caps how often this service will start a new
// PeerConnection across all conversations, so a burst of simultaneous
// reconnects (e.g. after a network flap) does not hammer the ICE/STUN
// infrastructure all at once; the scheduler's per-conversation backoff
// (spec §4.5) still governs when any single conversation retries.
const maxOutgoingAttemptsPerSecond = 5

// SignalSender delivers a local SDP offer/answer or ICE candidate to the
// peer over whatever out-of-band channel the caller uses (typically the
// twincode invocation transport); Service never talks to the network
// directly for signalling.
type SignalSender interface {
	SendOffer(peerConnectionID string, sdp webrtc.SessionDescription) error
	SendCandidate(peerConnectionID string, candidate webrtc.ICECandidateInit) error
}

// FrameReceiver is notified as framed bytes arrive on a data channel.
type FrameReceiver interface {
	OnFrame(peerConnectionID string, data []byte)
	OnOpen(peerConnectionID string)
	OnTerminate(peerConnectionID string, reason conv.TerminateReason)
}

const dataChannelLabel = "conversation"

// Service implements conv.PeerConnectionService on top of pion/webrtc/v4.
type Service struct {
	api    *webrtc.API
	config webrtc.Configuration
	signal SignalSender
	recv   FrameReceiver

	mu    sync.Mutex
	peers map[string]*session

	openLimiter *rate.Limiter
}

type session struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

var _ conv.PeerConnectionService = (*Service)(nil)

// New builds a Service using the default media engine (data channels only;
// no audio/video tracks are registered, matching this module's scope).
func New(iceServers []webrtc.ICEServer, signal SignalSender, recv FrameReceiver) (*Service, error) {
	m := &webrtc.MediaEngine{}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	return &Service{
		api:         api,
		config:      webrtc.Configuration{ICEServers: iceServers},
		signal:      signal,
		recv:        recv,
		peers:       make(map[string]*session),
		openLimiter: rate.NewLimiter(rate.Limit(maxOutgoingAttemptsPerSecond), maxOutgoingAttemptsPerSecond),
	}, nil
}

// OpenOutgoing creates a PeerConnection and an outbound data channel, then
// asks the caller's SignalSender to carry the local offer to the peer. The
// peerConnectionID returned is used for subsequent Write/Terminate calls
// and correlates with callbacks on FrameReceiver.
func (s *Service) OpenOutgoing(ctx context.Context, conversationID string) (string, error) {
	if err := s.openLimiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("webrtctransport: rate limit wait: %w", err)
	}

	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return "", fmt.Errorf("webrtctransport: new peer connection: %w", err)
	}
	peerConnectionID := conversationID

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtctransport: create data channel: %w", err)
	}
	s.wireDataChannel(peerConnectionID, dc)
	s.wireConnectionState(peerConnectionID, pc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtctransport: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtctransport: set local description: %w", err)
	}

	s.mu.Lock()
	s.peers[peerConnectionID] = &session{pc: pc, dc: dc}
	s.mu.Unlock()

	if err := s.signal.SendOffer(peerConnectionID, offer); err != nil {
		s.Terminate(peerConnectionID, conv.TerminateConnectivityError)
		return "", fmt.Errorf("webrtctransport: send offer: %w", err)
	}
	return peerConnectionID, nil
}

// AcceptOffer handles an inbound offer (the responder side of
// OPENING_INCOMING), answering and wiring the same callbacks (spec §4.4).
func (s *Service) AcceptOffer(peerConnectionID string, offer webrtc.SessionDescription) error {
	pc, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return fmt.Errorf("webrtctransport: new peer connection: %w", err)
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		s.wireDataChannel(peerConnectionID, dc)
		s.mu.Lock()
		if sess, ok := s.peers[peerConnectionID]; ok {
			sess.dc = dc
		}
		s.mu.Unlock()
	})
	s.wireConnectionState(peerConnectionID, pc)

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return fmt.Errorf("webrtctransport: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return fmt.Errorf("webrtctransport: create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return fmt.Errorf("webrtctransport: set local description: %w", err)
	}

	s.mu.Lock()
	s.peers[peerConnectionID] = &session{pc: pc}
	s.mu.Unlock()

	return s.signal.SendOffer(peerConnectionID, answer)
}

// SetRemoteAnswer completes the outgoing offer/answer exchange.
func (s *Service) SetRemoteAnswer(peerConnectionID string, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	sess, ok := s.peers[peerConnectionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtctransport: unknown peer connection %s", peerConnectionID)
	}
	return sess.pc.SetRemoteDescription(answer)
}

// AddCandidate feeds a remote ICE candidate arriving over the signalling
// channel into the matching peer connection.
func (s *Service) AddCandidate(peerConnectionID string, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	sess, ok := s.peers[peerConnectionID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("webrtctransport: unknown peer connection %s", peerConnectionID)
	}
	return sess.pc.AddICECandidate(candidate)
}

func (s *Service) wireDataChannel(peerConnectionID string, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.recv.OnOpen(peerConnectionID)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.recv.OnFrame(peerConnectionID, msg.Data)
	})
}

func (s *Service) wireConnectionState(peerConnectionID string, pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.signal.SendCandidate(peerConnectionID, c.ToJSON()); err != nil {
			log.Printf("[webrtctransport] send candidate for %s: %v", peerConnectionID, err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			s.Terminate(peerConnectionID, conv.TerminateConnectivityError)
		case webrtc.PeerConnectionStateDisconnected:
			s.Terminate(peerConnectionID, conv.TerminateDisconnected)
		}
	})
}

// Write sends an already-framed byte buffer on the peer connection's data
// channel.
func (s *Service) Write(peerConnectionID string, frame []byte) error {
	s.mu.Lock()
	sess, ok := s.peers[peerConnectionID]
	s.mu.Unlock()
	if !ok || sess.dc == nil {
		return fmt.Errorf("webrtctransport: no open data channel for %s", peerConnectionID)
	}
	return sess.dc.Send(frame)
}

// Terminate closes the peer connection and reports the reason upward.
func (s *Service) Terminate(peerConnectionID string, reason conv.TerminateReason) {
	s.mu.Lock()
	sess, ok := s.peers[peerConnectionID]
	delete(s.peers, peerConnectionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.pc.Close(); err != nil {
		log.Printf("[webrtctransport] close %s: %v", peerConnectionID, err)
	}
	s.recv.OnTerminate(peerConnectionID, reason)
}
