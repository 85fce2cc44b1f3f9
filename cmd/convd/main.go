// Command convd is the reference daemon wiring the conversation-core
// engine to its reference adapters (WebRTC data channels, WebTransport
// invocations, ed25519/HKDF crypto, sqlite storage) and exposing a small
// introspection HTTP API, following the teacher's server/main.go flag-based
// bootstrap and server/api.go echo-based REST surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pion/webrtc/v4"

	"github.com/twinlife/conversationcore/conv"
	"github.com/twinlife/conversationcore/dispatch"
	"github.com/twinlife/conversationcore/frame"
	"github.com/twinlife/conversationcore/group"
	"github.com/twinlife/conversationcore/internal/refimpl/cryptoref"
	"github.com/twinlife/conversationcore/internal/refimpl/invocationref"
	"github.com/twinlife/conversationcore/internal/refimpl/webrtctransport"
	"github.com/twinlife/conversationcore/keysync"
	"github.com/twinlife/conversationcore/observer"
	"github.com/twinlife/conversationcore/scheduler"
	"github.com/twinlife/conversationcore/store"
)

func main() {
	dbPath := flag.String("db", "convd.db", "SQLite database path")
	apiAddr := flag.String("api-addr", ":8090", "introspection REST API listen address")
	stunURL := flag.String("stun-url", "stun:stun.l.google.com:19302", "STUN server URL for WebRTC ICE gathering")
	filesDir := flag.String("files-dir", "convd-files", "root directory for received/sent file transfer content (spec §5)")
	flag.Parse()

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("[store] %v", err)
	}
	defer st.Close()

	bus := observer.NewBus()
	defer bus.Close()

	keys := cryptoref.NewMapKeyStore()
	crypto := cryptoref.New(keys)

	invocations := invocationref.New(func(targetTwincodeID string) (string, error) {
		// Directory resolution is out of scope for the reference daemon; it
		// expects peer addresses to already be known by twincode id.
		return "", fmt.Errorf("convd: no directory configured for %s", targetTwincodeID)
	})

	engine := conv.NewEngine(nil) // Transport is set below once wired to itself
	signaller := &loopbackSignaller{invocations: invocations}
	bridge := &engineFrameBridge{engine: engine}
	transport, err := webrtctransport.New([]webrtc.ICEServer{{URLs: []string{*stunURL}}}, signaller, bridge)
	if err != nil {
		log.Fatalf("[webrtctransport] %v", err)
	}
	engine.Transport = transport
	bridge.transport = transport

	registry := frame.NewRegistry()
	frame.RegisterDefaults(registry)

	files := newFileRegistry(*filesDir)

	completion := dispatch.NewCompletionBridge(bus)
	sender := &dispatch.FrameSender{Engine: engine, Invocation: invocations, Files: files, Thumbnails: files.thumbnails(), Store: st}
	sched := scheduler.New(engine, sender, completion, st)
	defer sched.Shutdown()
	bridge.sched = sched

	members := st.Members()
	groupMgr := group.New(engine, sched, crypto, members, bus)
	groupMgr.RegisterInvocationHandlers(invocations)

	dispatcher := dispatch.New(engine, registry, st, bus, sched,
		dispatch.WithFileSink(files),
		dispatch.WithThumbnailSink(files.thumbnails()),
		dispatch.WithGroupHandler(groupMgr),
	)
	bridge.dispatcher = dispatcher

	secrets := st.Secrets()
	keySync := keysync.New(crypto, invocations, invocations, secrets, bus)
	_ = keySync

	api := newAPIServer(engine, sched, bus, files)
	go func() {
		if err := api.echo.Start(*apiAddr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[api] %v", err)
		}
	}()
	log.Printf("[convd] introspection API listening on %s", *apiAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()
	log.Printf("[convd] shutting down")
	_ = api.echo.Shutdown(context.Background())
}

// loopbackSignaller would normally carry SDP offers/answers and ICE
// candidates over the twincode invocation transport's "conversation-open"
// action; wiring that secure-invocation round trip is left to a full
// integration since it depends on a running peer, not the daemon alone.
type loopbackSignaller struct {
	invocations *invocationref.Service
}

func (s *loopbackSignaller) SendOffer(peerConnectionID string, sdp webrtc.SessionDescription) error {
	log.Printf("[signal] offer/answer for %s (%d bytes SDP)", peerConnectionID, len(sdp.SDP))
	return nil
}

func (s *loopbackSignaller) SendCandidate(peerConnectionID string, candidate webrtc.ICECandidateInit) error {
	log.Printf("[signal] candidate for %s", peerConnectionID)
	return nil
}

// engineFrameBridge routes data-channel frames and lifecycle callbacks from
// the WebRTC transport into the dispatcher/scheduler. transport, dispatcher
// and sched are filled in after construction since they depend on each
// other through the Engine (transport needs the bridge, the bridge needs
// the dispatcher, the dispatcher needs the engine the transport attaches
// to).
type engineFrameBridge struct {
	engine     *conv.Engine
	transport  dispatch.InboundWriter
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Scheduler
}

func (b *engineFrameBridge) OnFrame(peerConnectionID string, data []byte) {
	if b.dispatcher == nil {
		return
	}
	_, connection, ok := b.engine.ConversationByPeerConnectionID(peerConnectionID)
	if !ok {
		return
	}
	b.dispatcher.HandleInbound(b.transport, peerConnectionID, data, connection.LeadingPadding())
}

func (b *engineFrameBridge) OnOpen(peerConnectionID string) {
	conversation, connection, ok := b.engine.ConversationByPeerConnectionID(peerConnectionID)
	if !ok {
		return
	}
	log.Printf("[transport] connection open for conversation %s", conversation.ID)
	connection.CancelOpenTimeout()
	// The transport does not report the peer's version and OnSynchronizeIQ
	// carries none, so the connection runs at our own version.
	connection.CompleteOutgoingOpen(frame.Current, false)
	if b.sched != nil {
		b.sched.HandleConnectionOpen(conversation.ID)
	}
}

func (b *engineFrameBridge) OnTerminate(peerConnectionID string, reason conv.TerminateReason) {
	conversation, connection, ok := b.engine.ConversationByPeerConnectionID(peerConnectionID)
	if !ok {
		log.Printf("[transport] connection %s terminated (%v)", peerConnectionID, reason)
		return
	}
	wasOpen := connection.CloseDirection(true)
	connection.CloseDirection(false)
	connection.CancelOpenTimeout()
	if connection.BothClosed() {
		b.engine.UnbindConnection(peerConnectionID)
	}
	log.Printf("[transport] connection %s terminated (%v)", peerConnectionID, reason)
	if b.sched != nil {
		b.sched.HandleConnectionClosed(conversation.ID, reason, wasOpen)
	}
}

// apiServer exposes scheduler/engine introspection over HTTP, grounded on
// the teacher's server/api.go echo setup (request logging + recover
// middleware, JSON error handler, a small set of read-only GET routes).
type apiServer struct {
	engine *conv.Engine
	sched  *scheduler.Scheduler
	bus    *observer.Bus
	files  *fileRegistry
	echo   *echo.Echo
}

func newAPIServer(engine *conv.Engine, sched *scheduler.Scheduler, bus *observer.Bus, files *fileRegistry) *apiServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	s := &apiServer{engine: engine, sched: sched, bus: bus, files: files, echo: e}
	e.GET("/health", s.handleHealth)
	e.GET("/api/connections", s.handleConnections)
	e.GET("/api/conversations/:id/pending", s.handlePending)
	e.POST("/api/conversations/:id/files", s.handlePushFile)
	return s
}

func (s *apiServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *apiServer) handleConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"openCount": s.engine.OpenCount()})
}

func (s *apiServer) handlePending(c echo.Context) error {
	id := c.Param("id")
	return c.JSON(http.StatusOK, map[string]any{"conversationId": id, "pending": s.sched.PendingCount(id)})
}

// handlePushFile enqueues a PUSH_FILE operation for a local file (spec
// §4.8): the caller supplies the descriptor id it has already persisted
// and the on-disk path, and convd takes it from there.
func (s *apiServer) handlePushFile(c echo.Context) error {
	conversationID := c.Param("id")
	var req struct {
		DescriptorID int64  `json:"descriptorId"`
		Path         string `json:"path"`
		Name         string `json:"name"`
		MimeType     string `json:"mimeType"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	if err := s.files.registerOutgoing(req.DescriptorID, req.Path, req.Name, req.MimeType); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]any{"error": err.Error()})
	}
	_, _, length, _, err := s.files.Meta(req.DescriptorID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	op, err := s.sched.EnqueueFile(conversationID, req.DescriptorID, length)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]any{"operationId": op.ID})
}
