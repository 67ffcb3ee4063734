package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/NeatMonster/IDAConnect/pkg/hub"
	"github.com/NeatMonster/IDAConnect/pkg/logger"
	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/sequencer"
	"github.com/NeatMonster/IDAConnect/pkg/store"
	"github.com/NeatMonster/IDAConnect/pkg/telemetry"
)

// state is the connection's protocol phase.
type state int

const (
	stateConnecting state = iota
	stateAuthenticating
	stateReplaying
	stateLive
	stateClosed
)

const (
	helloTimeout = 30 * time.Second
	writeTimeout = 10 * time.Second
	// outboundDepth buffers acks and per-operation errors from the reader
	// to the single writer goroutine.
	outboundDepth = 16
)

// Options tunes per-connection behavior.
type Options struct {
	// ReplayChunk caps events per replay message.
	ReplayChunk int
	// MaxPayload bounds one inbound frame, in bytes.
	MaxPayload int64
	// RPS and Burst throttle inbound events per connection. RPS <= 0
	// disables throttling.
	RPS   float64
	Burst int
}

// Handler upgrades HTTP requests to collaboration sessions and drives the
// per-connection protocol loop.
type Handler struct {
	Registry  *registry.Registry
	Store     *store.Store
	Hub       *hub.Hub
	Sequencer *sequencer.Sequencer
	Opts      Options
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	// The server has no browser origin policy of its own; transport access
	// control is handled in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	telemetry.Connections.Inc()
	defer telemetry.Connections.Dec()

	c := &conn{
		h:        h,
		ws:       ws,
		remote:   r.RemoteAddr,
		state:    stateConnecting,
		outbound: make(chan Message, outboundDepth),
		done:     make(chan struct{}),
	}
	c.run(r.Context())
}

type conn struct {
	h      *Handler
	ws     *websocket.Conn
	remote string
	state  state

	client  string
	br      *registry.Branch
	sub     *hub.Subscription
	limiter *rate.Limiter

	// outbound carries reader-originated messages (acks, soft errors) to
	// the writer goroutine, which owns all socket writes once live.
	outbound chan Message
	done     chan struct{}
	writerWG chan struct{}
}

// write sends one message; only valid before the writer goroutine starts
// or from within it.
func (c *conn) write(m Message) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(m)
}

func (c *conn) fail(code, reason string) {
	_ = c.write(Message{Type: TypeError, Code: code, Reason: reason})
	c.state = stateClosed
	_ = c.ws.Close()
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.Close()

	maxPayload := c.h.Opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = 1 << 20
	}
	// Envelope overhead on top of the payload bound.
	c.ws.SetReadLimit(maxPayload + 4096)

	// Authenticating: the first frame must be a hello.
	c.state = stateAuthenticating
	_ = c.ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello Message
	if err := c.ws.ReadJSON(&hello); err != nil {
		logger.Debug("hello_read_failed", "remote", c.remote, "error", err)
		c.state = stateClosed
		return
	}
	_ = c.ws.SetReadDeadline(time.Time{})
	if hello.Type != TypeHello || hello.Client == "" {
		c.fail(CodeProtocol, "expected hello")
		return
	}
	c.client = hello.Client

	br, err := c.h.Registry.ResolveOrCreate(hello.Project, hello.Branch)
	if err != nil {
		if errors.Is(err, registry.ErrBadName) {
			c.fail(CodeUnauthorized, "invalid project or branch name")
		} else {
			logger.Error("resolve_failed", "project", hello.Project, "branch", hello.Branch, "error", err)
			c.fail(CodePersistence, "branch unavailable")
		}
		return
	}
	c.br = br

	rps := c.h.Opts.RPS
	burst := c.h.Opts.Burst
	if rps <= 0 {
		c.limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	// Subscribe before reading history so nothing falls between replay and
	// live delivery; the horizon captured after subscribing bounds the
	// historical read, and live events at or below it are dropped as
	// already-replayed duplicates.
	c.state = stateReplaying
	c.sub = c.h.Hub.Subscribe(br.Project, br.Name, c.client)
	defer c.sub.Unsubscribe()
	horizon := br.LastSeq()

	if err := c.write(Message{Type: TypeWelcome, Project: br.Project, Branch: br.Name, Seq: horizon}); err != nil {
		c.state = stateClosed
		return
	}
	horizon, ok := c.replay(horizon)
	if !ok {
		c.state = stateClosed
		return
	}

	logger.Info("session_live", "project", br.Project, "branch", br.Name, "client", c.client, "seq", horizon)
	c.state = stateLive
	c.writerWG = make(chan struct{})
	go c.writeLoop(horizon)
	c.readLoop(ctx)

	close(c.done)
	<-c.writerWG
	c.state = stateClosed
}

// replay streams the snapshot (when present) and the historical tail. It
// returns the final replay horizon, which moves up when a concurrent
// compaction produced a snapshot past the captured one, and false when the
// connection broke.
func (c *conn) replay(horizon uint64) (uint64, bool) {
	snap, events, horizon, err := c.readHistory(horizon)
	if err != nil {
		logger.Error("replay_read_failed", "project", c.br.Project, "branch", c.br.Name, "error", err)
		c.fail(CodePersistence, "replay failed")
		return horizon, false
	}
	if snap != nil {
		if err := c.write(Message{Type: TypeSnapshot, Snapshot: snap}); err != nil {
			return horizon, false
		}
	}
	chunk := c.h.Opts.ReplayChunk
	if chunk <= 0 {
		chunk = 128
	}
	for len(events) > 0 {
		n := chunk
		if n > len(events) {
			n = len(events)
		}
		if err := c.write(Message{Type: TypeReplay, Events: events[:n]}); err != nil {
			return horizon, false
		}
		events = events[n:]
	}
	if err := c.write(Message{Type: TypeReplayDone, UpToSeq: horizon}); err != nil {
		return horizon, false
	}
	telemetry.ReplaysServed.Inc()
	return horizon, true
}

// readHistory fetches the snapshot and the event tail covering (snapshot,
// horizon]. The two reads are not one storage snapshot, so a concurrent
// compaction with pruning can open a gap between them; on a gap the pair
// is re-read against the newer snapshot. A snapshot past the captured
// horizon is accepted, not skipped: it subsumes every event up to its
// UpToSeq, so the horizon (and with it the live-skip threshold) moves up
// rather than leaving the read chasing pruned records.
func (c *conn) readHistory(horizon uint64) (*models.Snapshot, []models.Event, uint64, error) {
	for attempt := 0; attempt < 3; attempt++ {
		var snap *models.Snapshot
		var from uint64
		s, err := c.h.Store.ReadSnapshot(c.br.Project, c.br.Name)
		switch {
		case err == nil:
			snap = s
			from = s.UpToSeq
			if s.UpToSeq > horizon {
				horizon = s.UpToSeq
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			return nil, nil, horizon, err
		}
		events, err := c.h.Store.ReadRange(c.br.Project, c.br.Name, from, horizon)
		if err != nil {
			return nil, nil, horizon, err
		}
		if uint64(len(events)) == horizon-from {
			return snap, events, horizon, nil
		}
	}
	return nil, nil, horizon, errors.New("inconsistent history read")
}

// send queues a reader response for the writer. Returns false when the
// writer has already exited, so the reader never blocks on a dead peer.
func (c *conn) send(m Message) bool {
	select {
	case c.outbound <- m:
		return true
	case <-c.writerWG:
		return false
	}
}

// readLoop consumes client frames until the connection errors or a
// protocol violation occurs. It never writes to the socket directly; its
// responses travel through outbound to the writer.
func (c *conn) readLoop(ctx context.Context) {
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			logger.Debug("session_read_end", "client", c.client, "error", err)
			return
		}
		if m.Type != TypeEvent {
			c.send(Message{Type: TypeError, Code: CodeProtocol, Reason: "unexpected message type " + m.Type})
			return
		}
		if len(m.Payload) == 0 {
			c.send(Message{Type: TypeError, Code: CodeProtocol, Reason: "event payload required"})
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		ev, err := c.h.Sequencer.Append(ctx, c.br, c.client, m.Payload, c.sub)
		if err != nil {
			if errors.Is(err, sequencer.ErrPersistence) {
				// The sequence did not advance; the client may retry.
				if !c.send(Message{Type: TypeError, Code: CodePersistence, Reason: "append failed"}) {
					return
				}
				continue
			}
			return
		}
		if !c.send(Message{Type: TypeCommitted, Seq: ev.Seq}) {
			return
		}
	}
}

// writeLoop owns the socket for the live phase: it serializes hub
// deliveries and reader responses onto the wire, dropping live events
// already covered by replay.
func (c *conn) writeLoop(horizon uint64) {
	defer close(c.writerWG)
	for {
		select {
		case d, ok := <-c.sub.C():
			if !ok {
				c.closeForReason(c.sub.Reason())
				return
			}
			if d.Err != nil {
				_ = c.write(Message{Type: TypeError, Code: CodeBranchFailed, Reason: d.Err.Error()})
				_ = c.ws.Close()
				return
			}
			if d.Event.Seq <= horizon {
				continue
			}
			if err := c.write(Message{Type: TypeEvent, Seq: d.Event.Seq, Origin: d.Event.Origin, Payload: d.Event.Payload}); err != nil {
				_ = c.ws.Close()
				return
			}
		case m := <-c.outbound:
			if err := c.write(m); err != nil {
				_ = c.ws.Close()
				return
			}
			if m.Type == TypeError && m.Code == CodeProtocol {
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			c.drainOutbound()
			return
		}
	}
}

// drainOutbound flushes responses the reader queued before exiting.
func (c *conn) drainOutbound() {
	for {
		select {
		case m := <-c.outbound:
			_ = c.write(m)
		default:
			return
		}
	}
}

// closeForReason reports the hub's teardown reason to the client, when
// there is one, and closes the socket.
func (c *conn) closeForReason(reason error) {
	switch {
	case reason == nil:
	case errors.Is(reason, hub.ErrSlowSubscriber):
		_ = c.write(Message{Type: TypeError, Code: CodeBackpressure, Reason: "too slow, disconnected"})
	default:
		_ = c.write(Message{Type: TypeError, Code: CodeBranchFailed, Reason: reason.Error()})
	}
	_ = c.ws.Close()
}
