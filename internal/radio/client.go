// Package radio owns the persistent link to the mesh device.
//
// Ownership boundary:
// - connection lifecycle FSM with bounded reconnect backoff
// - in-order delivery of decoded frames to the protocol session
// - session decode of payloads into typed mesh events
// - outbound message construction and pending-ack tracking
package radio

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meshmon/meshmon/internal/mesh/feed"
	"github.com/meshmon/meshmon/internal/observability"
	"github.com/meshmon/meshmon/internal/protocol/frame"
	"github.com/meshmon/meshmon/internal/protocol/wire"
)

var (
	ErrNotConnected   = errors.New("radio: not connected")
	ErrAlreadyStarted = errors.New("radio: client already started")
)

// State is the connection FSM position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FrameHandler consumes decoded frames. The client guarantees in-order,
// single-goroutine delivery per connection.
type FrameHandler interface {
	HandleFrame(f frame.Frame)
}

// Status is a point-in-time connection snapshot.
type Status struct {
	State       State     `json:"-"`
	StateName   string    `json:"state"`
	Address     string    `json:"address"`
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"last_error,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
}

// Client owns the transport socket and the reconnect cycle:
// Disconnected -> Connecting -> Connected -> Disconnected, terminal only
// on Stop. One Client instance per process, constructed by the
// composition root and passed by reference; there is no ambient global.
type Client struct {
	cfg     Config
	handler FrameHandler
	events  *feed.Feed
	rng     *rand.Rand

	state atomic.Int32

	mu          sync.Mutex
	conn        net.Conn
	attempt     int
	lastErr     string
	connectedAt time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewClient(cfg Config, handler FrameHandler, events *feed.Feed) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		events:  events,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the connect/read cycle. It returns immediately; state
// is observable through Status and the event feed.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Stop ends the cycle: pending retry timers are cancelled, the active
// transport closed, and the run goroutine joined.
func (c *Client) Stop() {
	if !c.started.Load() {
		return
	}
	c.cancel()
	c.closeConn()
	<-c.done
}

// State returns the current FSM state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Status returns a snapshot for status surfaces.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.State()
	return Status{
		State:       st,
		StateName:   st.String(),
		Address:     c.cfg.Address,
		Attempt:     c.attempt,
		LastError:   c.lastErr,
		ConnectedAt: c.connectedAt,
	}
}

// Send frames payload and writes it to the transport with a bounded
// deadline. Callers see ErrNotConnected while the link is down.
func (c *Client) Send(payload []byte) error {
	framed, err := frame.Encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(framed); err != nil {
		return err
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.setState(StateDisconnected, "")

	for {
		if ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting, "")

		dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Str("addr", c.cfg.Address).Err(err).Msg("radio dial failed")
			c.setState(StateDisconnected, err.Error())
			if !c.scheduleRetry(ctx) {
				return
			}
			continue
		}

		c.attach(conn)
		c.setState(StateConnected, "")
		log.Info().
			Str("addr", c.cfg.Address).
			Int("schema", wire.SchemaVersion).
			Msg("radio connected")

		err = c.readLoop(ctx, conn)
		stable := c.detach()
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("radio connection lost")
		if stable {
			// A connection that held past the stability threshold resets
			// the backoff schedule to base.
			c.resetAttempts()
		}
		c.setState(StateDisconnected, errString(err))
		if !c.scheduleRetry(ctx) {
			return
		}
	}
}

// readLoop pumps transport bytes through the frame decoder and hands
// complete frames to the handler. It returns on transport error, read
// timeout, or context cancellation.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	stopHeartbeat := c.startHeartbeat(ctx)
	defer stopHeartbeat()

	var dec frame.Decoder
	buf := make([]byte, 4096)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			before := dec.Discarded
			frames := dec.Feed(buf[:n])
			if d := dec.Discarded - before; d > 0 {
				observability.RecordResyncBytes(d)
				log.Debug().Uint64("bytes", d).Msg("frame resync discarded bytes")
			}
			observability.RecordFrames(len(frames))
			for _, f := range frames {
				c.handler.HandleFrame(f)
			}
		}
		if err != nil {
			return err
		}
	}
}

// startHeartbeat writes a periodic keepalive so an idle but healthy link
// never trips the read deadline.
func (c *Client) startHeartbeat(ctx context.Context) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		payload := wire.AppendToRadio(nil, wire.ToRadio{Heartbeat: true})
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := c.Send(payload); err != nil {
					log.Debug().Err(err).Msg("heartbeat write failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// scheduleRetry sleeps the current backoff delay. It returns false when
// the context is cancelled before the delay elapses.
func (c *Client) scheduleRetry(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	delay := NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	observability.RecordReconnect()
	c.publish(feed.TypeReconnectScheduled, map[string]any{
		"attempt":  attempt,
		"delay_ms": delay.Milliseconds(),
	})
	log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("radio reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) attach(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connectedAt = time.Now()
}

// detach clears the transport and reports whether the connection held
// past the stability threshold.
func (c *Client) detach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	stable := !c.connectedAt.IsZero() && time.Since(c.connectedAt) >= c.cfg.StableAfter
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connectedAt = time.Time{}
	return stable
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) resetAttempts() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

func (c *Client) setState(s State, lastErr string) {
	prev := State(c.state.Swap(int32(s)))
	c.mu.Lock()
	c.lastErr = lastErr
	c.mu.Unlock()
	observability.SetConnectionState(int(s))
	if prev != s {
		c.publish(feed.TypeConnectionStatus, map[string]any{
			"state": s.String(),
			"error": lastErr,
		})
	}
}

func (c *Client) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
