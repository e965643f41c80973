// Package conn owns the push-channel connection: one authenticated
// WebSocket session, its lifecycle state machine, reconnection backoff and
// foreground gating. Server events are decoded here and published on the
// update bus; consumers never touch the socket.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/logger"
)

// State of the connection state machine:
// Idle → Connecting → Connected → Disconnected → Connecting (retry) → … → GivenUp.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateGivenUp      State = "given_up"
)

var (
	// ErrNotConnected fails sends fast while the channel is down; the UI
	// surfaces it instead of queuing.
	ErrNotConnected = errors.New("conn: not connected")
	// ErrBackgrounded refuses connects while the host app is backgrounded,
	// so messages are never marked read while the UI is not visible.
	ErrBackgrounded = errors.New("conn: app is backgrounded")
	// ErrRetriesExhausted is reported when the retry budget is spent.
	ErrRetriesExhausted = errors.New("conn: reconnect attempts exhausted")
	// ErrSendBufferFull is returned when the outbound buffer is saturated.
	ErrSendBufferFull = errors.New("conn: send buffer full")
)

// Manager owns at most one live connection. All commands fail fast with
// ErrNotConnected unless the state is Connected.
type Manager struct {
	cfg     config.ConnConfig
	baseURL string
	creds   credentials.Store
	bus     *bus.Bus

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	send       chan []byte
	pumpCancel context.CancelFunc
	foreground bool
	hadSession bool
	closeSent  bool
	retry      *backoff
	retryTimer *time.Timer
	probeTimer *time.Timer
	// joined tracks rooms this session has explicitly joined; joins are
	// re-issued after every connect because the server does not remember
	// channel membership across reconnects.
	joined map[string]struct{}

	wg sync.WaitGroup
}

func NewManager(cfg config.ConnConfig, baseURL string, creds credentials.Store, b *bus.Bus) *Manager {
	return &Manager{
		cfg:        cfg,
		baseURL:    baseURL,
		creds:      creds,
		bus:        b,
		state:      StateIdle,
		foreground: true,
		retry:      newBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.MaxRetries),
		joined:     make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the push-channel session. Connecting while already
// connected (or mid-handshake) is a no-op. Refused while backgrounded.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if !m.foreground {
		m.mu.Unlock()
		return ErrBackgrounded
	}
	m.state = StateConnecting
	m.closeSent = false
	m.stopProbeLocked()
	m.mu.Unlock()

	token, err := m.creds.Token()
	if err != nil {
		// Auth failure: surfaced, never retried automatically.
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.bus.Publish(bus.ConnError{Err: err})
		return err
	}

	wsURL, err := pushURL(m.baseURL, token)
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.bus.Publish(bus.ConnError{Err: err})
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.HandshakeTimeout}
	c, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		err = fmt.Errorf("conn: dial: %w", err)
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		m.bus.Publish(bus.ConnError{Err: err})
		m.scheduleRetry()
		return err
	}

	m.mu.Lock()
	if !m.foreground {
		// Backgrounded while the dial was in flight: drop the fresh
		// socket instead of going Connected behind an invisible UI.
		m.state = StateDisconnected
		m.mu.Unlock()
		c.Close()
		return ErrBackgrounded
	}
	m.conn = c
	m.state = StateConnected
	resync := m.hadSession
	m.hadSession = true
	m.retry.reset()
	pumpCtx, cancel := context.WithCancel(context.Background())
	m.pumpCancel = cancel
	m.send = make(chan []byte, m.cfg.SendBufferSize)
	rejoin := make([]string, 0, len(m.joined))
	for id := range m.joined {
		rejoin = append(rejoin, id)
	}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readPump(c)
	go m.writePump(pumpCtx, c)

	for _, id := range rejoin {
		if err := m.sendCommand(Command{Event: cmdJoinChatRoom, Payload: roomRef{ChatRoomID: id}}); err != nil {
			logger.Errorf("conn: rejoin %s: %v", id, err)
		}
	}
	m.bus.Publish(bus.Connected{Resync: resync})
	return nil
}

// Disconnect tears the session down. Client-initiated: no retry follows.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	m.teardownLocked(StateDisconnected)
	conn := m.conn
	m.conn = nil
	wasLive := conn != nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasLive {
		m.bus.Publish(bus.Disconnected{Reason: reason, ClientInitiated: true})
	}
}

// Shutdown is the logout path: any state → Idle, derived state (joined
// rooms) cleared with it.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.teardownLocked(StateIdle)
	conn := m.conn
	m.conn = nil
	m.joined = make(map[string]struct{})
	m.hadSession = false
	m.retry.reset()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		m.bus.Publish(bus.Disconnected{Reason: "logout", ClientInitiated: true})
	}
	m.wg.Wait()
}

// teardownLocked marks the close as client-initiated, cancels pumps and
// pending retries, and sets the target state. Caller holds m.mu.
func (m *Manager) teardownLocked(target State) {
	m.closeSent = true
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.stopProbeLocked()
	m.state = target
}

// SetForeground couples the connection to host-app visibility. Going to
// background force-disconnects even a healthy connection; returning to
// foreground resets the attempt counter and reconnects.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	if m.foreground == fg {
		m.mu.Unlock()
		return
	}
	m.foreground = fg
	m.mu.Unlock()

	if !fg {
		m.Disconnect("backgrounded")
		return
	}

	m.mu.Lock()
	m.retry.reset()
	reconnect := m.state == StateDisconnected || m.state == StateGivenUp
	m.mu.Unlock()
	if reconnect {
		if err := m.Connect(context.Background()); err != nil {
			logger.Errorf("conn: foreground reconnect: %v", err)
		}
	}
}

// JoinRoom records the room in the joined set and issues the join if
// connected. Rooms in the set are re-joined after every reconnect.
func (m *Manager) JoinRoom(roomID string) error {
	m.mu.Lock()
	m.joined[roomID] = struct{}{}
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return m.sendCommand(Command{Event: cmdJoinChatRoom, Payload: roomRef{ChatRoomID: roomID}})
}

// LeaveRoom removes the room from the joined set and issues the leave.
func (m *Manager) LeaveRoom(roomID string) error {
	m.mu.Lock()
	delete(m.joined, roomID)
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return m.sendCommand(Command{Event: cmdLeaveChatRoom, Payload: roomRef{ChatRoomID: roomID}})
}

// SendMessage transmits a send over the push channel. Not optimistic: the
// message enters the timeline only when the server echoes it back.
func (m *Manager) SendMessage(p SendMessagePayload) error {
	return m.sendCommand(Command{Event: cmdSendMessage, Payload: p})
}

// Typing emits the ephemeral typing indicator.
func (m *Manager) Typing(roomID string, isTyping bool) error {
	return m.sendCommand(Command{Event: cmdTyping, Payload: typingPayload{ChatRoomID: roomID, IsTyping: isTyping}})
}

// MessageRead emits a per-message read receipt.
func (m *Manager) MessageRead(messageID, roomID string) error {
	return m.sendCommand(Command{Event: cmdMessageRead, Payload: messageReadPayload{MessageID: messageID, ChatRoomID: roomID}})
}

// MarkRoomRead emits the bulk "room opened" read receipt.
func (m *Manager) MarkRoomRead(roomID string) error {
	return m.sendCommand(Command{Event: cmdMarkChatRoomAsRead, Payload: roomRef{ChatRoomID: roomID}})
}

// joinRoomID is the dispatch-side variant: track and best-effort join.
func (m *Manager) joinRoomID(roomID string) {
	if err := m.JoinRoom(roomID); err != nil {
		logger.Errorf("conn: join %s: %v", roomID, err)
	}
}

func (m *Manager) forgetRoomID(roomID string) {
	m.mu.Lock()
	delete(m.joined, roomID)
	m.mu.Unlock()
}

func (m *Manager) sendCommand(cmd Command) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ch := m.send
	m.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("conn: marshal %s: %w", cmd.Event, err)
	}
	select {
	case ch <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (m *Manager) readPump(c *websocket.Conn) {
	defer m.wg.Done()

	c.SetReadLimit(m.cfg.MaxMessageSize)
	if err := c.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout)); err != nil {
		m.onClose(c, err)
		return
	}
	c.SetPingHandler(func(appData string) error {
		if err := c.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout)); err != nil {
			return err
		}
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(m.cfg.WriteTimeout))
	})
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			m.onClose(c, err)
			return
		}
		if err := c.SetReadDeadline(time.Now().Add(m.cfg.PongTimeout)); err != nil {
			m.onClose(c, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("conn: malformed envelope: %v", err)
			continue
		}
		m.dispatch(env)
	}
}

func (m *Manager) writePump(ctx context.Context, c *websocket.Conn) {
	defer m.wg.Done()
	ticker := time.NewTicker((m.cfg.PongTimeout * 9) / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	m.mu.Lock()
	send := m.send
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			if err := c.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("conn: close message: %v", err)
			}
			return
		case data := <-send:
			if err := c.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout)); err != nil {
				return
			}
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// onClose handles transport-level termination of one specific connection.
// A connection superseded by a newer one is ignored.
func (m *Manager) onClose(c *websocket.Conn, cause error) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	intentional := m.closeSent
	if m.pumpCancel != nil {
		m.pumpCancel()
		m.pumpCancel = nil
	}
	if !intentional {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	c.Close()

	if intentional {
		return
	}
	reason := "transport error"
	if cause != nil {
		reason = cause.Error()
	}
	m.bus.Publish(bus.Disconnected{Reason: reason, ClientInitiated: false})
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	m.mu.Lock()
	if !m.foreground || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.retry.exhausted() {
		m.state = StateGivenUp
		m.startProbeLocked()
		m.mu.Unlock()
		m.bus.Publish(bus.ConnError{Err: ErrRetriesExhausted})
		return
	}
	delay := m.retry.next()
	logger.Infof("conn: retrying in %v (attempt %d)", delay, m.retry.attempt)
	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.Connect(context.Background()); err != nil {
			logger.Errorf("conn: retry connect: %v", err)
		}
	})
	m.mu.Unlock()
}

// startProbeLocked arms the low-frequency probe used in GivenUp: every probe
// interval one connect attempt checks whether connectivity returned.
// Caller holds m.mu.
func (m *Manager) startProbeLocked() {
	if m.probeTimer != nil {
		return
	}
	m.probeTimer = time.AfterFunc(m.cfg.ProbeInterval, m.probe)
}

func (m *Manager) stopProbeLocked() {
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
}

func (m *Manager) probe() {
	m.mu.Lock()
	if m.state != StateGivenUp {
		m.probeTimer = nil
		m.mu.Unlock()
		return
	}
	m.probeTimer = nil
	m.mu.Unlock()

	if err := m.Connect(context.Background()); err != nil {
		m.mu.Lock()
		if m.state == StateDisconnected {
			m.state = StateGivenUp
		}
		if m.state == StateGivenUp {
			m.startProbeLocked()
		}
		m.mu.Unlock()
	}
}

// pushURL derives the push-channel URL from the service base URL.
func pushURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("conn: server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("conn: server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
