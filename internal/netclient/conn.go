package netclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"essencetap.gg/internal/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrOutboxFull   = errors.New("outbox full")
	ErrClosed       = errors.New("connection manager closed")
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

type Config struct {
	URL        string
	PlayerName string
	AuthToken  string

	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int

	OutboxSize int
}

// Manager owns one logical websocket connection: dialing, the HELLO/WELCOME
// handshake, liveness, and reconnection with exponential backoff. Inbound
// game messages are delivered on Inbound(); state transitions on States().
type Manager struct {
	cfg Config
	log *log.Logger

	inbound chan []byte
	states  chan State

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	outbox      chan []byte
	stop        chan struct{} // closed by Disconnect; ends the dial loop
	attempt     int
	resumeToken string
	sessionID   string
	dialing     bool
	noRetry     bool
}

func New(cfg Config, logger *log.Logger) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[net] ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Manager{
		cfg:     cfg,
		log:     logger,
		inbound: make(chan []byte, 256),
		states:  make(chan State, 16),
		state:   Disconnected,
	}
}

func (m *Manager) Inbound() <-chan []byte { return m.inbound }
func (m *Manager) States() <-chan State   { return m.states }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the id from the most recent WELCOME.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connect starts the dial loop if no connection is active. Recovers from
// the terminal error state by resetting the attempt counter.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.dialing || m.state == Connected || m.state == Connecting {
		m.mu.Unlock()
		return
	}
	m.dialing = true
	m.noRetry = false
	m.attempt = 0
	m.stop = make(chan struct{})
	stop := m.stop
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	go m.dialLoop(stop)
}

// Disconnect tears down the active connection and cancels any scheduled
// reconnection attempt.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	conn := m.conn
	m.conn = nil
	m.dialing = false
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

// Send marshals v and enqueues it for the writer goroutine. It never
// blocks: a full outbox or an inactive connection is reported as an error.
func (m *Manager) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	out := m.outbox
	st := m.state
	m.mu.Unlock()
	if st != Connected || out == nil {
		return ErrNotConnected
	}
	select {
	case out <- b:
		return nil
	default:
		return ErrOutboxFull
	}
}

// BackoffDelay computes min(base * 2^attempt, max).
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) dialLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn, err := m.dialAndHandshake()
		if err == nil {
			m.mu.Lock()
			if m.stop == nil {
				// Disconnect won the race while we were dialing.
				m.dialing = false
				m.mu.Unlock()
				_ = conn.Close()
				return
			}
			m.conn = conn
			m.attempt = 0
			m.outbox = make(chan []byte, m.cfg.OutboxSize)
			out := m.outbox
			m.setStateLocked(Connected)
			m.mu.Unlock()

			done := make(chan struct{})
			go m.writeLoop(conn, out, stop, done)
			m.readLoop(conn, stop)
			close(done)

			m.mu.Lock()
			m.conn = nil
			m.outbox = nil
			noRetry := m.noRetry
			stopped := m.stop == nil
			if stopped || noRetry {
				m.dialing = false
				m.setStateLocked(Disconnected)
				m.mu.Unlock()
				return
			}
			m.setStateLocked(Reconnecting)
			m.mu.Unlock()
		} else {
			m.mu.Lock()
			if m.stop == nil {
				m.dialing = false
				m.mu.Unlock()
				return
			}
			m.attempt++
			attempt := m.attempt
			if attempt > m.cfg.MaxAttempts {
				m.dialing = false
				m.setStateLocked(Failed)
				m.mu.Unlock()
				m.log.Printf("giving up after %d attempts: %v", attempt-1, err)
				return
			}
			m.setStateLocked(Reconnecting)
			m.mu.Unlock()
			m.log.Printf("dial failed (attempt %d): %v", attempt, err)
		}

		m.mu.Lock()
		attempt := m.attempt
		m.mu.Unlock()
		delay := BackoffDelay(m.cfg.BackoffBase, m.cfg.BackoffMax, attempt)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		m.mu.Lock()
		m.setStateLocked(Connecting)
		m.mu.Unlock()
	}
}

func (m *Manager) dialAndHandshake() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	resume := m.resumeToken
	m.mu.Unlock()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PlayerName:      m.cfg.PlayerName,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: m.cfg.OutboxSize},
	}
	if m.cfg.AuthToken != "" || resume != "" {
		hello.Auth = &protocol.HelloAuth{Token: m.cfg.AuthToken, ResumeToken: resume}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("await WELCOME: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", base.Type)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode WELCOME: %w", err)
	}

	m.mu.Lock()
	m.sessionID = welcome.SessionID
	if welcome.ResumeToken != "" {
		m.resumeToken = welcome.ResumeToken
	}
	m.mu.Unlock()
	return conn, nil
}

func (m *Manager) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypePing:
			// Liveness is answered here so the engine never has to.
			_ = m.Send(protocol.PongMsg{Type: protocol.TypePong, ProtocolVersion: protocol.Version})
		case protocol.TypeGoodbye:
			var bye protocol.GoodbyeMsg
			if err := json.Unmarshal(msg, &bye); err == nil && !bye.Retry {
				m.mu.Lock()
				m.noRetry = true
				m.mu.Unlock()
				m.log.Printf("server closed session: %s", bye.Reason)
			}
			_ = conn.Close()
			return
		default:
			select {
			case m.inbound <- msg:
			case <-stop:
				_ = conn.Close()
				return
			}
		}
	}
}

func (m *Manager) writeLoop(conn *websocket.Conn, out chan []byte, stop, done chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// setStateLocked updates the state and pushes the transition to observers,
// dropping the oldest notification if nobody is keeping up.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	select {
	case m.states <- s:
	default:
		select {
		case <-m.states:
		default:
		}
		m.states <- s
	}
}
