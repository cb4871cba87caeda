package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/events"
	"github.com/jhoicas/pos-terminal/internal/protocol"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// State estado de la conexión de la terminal.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
)

// StateChanged se publica en el bus en cada transición de estado; el
// aplicador de sincronización lo usa para marcar el Mirror como stale al
// desconectar y pedir snapshot al reconectar.
type StateChanged struct {
	From    State
	To      State
	Attempt int
}

func (StateChanged) EventTopic() events.Topic { return events.TopicConnState }

// OfflineEvent se publica al agotar los reintentos automáticos: la terminal
// queda offline hasta que una acción manual vuelva a llamar Connect.
type OfflineEvent struct {
	Attempts int
	Fatal    bool // true si el servidor rechazó la autenticación
}

func (OfflineEvent) EventTopic() events.Topic { return events.TopicOffline }

// Conn abstrae la conexión websocket para poder inyectar una falsa en tests.
// *websocket.Conn de gorilla la satisface directamente.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer abre la conexión al servidor.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DefaultDialer usa gorilla/websocket.
func DefaultDialer(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Classifier convierte un mensaje inbound en un evento de bus. Parametriza el
// núcleo de reconexión: el mismo Manager sirve a otros esquemas de mensajes.
type Classifier func(*protocol.Message) (events.Event, error)

// Config parámetros del canal y de la política de reconexión/heartbeat.
type Config struct {
	URL               string
	TerminalID        string
	BackoffBase       time.Duration // delay inicial (attempt 0)
	BackoffCap        time.Duration // delay máximo
	MaxAttempts       int           // ceiling de reintentos antes de quedar offline
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Manager mantiene a lo sumo un canal vivo por terminal y esconde las fallas
// transitorias de red del resto del sistema. Máquina de estados:
// disconnected → connecting → authenticating → connected; cualquier error de
// transporte vuelve a disconnected y arma el timer de reconexión con backoff
// exponencial min(base * 2^attempt, cap).
type Manager struct {
	cfg      Config
	dial     Dialer
	classify Classifier
	bus      *events.Dispatcher
	log      *logger.Logger

	mu             sync.Mutex
	state          State
	attempt        int
	conn           Conn
	token          string
	closed         bool // Disconnect() explícito: no más reintentos
	reconnectTimer *time.Timer
	hbStop         chan struct{}
	lastPong       time.Time
	pingSeq        int64

	writeMu sync.Mutex
}

// New construye el Manager. classify en nil usa protocol.Classify.
func New(cfg Config, bus *events.Dispatcher, log *logger.Logger, dial Dialer, classify Classifier) *Manager {
	if dial == nil {
		dial = DefaultDialer
	}
	if classify == nil {
		classify = protocol.Classify
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	return &Manager{
		cfg:      cfg,
		dial:     dial,
		classify: classify,
		bus:      bus,
		log:      log.Component("ws"),
		state:    StateDisconnected,
	}
}

// State devuelve el estado actual y el contador de reintentos.
func (m *Manager) State() (State, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.attempt
}

// Connect inicia el ciclo de conexión con el token de sesión. Es idempotente:
// llamar estando connecting/authenticating/connected es un no-op. Una llamada
// manual re-arma los reintentos si la terminal quedó offline.
func (m *Manager) Connect(token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	// El Connect manual gana sobre un reintento programado: se desarma el
	// timer para que no corran dos ciclos de dial en paralelo.
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.token = token
	m.closed = false
	m.attempt = 0
	m.mu.Unlock()

	go m.cycle()
	return nil
}

// Send envía un mensaje por el canal. Estando no-connected falla rápido con
// domain.ErrNotConnected, sin bloquear: el caller decide encolar o descartar.
func (m *Manager) Send(msg *protocol.Message) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return domain.ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()
	return m.write(conn, msg)
}

// Disconnect cierra la sesión: cancela los timers de reconexión y heartbeat y
// cierra el canal. No se reintenta hasta un Connect manual.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if prev != StateDisconnected {
		m.bus.Publish(StateChanged{From: prev, To: StateDisconnected})
	}
}

// ── Ciclo de conexión ─────────────────────────────────────────────────────────

func (m *Manager) cycle() {
	m.transition(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	conn, err := m.dial(ctx, m.cfg.URL)
	cancel()
	if err != nil {
		m.log.Warn().Err(err).Msg("dial fallido")
		m.onTransportDown(false)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.lastPong = time.Now()
	m.mu.Unlock()

	m.transition(StateAuthenticating)

	auth, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthData{
		Token:      m.token,
		TerminalID: m.cfg.TerminalID,
	})
	if err == nil {
		err = m.write(conn, auth)
	}
	if err != nil {
		m.log.Warn().Err(err).Msg("handshake de autenticación fallido")
		_ = conn.Close()
		m.onTransportDown(false)
		return
	}

	m.readLoop(conn)
}

// readLoop procesa los mensajes en orden de llegada hasta que el transporte
// cae. Los mensajes de control (connected/ping/pong) se manejan aquí; el
// resto pasa por el clasificador y se publica en el bus.
func (m *Manager) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			authRejected := isPolicyClose(err)
			if authRejected {
				m.log.Error().Err(err).Msg("servidor rechazó la autenticación")
			} else {
				m.log.Warn().Err(err).Msg("transporte caído")
			}
			_ = conn.Close()
			m.onTransportDown(authRejected)
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Warn().Err(err).Msg("mensaje malformado descartado")
			continue
		}

		switch msg.Type {
		case protocol.TypeConnected:
			m.onAuthenticated(&msg)
		case protocol.TypePing:
			pong, err := protocol.NewMessage(protocol.TypePong, nil)
			if err == nil {
				_ = m.write(conn, pong)
			}
		case protocol.TypePong:
			m.mu.Lock()
			m.lastPong = time.Now()
			m.mu.Unlock()
		default:
			ev, err := m.classify(&msg)
			if err != nil {
				m.log.Warn().Err(err).Str("type", msg.Type).Msg("mensaje descartado")
				continue
			}
			m.bus.Publish(ev)
		}
	}
}

func (m *Manager) onAuthenticated(msg *protocol.Message) {
	var data protocol.ConnectedData
	_ = json.Unmarshal(msg.Data, &data)

	m.mu.Lock()
	m.attempt = 0 // autenticación exitosa resetea el contador
	m.startHeartbeatLocked()
	m.mu.Unlock()

	m.log.Info().Str("account", data.AccountID).Msg("sesión autenticada")
	m.transition(StateConnected)
}

// onTransportDown vuelve a disconnected y arma la reconexión, salvo que haya
// sido un Disconnect explícito o un rechazo de autenticación (fatal: el
// usuario debe re-autenticarse, no se reintenta en loop).
func (m *Manager) onTransportDown(authRejected bool) {
	m.mu.Lock()
	m.stopHeartbeatLocked()
	m.conn = nil
	prev := m.state
	m.state = StateDisconnected
	closed := m.closed
	attempt := m.attempt
	m.mu.Unlock()

	if prev != StateDisconnected {
		m.bus.Publish(StateChanged{From: prev, To: StateDisconnected, Attempt: attempt})
	}
	if closed {
		return
	}
	if authRejected {
		m.bus.Publish(OfflineEvent{Attempts: attempt, Fatal: true})
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		attempt := m.attempt
		m.mu.Unlock()
		m.log.Error().Int("attempts", attempt).Msg("reintentos agotados; terminal offline")
		m.bus.Publish(OfflineEvent{Attempts: attempt})
		return
	}

	delay := BackoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, m.attempt)
	m.attempt++
	attempt := m.attempt
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || m.state != StateDisconnected {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.cycle()
	})
	m.mu.Unlock()

	m.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconexión programada")
}

// BackoffDelay calcula min(base * 2^attempt, limit). Es no-decreciente en
// attempt y se satura en limit.
func BackoffDelay(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= limit || delay <= 0 {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// ── Heartbeat ─────────────────────────────────────────────────────────────────

func (m *Manager) startHeartbeatLocked() {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.hbStop = stop
	go m.heartbeat(stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

// heartbeat envía ping periódico estando connected. Sin pong dentro de la
// ventana, la conexión se considera zombi (socket abierto, servidor mudo) y
// se fuerza el mismo ciclo de reconexión que un corte duro.
func (m *Manager) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			conn := m.conn
			last := m.lastPong
			seq := m.pingSeq + 1
			m.pingSeq = seq
			m.mu.Unlock()
			if conn == nil {
				return
			}

			timeout := m.cfg.HeartbeatTimeout
			if timeout > 0 && time.Since(last) > m.cfg.HeartbeatInterval+timeout {
				m.log.Warn().Msg("sin pong: conexión zombi, se fuerza reconexión")
				_ = conn.Close() // el readLoop verá el error y disparará el ciclo
				return
			}

			ping, err := protocol.NewMessage(protocol.TypePing, protocol.PingData{Seq: seq})
			if err == nil {
				_ = m.write(conn, ping)
			}
		}
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (m *Manager) write(conn Conn, msg *protocol.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (m *Manager) transition(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	attempt := m.attempt
	m.mu.Unlock()
	if from == to {
		return
	}
	m.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("transición")
	m.bus.Publish(StateChanged{From: from, To: to, Attempt: attempt})
}

// isPolicyClose detecta el cierre con código policy violation que el servidor
// usa para rechazar un token inválido durante el handshake.
func isPolicyClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.ClosePolicyViolation
	}
	return false
}
