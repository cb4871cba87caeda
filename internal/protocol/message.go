package protocol

import (
	"encoding/json"
	"time"
)

// Tipos de mensaje del canal persistente. Cada mensaje viaja como
// {type, action?, data, timestamp} en JSON.
const (
	TypeAuth               = "auth"
	TypeConnected          = "connected"
	TypeInitial            = "initial"
	TypeStockUpdated       = "stock_updated"
	TypeProductCreated     = "product_created"
	TypeProductUpdated     = "product_updated"
	TypeProductDeleted     = "product_deleted"
	TypeSaleCompleted      = "sale_completed"
	TypeAdminSaleCompleted = "admin_sale_completed"
	TypePing               = "ping"
	TypePong               = "pong"
)

// Message es el sobre de todo mensaje del protocolo.
type Message struct {
	Type      string          `json:"type"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage construye un sobre con el timestamp actual y el payload
// serializado a JSON.
func NewMessage(msgType string, data any) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{Type: msgType, Data: raw, Timestamp: time.Now().UnixMilli()}, nil
}

// AuthData payload del mensaje de autenticación (cliente → servidor).
type AuthData struct {
	Token      string `json:"token"`
	TerminalID string `json:"terminal_id,omitempty"`
}

// ConnectedData acuse de autenticación (servidor → cliente) con el scope de
// cuenta cuyos eventos recibirá esta terminal.
type ConnectedData struct {
	AccountID string `json:"account_id"`
}

// PingData payload del heartbeat; Seq permite correlacionar ping y pong.
type PingData struct {
	Seq int64 `json:"seq"`
}
