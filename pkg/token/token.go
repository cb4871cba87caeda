package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims incluye los claims estándar JWT más los campos que el servidor emite
// para una sesión de terminal. AccountID delimita el alcance de los eventos
// que el servidor enviará por el canal persistente.
type Claims struct {
	jwt.RegisteredClaims
	UserID     string `json:"user_id"`
	AccountID  string `json:"account_id"`
	TerminalID string `json:"terminal_id"`
}

// Inspect decodifica los claims del token SIN validar la firma.
// La terminal no conoce el secreto del servidor: la validación real ocurre en
// el handshake de autenticación; aquí solo se necesita leer expiración y scope
// para decidir localmente si hace falta re-autenticarse antes de conectar.
func Inspect(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser()
	_, _, err := parser.ParseUnverified(tokenString, claims)
	if err != nil {
		return nil, fmt.Errorf("token: decodificar claims: %w", err)
	}
	return claims, nil
}

// Expired indica si el token ya venció (con un margen de gracia para evitar
// conectar con un token a segundos de expirar).
func (c *Claims) Expired(grace time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return time.Now().Add(grace).After(c.ExpiresAt.Time)
}
