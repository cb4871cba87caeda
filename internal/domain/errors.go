package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound          = errors.New("recurso no encontrado")
	ErrInvalidInput      = errors.New("entrada inválida")
	ErrNotConnected      = errors.New("terminal sin conexión")
	ErrAlreadyConnected  = errors.New("conexión ya establecida")
	ErrAuthFailed        = errors.New("autenticación rechazada por el servidor")
	ErrOffline           = errors.New("reintentos agotados: terminal offline")
	ErrInsufficientStock = errors.New("stock insuficiente")
	ErrCommitRejected    = errors.New("venta rechazada por el servidor")
	ErrNotSellable       = errors.New("producto no disponible para venta")
)

// Shortfall describe el faltante de un producto crudo en un plan de descuento.
type Shortfall struct {
	ProductID string
	Name      string
	Required  decimal.Decimal
	Available decimal.Decimal
}

// ShortfallError detalla, producto por producto, por qué un plan de descuento
// no es satisfacible. Envuelve ErrInsufficientStock para errors.Is.
type ShortfallError struct {
	Shortfalls []Shortfall
}

func (e *ShortfallError) Error() string {
	var b strings.Builder
	b.WriteString("stock insuficiente:")
	for _, s := range e.Shortfalls {
		fmt.Fprintf(&b, " %s (requiere %s, disponible %s)", s.Name, s.Required.String(), s.Available.String())
	}
	return b.String()
}

func (e *ShortfallError) Unwrap() error { return ErrInsufficientStock }
