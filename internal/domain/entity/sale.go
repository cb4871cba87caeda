package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// CartItem es una línea del carrito: producto y cantidad solicitada.
type CartItem struct {
	ProductID string
	Quantity  decimal.Decimal
}

// Cart es el carrito en curso de la terminal. Se persiste en la sesión para
// sobrevivir recargas; se vacía al aplicar la venta optimista.
type Cart struct {
	Items         []CartItem
	PaymentMethod string
}

// Empty indica si el carrito no tiene líneas.
func (c *Cart) Empty() bool { return len(c.Items) == 0 }

// Sale es el registro de una venta. Inmutable una vez confirmada por el
// servidor; Deductions conserva el plan realmente aplicado con cantidades
// antes/después por producto para auditoría.
type Sale struct {
	ID            string
	Items         []CartItem
	Total         decimal.Decimal
	PaymentMethod string
	Deductions    []ProductChange
	CreatedAt     time.Time
}

// ProductChange registra la cantidad de un producto antes y después de una
// venta, tal como la aplicó (o confirmó) el servidor.
type ProductChange struct {
	ProductID string
	Before    decimal.Decimal
	After     decimal.Decimal
}
