package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Batch es un lote de stock de un producto crudo. El stock total de un
// producto es la suma de sus lotes no agotados; los lotes se consumen del más
// antiguo al más reciente (FIFO por CreatedAt) y nunca quedan en negativo.
type Batch struct {
	ID          string
	ProductID   string
	Quantity    decimal.Decimal
	BatchNumber string
	Cost        decimal.Decimal
	ExpiryDate  *time.Time
	CreatedAt   time.Time
}

// Exhausted indica si el lote ya no aporta stock.
func (b *Batch) Exhausted() bool {
	return b.Quantity.LessThanOrEqual(decimal.Zero)
}

// Clone devuelve una copia del lote.
func (b *Batch) Clone() *Batch {
	cb := *b
	if b.ExpiryDate != nil {
		t := *b.ExpiryDate
		cb.ExpiryDate = &t
	}
	return &cb
}
