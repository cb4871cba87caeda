package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecipeItem es una línea de la receta de un producto compuesto:
// cuánto del ingrediente crudo consume cada unidad vendida.
type RecipeItem struct {
	IngredientID    string
	QuantityPerUnit decimal.Decimal
}

// Product representa un producto del catálogo de la terminal.
// Quantity solo es autoritativo para productos crudos (sin receta); para un
// compuesto la cantidad vendible se deriva de sus ingredientes (ver Mirror).
type Product struct {
	ID               string
	Name             string
	Category         string
	Price            decimal.Decimal
	Unit             string // unidad, kg, g, l, ml
	Quantity         decimal.Decimal
	Recipe           []RecipeItem // vacía => producto crudo
	VisibleToCashier bool
	ExpenseOnly      bool // solo costeo interno, nunca se vende
	Deleted          bool // borrado suave: se oculta al cajero, se retiene para costeo
	UpdatedAt        time.Time
}

// IsComposite indica si el producto se vende expandiendo su receta.
func (p *Product) IsComposite() bool {
	return len(p.Recipe) > 0
}

// Sellable indica si el producto puede aparecer en una venta.
func (p *Product) Sellable() bool {
	return p.VisibleToCashier && !p.ExpenseOnly && !p.Deleted
}

// Clone devuelve una copia profunda (la receta es el único campo con referencia).
func (p *Product) Clone() *Product {
	cp := *p
	if p.Recipe != nil {
		cp.Recipe = make([]RecipeItem, len(p.Recipe))
		copy(cp.Recipe, p.Recipe)
	}
	return &cp
}
