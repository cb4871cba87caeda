package deduction

import (
	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain/entity"
)

// BatchConsumption registra el consumo exacto de un lote dentro de un plan.
// La cantidad consumida por lote es lo que permite revertir el plan con
// exactitud (se devuelve lote por lote, no por total de producto).
type BatchConsumption struct {
	BatchID   string
	ProductID string
	Quantity  decimal.Decimal
	Cost      decimal.Decimal // porción del costo del lote atribuida a este consumo
}

// Plan es el plan de descuento de stock de una venta: o se aplica completo o
// no se aplica nada. Expande recetas hasta productos crudos y combina la
// demanda de líneas que comparten ingrediente.
type Plan struct {
	Demands      map[string]decimal.Decimal // demanda cruda combinada por producto
	Consumptions []BatchConsumption         // en orden FIFO por lote
	Changes      []entity.ProductChange     // cantidad antes/después por producto crudo
	ExpenseOnly  []string                   // ingredientes solo-costeo afectados
}

// TotalCost suma el costo atribuido de todos los consumos del plan.
func (p *Plan) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, c := range p.Consumptions {
		total = total.Add(c.Cost)
	}
	return total
}
