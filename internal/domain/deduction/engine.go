package deduction

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
)

// Catalog es la vista de solo lectura que el motor necesita del Mirror.
// BatchesFIFO debe devolver los lotes del producto ordenados del más antiguo
// al más reciente; el motor no los muta.
type Catalog interface {
	Product(id string) (*entity.Product, bool)
	BatchesFIFO(productID string) []*entity.Batch
}

// Compute calcula el plan de descuento para un carrito contra el estado actual
// del catálogo. El plan es todo-o-nada: si algún producto crudo no alcanza a
// cubrir la demanda combinada, se devuelve *domain.ShortfallError y ningún
// estado queda tocado.
func Compute(cart *entity.Cart, cat Catalog) (*Plan, error) {
	if cart == nil || cart.Empty() {
		return nil, domain.ErrInvalidInput
	}

	demands := make(map[string]decimal.Decimal)
	for _, item := range cart.Items {
		if !item.Quantity.GreaterThan(decimal.Zero) {
			return nil, domain.ErrInvalidInput
		}
		product, ok := cat.Product(item.ProductID)
		if !ok {
			return nil, fmt.Errorf("producto %s: %w", item.ProductID, domain.ErrNotFound)
		}
		if !product.Sellable() {
			return nil, fmt.Errorf("producto %s: %w", product.Name, domain.ErrNotSellable)
		}
		if err := expand(cat, product, item.Quantity, demands, nil); err != nil {
			return nil, err
		}
	}

	// Orden determinista para recorrer la demanda combinada
	ids := make([]string, 0, len(demands))
	for id := range demands {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	plan := &Plan{Demands: demands}
	var shortfalls []domain.Shortfall

	for _, id := range ids {
		required := demands[id]
		product, ok := cat.Product(id)
		if !ok {
			return nil, fmt.Errorf("ingrediente %s: %w", id, domain.ErrNotFound)
		}

		batches := cat.BatchesFIFO(id)
		available := decimal.Zero
		for _, b := range batches {
			if !b.Exhausted() {
				available = available.Add(b.Quantity)
			}
		}
		if available.LessThan(required) {
			shortfalls = append(shortfalls, domain.Shortfall{
				ProductID: id,
				Name:      product.Name,
				Required:  required,
				Available: available,
			})
			continue
		}

		// Consumo FIFO: lote más antiguo primero, hasta cubrir la demanda
		remaining := required
		for _, b := range batches {
			if remaining.IsZero() {
				break
			}
			if b.Exhausted() {
				continue
			}
			take := decimal.Min(b.Quantity, remaining)
			plan.Consumptions = append(plan.Consumptions, BatchConsumption{
				BatchID:   b.ID,
				ProductID: id,
				Quantity:  take,
				Cost:      apportionCost(b, take),
			})
			remaining = remaining.Sub(take)
		}

		plan.Changes = append(plan.Changes, entity.ProductChange{
			ProductID: id,
			Before:    available,
			After:     available.Sub(required),
		})
		if product.ExpenseOnly {
			plan.ExpenseOnly = append(plan.ExpenseOnly, id)
		}
	}

	if len(shortfalls) > 0 {
		return nil, &domain.ShortfallError{Shortfalls: shortfalls}
	}
	return plan, nil
}

// expand acumula en demands la demanda cruda de qty unidades del producto,
// descendiendo recursivamente por la receta. visiting detecta recetas cíclicas.
func expand(cat Catalog, product *entity.Product, qty decimal.Decimal, demands map[string]decimal.Decimal, visiting []string) error {
	if !product.IsComposite() {
		demands[product.ID] = demands[product.ID].Add(qty)
		return nil
	}
	for _, seen := range visiting {
		if seen == product.ID {
			return fmt.Errorf("receta cíclica en producto %s: %w", product.Name, domain.ErrInvalidInput)
		}
	}
	visiting = append(visiting, product.ID)
	for _, item := range product.Recipe {
		ingredient, ok := cat.Product(item.IngredientID)
		if !ok {
			return fmt.Errorf("ingrediente %s de %s: %w", item.IngredientID, product.Name, domain.ErrNotFound)
		}
		if err := expand(cat, ingredient, qty.Mul(item.QuantityPerUnit), demands, visiting); err != nil {
			return err
		}
	}
	return nil
}

// apportionCost reparte el costo del lote sobre la porción consumida.
// Redondea hacia arriba (hacia el lado descontado) para que el remanente del
// lote nunca quede sobrevalorado ni el stock en negativo por redondeo.
func apportionCost(b *entity.Batch, consumed decimal.Decimal) decimal.Decimal {
	if b.Quantity.LessThanOrEqual(decimal.Zero) || b.Cost.IsZero() {
		return decimal.Zero
	}
	if consumed.GreaterThanOrEqual(b.Quantity) {
		return b.Cost
	}
	return b.Cost.Mul(consumed).Div(b.Quantity).RoundCeil(4)
}
