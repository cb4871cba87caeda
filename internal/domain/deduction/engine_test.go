package deduction_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/domain/deduction"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
)

// fakeCatalog catálogo en memoria para ejercitar el motor sin Mirror.
type fakeCatalog struct {
	products map[string]*entity.Product
	batches  map[string][]*entity.Batch // por producto, ya en orden FIFO
}

func (f *fakeCatalog) Product(id string) (*entity.Product, bool) {
	p, ok := f.products[id]
	return p, ok
}

func (f *fakeCatalog) BatchesFIFO(productID string) []*entity.Batch {
	return f.batches[productID]
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// newBakery arma el escenario de referencia: producto compuesto "torta" con
// receta [(harina, 2), (azucar, 1)]; harina con un lote de 10, azúcar con uno de 3.
func newBakery() *fakeCatalog {
	now := time.Now()
	return &fakeCatalog{
		products: map[string]*entity.Product{
			"torta": {
				ID: "torta", Name: "Torta", VisibleToCashier: true,
				Recipe: []entity.RecipeItem{
					{IngredientID: "harina", QuantityPerUnit: dec("2")},
					{IngredientID: "azucar", QuantityPerUnit: dec("1")},
				},
			},
			"harina": {ID: "harina", Name: "Harina", ExpenseOnly: true},
			"azucar": {ID: "azucar", Name: "Azúcar", ExpenseOnly: true},
		},
		batches: map[string][]*entity.Batch{
			"harina": {{ID: "b-harina", ProductID: "harina", Quantity: dec("10"), Cost: dec("20"), CreatedAt: now}},
			"azucar": {{ID: "b-azucar", ProductID: "azucar", Quantity: dec("3"), Cost: dec("9"), CreatedAt: now}},
		},
	}
}

func TestCompute_RecetaSatisfacible(t *testing.T) {
	cat := newBakery()
	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "torta", Quantity: dec("2")}}}

	plan, err := deduction.Compute(cart, cat)
	require.NoError(t, err)

	// Torta×2 requiere harina 4 y azúcar 2
	assert.True(t, plan.Demands["harina"].Equal(dec("4")))
	assert.True(t, plan.Demands["azucar"].Equal(dec("2")))

	require.Len(t, plan.Changes, 2)
	for _, ch := range plan.Changes {
		switch ch.ProductID {
		case "harina":
			assert.True(t, ch.Before.Equal(dec("10")) && ch.After.Equal(dec("6")), "harina debe quedar en 6")
		case "azucar":
			assert.True(t, ch.Before.Equal(dec("3")) && ch.After.Equal(dec("1")), "azúcar debe quedar en 1")
		}
	}

	// Ambos ingredientes son solo-costeo y deben reportarse como afectados
	assert.ElementsMatch(t, []string{"harina", "azucar"}, plan.ExpenseOnly)
}

func TestCompute_RechazoTotalPorFaltante(t *testing.T) {
	cat := newBakery()
	// Torta×4 requiere azúcar 4 > disponible 3: el plan entero se rechaza,
	// aunque la harina sí alcance.
	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "torta", Quantity: dec("4")}}}

	plan, err := deduction.Compute(cart, cat)
	require.Nil(t, plan, "un plan inviable no debe devolver consumos parciales")
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var shortfall *domain.ShortfallError
	require.ErrorAs(t, err, &shortfall)
	require.Len(t, shortfall.Shortfalls, 1)
	assert.Equal(t, "azucar", shortfall.Shortfalls[0].ProductID)
	assert.True(t, shortfall.Shortfalls[0].Required.Equal(dec("4")))
	assert.True(t, shortfall.Shortfalls[0].Available.Equal(dec("3")))
}

func TestCompute_DemandaCombinadaEntreLineas(t *testing.T) {
	cat := newBakery()
	// Dos compuestos distintos que comparten azúcar: galleta usa azúcar 2.
	cat.products["galleta"] = &entity.Product{
		ID: "galleta", Name: "Galleta", VisibleToCashier: true,
		Recipe: []entity.RecipeItem{{IngredientID: "azucar", QuantityPerUnit: dec("2")}},
	}

	// Línea a línea cada una alcanzaría (2 y 2), pero la demanda combinada de
	// azúcar es 4 > 3: verificar por línea sería incorrecto.
	cart := &entity.Cart{Items: []entity.CartItem{
		{ProductID: "torta", Quantity: dec("2")},   // azúcar 2
		{ProductID: "galleta", Quantity: dec("1")}, // azúcar 2
	}}

	_, err := deduction.Compute(cart, cat)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)
}

func TestCompute_ConsumoFIFOEntreLotes(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	cat := &fakeCatalog{
		products: map[string]*entity.Product{
			"cafe": {ID: "cafe", Name: "Café", VisibleToCashier: true},
		},
		batches: map[string][]*entity.Batch{
			"cafe": {
				{ID: "lote-viejo", ProductID: "cafe", Quantity: dec("2"), CreatedAt: old},
				{ID: "lote-nuevo", ProductID: "cafe", Quantity: dec("5"), CreatedAt: recent},
			},
		},
	}

	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "cafe", Quantity: dec("3")}}}
	plan, err := deduction.Compute(cart, cat)
	require.NoError(t, err)

	// El lote más antiguo se agota primero; el resto sale del más nuevo
	require.Len(t, plan.Consumptions, 2)
	assert.Equal(t, "lote-viejo", plan.Consumptions[0].BatchID)
	assert.True(t, plan.Consumptions[0].Quantity.Equal(dec("2")))
	assert.Equal(t, "lote-nuevo", plan.Consumptions[1].BatchID)
	assert.True(t, plan.Consumptions[1].Quantity.Equal(dec("1")))
}

func TestCompute_CantidadesFraccionarias(t *testing.T) {
	// 0.1 kg repetido: decimal no acumula deriva binaria
	cat := &fakeCatalog{
		products: map[string]*entity.Product{
			"queso": {ID: "queso", Name: "Queso", Unit: "kg", VisibleToCashier: true},
		},
		batches: map[string][]*entity.Batch{
			"queso": {{ID: "b1", ProductID: "queso", Quantity: dec("1"), CreatedAt: time.Now()}},
		},
	}

	items := make([]entity.CartItem, 10)
	for i := range items {
		items[i] = entity.CartItem{ProductID: "queso", Quantity: dec("0.1")}
	}
	plan, err := deduction.Compute(&entity.Cart{Items: items}, cat)
	require.NoError(t, err)
	assert.True(t, plan.Demands["queso"].Equal(dec("1")), "10 × 0.1 debe ser exactamente 1")

	require.Len(t, plan.Changes, 1)
	assert.True(t, plan.Changes[0].After.IsZero())
}

func TestCompute_ProductoNoVendible(t *testing.T) {
	cat := newBakery()
	// harina es solo-costeo: no puede venderse directo
	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "harina", Quantity: dec("1")}}}

	_, err := deduction.Compute(cart, cat)
	require.ErrorIs(t, err, domain.ErrNotSellable)
}

func TestCompute_RecetaCiclica(t *testing.T) {
	cat := newBakery()
	cat.products["a"] = &entity.Product{
		ID: "a", Name: "A", VisibleToCashier: true,
		Recipe: []entity.RecipeItem{{IngredientID: "b", QuantityPerUnit: dec("1")}},
	}
	cat.products["b"] = &entity.Product{
		ID: "b", Name: "B",
		Recipe: []entity.RecipeItem{{IngredientID: "a", QuantityPerUnit: dec("1")}},
	}

	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "a", Quantity: dec("1")}}}
	_, err := deduction.Compute(cart, cat)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCompute_CarritoVacioOInvalido(t *testing.T) {
	cat := newBakery()

	_, err := deduction.Compute(&entity.Cart{}, cat)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = deduction.Compute(nil, cat)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "torta", Quantity: dec("0")}}}
	_, err = deduction.Compute(cart, cat)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCompute_CostoProrrateadoRedondeaHaciaElConsumo(t *testing.T) {
	cat := newBakery()
	// Torta×1: harina 2 de un lote de 10 a costo 20 => costo exacto 4
	cart := &entity.Cart{Items: []entity.CartItem{{ProductID: "torta", Quantity: dec("1")}}}
	plan, err := deduction.Compute(cart, cat)
	require.NoError(t, err)

	var costoHarina decimal.Decimal
	for _, c := range plan.Consumptions {
		if c.ProductID == "harina" {
			costoHarina = c.Cost
		}
	}
	assert.True(t, costoHarina.Equal(dec("4")), "2/10 del costo 20 son 4, got %s", costoHarina)

	// Consumo que no divide exacto: 1 de un lote de 3 a costo 10 => redondeo
	// hacia arriba (3.3334), nunca subvalorando lo consumido
	cat.batches["azucar"] = []*entity.Batch{
		{ID: "b-azucar", ProductID: "azucar", Quantity: dec("3"), Cost: dec("10"), CreatedAt: time.Now()},
	}
	plan, err = deduction.Compute(cart, cat)
	require.NoError(t, err)
	for _, c := range plan.Consumptions {
		if c.ProductID == "azucar" {
			assert.True(t, c.Cost.Equal(dec("3.3334")), "got %s", c.Cost)
		}
	}
}
