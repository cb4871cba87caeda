package mirror

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/domain/deduction"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// Mirror es la réplica local del inventario compartido: la única fuente de
// verdad que lee el resto de la terminal. Solo se muta a través de sus propios
// métodos apply, y solo desde el aplicador de sincronización y el coordinador
// de checkout; ningún otro componente escribe aquí.
type Mirror struct {
	mu       sync.RWMutex
	products map[string]*entity.Product
	batches  map[string]*entity.Batch
	stale    bool
	log      *logger.Logger
}

// New crea un Mirror vacío y marcado como stale hasta recibir el primer snapshot.
func New(log *logger.Logger) *Mirror {
	return &Mirror{
		products: make(map[string]*entity.Product),
		batches:  make(map[string]*entity.Batch),
		stale:    true,
		log:      log.Component("mirror"),
	}
}

// ── Snapshot y deltas ─────────────────────────────────────────────────────────

// ApplySnapshot reemplaza por completo el estado local con el snapshot
// autoritativo del servidor. Siempre gana sobre estado optimista viejo; las
// mutaciones aún pendientes se re-aplican encima (las "pinea" el coordinador
// al recibir el evento de snapshot aplicado).
func (m *Mirror) ApplySnapshot(products []*entity.Product, batches []*entity.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.products = make(map[string]*entity.Product, len(products))
	for _, p := range products {
		m.products[p.ID] = p.Clone()
	}
	m.batches = make(map[string]*entity.Batch, len(batches))
	for _, b := range batches {
		m.batches[b.ID] = b.Clone()
	}
	m.stale = false
	m.log.Debug().Int("products", len(products)).Int("batches", len(batches)).Msg("snapshot aplicado")
}

// ProductDelta es un cambio incremental de producto. Los campos en nil no
// vienen en el evento y NO deben tocar el valor local (merge campo a campo,
// nunca reemplazo ciego del objeto completo).
type ProductDelta struct {
	ID               string
	Name             *string
	Category         *string
	Price            *decimal.Decimal
	Unit             *string
	Quantity         *decimal.Decimal
	Recipe           []entity.RecipeItem // nil => sin cambio; vacía no-nil => receta eliminada
	VisibleToCashier *bool
	ExpenseOnly      *bool
	UpdatedAt        time.Time
}

// ApplyProductDelta mezcla un delta de producto por identidad: ids
// desconocidos se insertan, conocidos se actualizan campo a campo.
func (m *Mirror) ApplyProductDelta(d *ProductDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[d.ID]
	if !ok {
		p = &entity.Product{ID: d.ID}
		m.products[d.ID] = p
	}
	if d.Name != nil {
		p.Name = *d.Name
	}
	if d.Category != nil {
		p.Category = *d.Category
	}
	if d.Price != nil {
		p.Price = *d.Price
	}
	if d.Unit != nil {
		p.Unit = *d.Unit
	}
	if d.Quantity != nil {
		p.Quantity = *d.Quantity
	}
	if d.Recipe != nil {
		p.Recipe = make([]entity.RecipeItem, len(d.Recipe))
		copy(p.Recipe, d.Recipe)
	}
	if d.VisibleToCashier != nil {
		p.VisibleToCashier = *d.VisibleToCashier
	}
	if d.ExpenseOnly != nil {
		p.ExpenseOnly = *d.ExpenseOnly
	}
	if !d.UpdatedAt.IsZero() {
		p.UpdatedAt = d.UpdatedAt
	}
}

// MarkProductDeleted aplica borrado suave: el producto desaparece de las
// consultas de cajero pero se retiene para costeo.
func (m *Mirror) MarkProductDeleted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		p.Deleted = true
	}
}

// BatchDelta es un cambio incremental de lote. Quantity es SIEMPRE la cantidad
// absoluta autoritativa del servidor, nunca un delta relativo (contrato del
// protocolo, ver DESIGN.md).
type BatchDelta struct {
	ID          string
	ProductID   string
	Quantity    *decimal.Decimal
	BatchNumber *string
	Cost        *decimal.Decimal
	ExpiryDate  *time.Time
	CreatedAt   time.Time
}

// ApplyBatchDelta mezcla un delta de lote por identidad, campo a campo.
func (m *Mirror) ApplyBatchDelta(d *BatchDelta) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[d.ID]
	if !ok {
		b = &entity.Batch{ID: d.ID, ProductID: d.ProductID, CreatedAt: d.CreatedAt}
		m.batches[d.ID] = b
	}
	if d.ProductID != "" {
		b.ProductID = d.ProductID
	}
	if d.Quantity != nil {
		b.Quantity = *d.Quantity
	}
	if d.BatchNumber != nil {
		b.BatchNumber = *d.BatchNumber
	}
	if d.Cost != nil {
		b.Cost = *d.Cost
	}
	if d.ExpiryDate != nil {
		t := *d.ExpiryDate
		b.ExpiryDate = &t
	}
	if b.CreatedAt.IsZero() && !d.CreatedAt.IsZero() {
		b.CreatedAt = d.CreatedAt
	}
}

// RemoveBatch elimina un lote (rollback de un alta optimista de stock).
func (m *Mirror) RemoveBatch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, id)
}

// InsertBatch inserta un lote nuevo (alta de stock optimista o confirmada).
func (m *Mirror) InsertBatch(b *entity.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b.Clone()
}

// ── Lectura ───────────────────────────────────────────────────────────────────

// Product devuelve una copia del producto, incluyendo los ocultos al cajero
// (lo necesita el motor de descuento para expandir recetas). Implementa
// deduction.Catalog junto con BatchesFIFO.
func (m *Mirror) Product(id string) (*entity.Product, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, false
	}
	cp := p.Clone()
	cp.Quantity = m.derivedQuantityLocked(p, nil)
	return cp, true
}

// Query devuelve un producto vendible con su cantidad derivada, o
// domain.ErrNotFound si no existe o no es visible para el cajero.
func (m *Mirror) Query(id string) (*entity.Product, error) {
	p, ok := m.Product(id)
	if !ok || !p.Sellable() {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

// Filter restringe QueryAll. Por defecto solo productos vendibles.
type Filter struct {
	Category      string
	IncludeHidden bool // incluye solo-costeo y borrados suaves
}

// QueryAll devuelve los productos que pasan el filtro, ordenados por nombre,
// con cantidades derivadas. Nunca bloquea en red.
func (m *Mirror) QueryAll(f Filter) []*entity.Product {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*entity.Product, 0, len(m.products))
	for _, p := range m.products {
		if !f.IncludeHidden && !p.Sellable() {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		cp := p.Clone()
		cp.Quantity = m.derivedQuantityLocked(p, nil)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BatchesFIFO devuelve copias de los lotes no agotados del producto, del más
// antiguo al más reciente.
func (m *Mirror) BatchesFIFO(productID string) []*entity.Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchesFIFOLocked(productID)
}

func (m *Mirror) batchesFIFOLocked(productID string) []*entity.Batch {
	var out []*entity.Batch
	for _, b := range m.batches {
		if b.ProductID == productID && !b.Exhausted() {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// derivedQuantityLocked calcula la cantidad disponible de un producto:
// crudo => suma de lotes no agotados; compuesto => mínimo sobre la receta de
// floor(cantidadIngrediente / cantidadPorUnidad).
func (m *Mirror) derivedQuantityLocked(p *entity.Product, visiting map[string]bool) decimal.Decimal {
	if !p.IsComposite() {
		total := decimal.Zero
		for _, b := range m.batches {
			if b.ProductID == p.ID && !b.Exhausted() {
				total = total.Add(b.Quantity)
			}
		}
		return total
	}

	if visiting == nil {
		visiting = make(map[string]bool)
	}
	if visiting[p.ID] {
		return decimal.Zero // receta cíclica: sin stock vendible
	}
	visiting[p.ID] = true

	min := decimal.Zero
	first := true
	for _, item := range p.Recipe {
		ingredient, ok := m.products[item.IngredientID]
		if !ok || !item.QuantityPerUnit.GreaterThan(decimal.Zero) {
			return decimal.Zero
		}
		avail := m.derivedQuantityLocked(ingredient, visiting)
		units := avail.Div(item.QuantityPerUnit).Floor()
		if first || units.LessThan(min) {
			min = units
			first = false
		}
	}
	return min
}

// ── Aplicación y reversa de planes ────────────────────────────────────────────

// ApplyPlan descuenta del Mirror los consumos del plan, lote por lote, de
// forma atómica. Si algún lote quedara en negativo no se toca nada y se
// devuelve ErrInsufficientStock (el plan quedó viejo respecto al estado actual).
func (m *Mirror) ApplyPlan(p *deduction.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verificación previa: ningún lote puede quedar en negativo
	for _, c := range p.Consumptions {
		b, ok := m.batches[c.BatchID]
		if !ok || b.Quantity.LessThan(c.Quantity) {
			return domain.ErrInsufficientStock
		}
	}
	for _, c := range p.Consumptions {
		b := m.batches[c.BatchID]
		b.Quantity = b.Quantity.Sub(c.Quantity)
	}
	return nil
}

// RevertPlan devuelve al Mirror los consumos del plan como un diff sobre el
// valor ACTUAL de cada lote, nunca como restauración ciega de un snapshot:
// así un rollback no deshace mutaciones posteriores ya confirmadas por otros
// terminales (ver escenario intercalado en los tests del coordinador).
func (m *Mirror) RevertPlan(p *deduction.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range p.Consumptions {
		b, ok := m.batches[c.BatchID]
		if !ok {
			// El lote desapareció entre el apply y el rollback (snapshot lo
			// eliminó): se recrea con la cantidad devuelta para no perder stock.
			m.log.Warn().Str("batch", c.BatchID).Msg("rollback sobre lote inexistente; se recrea")
			m.batches[c.BatchID] = &entity.Batch{
				ID:        c.BatchID,
				ProductID: c.ProductID,
				Quantity:  c.Quantity,
				CreatedAt: time.Now(),
			}
			continue
		}
		b.Quantity = b.Quantity.Add(c.Quantity)
	}
}

// ── Estado de frescura ────────────────────────────────────────────────────────

// MarkStale marca el Mirror como posiblemente desactualizado (terminal
// desconectada: los eventos perdidos no se re-entregan, hay que pedir snapshot).
func (m *Mirror) MarkStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale = true
}

// Stale indica si el Mirror necesita un snapshot de resincronización.
func (m *Mirror) Stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stale
}

// Counts devuelve totales para diagnóstico (endpoint de estado).
func (m *Mirror) Counts() (products, batches int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.products), len(m.batches)
}
