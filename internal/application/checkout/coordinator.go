package checkout

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/domain"
	"github.com/jhoicas/pos-terminal/internal/domain/deduction"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/internal/events"
	"github.com/jhoicas/pos-terminal/internal/infrastructure/api"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/protocol"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// Authority es el camino de commit autoritativo (API REST del servidor).
// La respuesta del servidor, no la estimación local, es siempre la que manda.
type Authority interface {
	SubmitSale(ctx context.Context, req *api.SaleRequest) (*api.SaleResult, error)
	CreateBatch(ctx context.Context, req *api.BatchRequest) (*protocol.BatchJSON, error)
	UpdateProduct(ctx context.Context, id string, req *protocol.ProductDeltaJSON) (*protocol.ProductJSON, error)
}

// CartStore persiste el carrito visible de la terminal (se vacía al aplicar
// la venta optimista y se restaura en un rollback para que el cajero reintente).
type CartStore interface {
	Put(cart *entity.Cart) error
}

// Status desenlace de una mutación coordinada.
type Status string

const (
	StatusCommitted  Status = "committed"   // el servidor confirmó
	StatusRejected   Status = "rejected"    // inviable localmente: nada optimista se mostró
	StatusRolledBack Status = "rolled_back" // el servidor rechazó o la red falló: estado restaurado
)

// Result resultado tipado de un checkout, para que el caller haga branch
// sobre él en lugar de enterarse por callbacks anidados.
type Result struct {
	Status     Status
	Sale       *entity.Sale          // solo en committed
	Shortfalls *domain.ShortfallError // solo en rejected por stock insuficiente
	Err        error                  // causa en rolled_back / rejected
}

// mutationKind tipo de mutación pendiente.
type mutationKind string

const (
	kindSale        mutationKind = "sale"
	kindBatchAdd    mutationKind = "batch_add"
	kindProductEdit mutationKind = "product_edit"
)

// pendingMutation retiene lo necesario para revertir una mutación optimista
// hasta que el servidor la confirme o rechace. Se descarta al confirmar y se
// usa para restaurar el Mirror al revertir.
type pendingMutation struct {
	id        string // correlation id
	kind      mutationKind
	seq       int64
	applied   bool                 // el efecto optimista está reflejado en el Mirror ahora mismo
	plan      *deduction.Plan      // kindSale
	batch     *entity.Batch        // kindBatchAdd: lote optimista insertado
	editID    string               // kindProductEdit
	editPrev  *entity.Product      // snapshot previo del producto editado
	editDelta *mirror.ProductDelta // delta optimista aplicado
	createdAt time.Time
}

// OptimisticEvent se publica en el bus en cada apply/commit/rollback
// optimista, para que los paneles de UI reaccionen sin conocer la red.
type OptimisticEvent struct {
	Action        string // "applied" | "committed" | "rolled_back"
	Kind          string
	CorrelationID string
}

func (OptimisticEvent) EventTopic() events.Topic { return events.TopicOptimistic }

// Coordinator es la máquina de estados del checkout optimista: aplica la
// mutación local de inmediato para que la caja se sienta instantánea,
// despacha el commit autoritativo y confirma o revierte según la respuesta.
type Coordinator struct {
	mirror     *mirror.Mirror
	authority  Authority
	cartStore  CartStore
	bus        *events.Dispatcher
	terminalID string
	log        *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingMutation
	seq     int64
}

// New construye el coordinador. cartStore puede ser nil si la terminal no
// persiste carrito.
func New(m *mirror.Mirror, authority Authority, cartStore CartStore, bus *events.Dispatcher, terminalID string, log *logger.Logger) *Coordinator {
	return &Coordinator{
		mirror:     m,
		authority:  authority,
		cartStore:  cartStore,
		bus:        bus,
		terminalID: terminalID,
		log:        log.Component("checkout"),
		pending:    make(map[string]*pendingMutation),
	}
}

// ── Checkout ──────────────────────────────────────────────────────────────────

// Checkout ejecuta el protocolo de venta completo:
//  1. calcula el plan de descuento contra el Mirror actual; si es inviable se
//     rechaza de inmediato sin mostrar nada optimista,
//  2. aplica el plan al Mirror, vacía el carrito y registra la mutación
//     pendiente con su correlation id,
//  3. envía la venta al servidor autoritativo,
//  4. al confirmar, descarta la pendiente y reconcilia con las cantidades
//     absolutas del servidor (el servidor siempre gana),
//  5. al fallar, revierte el Mirror como diff sobre el valor actual y
//     restaura el carrito.
//
// El estado optimista del paso 2 es visible en el Mirror (y por el bus) desde
// antes de que el servidor responda; el caller puede invocar Checkout en su
// propia goroutine y hacer branch sobre el Result.
func (c *Coordinator) Checkout(ctx context.Context, cart *entity.Cart) *Result {
	plan, err := deduction.Compute(cart, c.mirror)
	if err != nil {
		var shortfall *domain.ShortfallError
		if errors.As(err, &shortfall) {
			return &Result{Status: StatusRejected, Shortfalls: shortfall, Err: err}
		}
		return &Result{Status: StatusRejected, Err: err}
	}

	// Aplicación optimista. Puede fallar si un delta concurrente dejó viejo el
	// plan entre el cómputo y el apply; para el cajero es el mismo rechazo.
	if err := c.mirror.ApplyPlan(plan); err != nil {
		return &Result{Status: StatusRejected, Err: err}
	}

	pend := c.track(&pendingMutation{kind: kindSale, plan: plan, applied: true})
	c.clearCart()
	c.bus.Publish(OptimisticEvent{Action: "applied", Kind: string(kindSale), CorrelationID: pend.id})

	req := &api.SaleRequest{
		CorrelationID: pend.id,
		TerminalID:    c.terminalID,
		PaymentMethod: cart.PaymentMethod,
	}
	for _, item := range cart.Items {
		req.Items = append(req.Items, api.SaleItemJSON{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	result, err := c.authority.SubmitSale(ctx, req)
	if err != nil {
		// Rechazo del servidor o falla de transporte: nunca se deja el Mirror
		// con el descuento optimista puesto. Si un snapshot intermedio dejó el
		// plan sin re-aplicar, no hay unidades que devolver: revertir igual
		// inflaría el stock por encima del valor autoritativo.
		if removed := c.untrack(pend.id); removed != nil && removed.applied {
			c.mirror.RevertPlan(plan)
		}
		c.restoreCart(cart)
		c.bus.Publish(OptimisticEvent{Action: "rolled_back", Kind: string(kindSale), CorrelationID: pend.id})
		c.log.Warn().Err(err).Str("correlation", pend.id).Msg("venta revertida")
		return &Result{Status: StatusRolledBack, Err: err}
	}

	c.untrack(pend.id)
	c.reconcile(result.Batches)
	c.bus.Publish(OptimisticEvent{Action: "committed", Kind: string(kindSale), CorrelationID: pend.id})

	sale := &entity.Sale{
		ID:            result.SaleID,
		Items:         cart.Items,
		Total:         result.Total,
		PaymentMethod: cart.PaymentMethod,
		Deductions:    result.Deductions,
		CreatedAt:     time.Now(),
	}
	c.log.Info().Str("sale", sale.ID).Str("total", sale.Total.String()).Msg("venta confirmada")
	return &Result{Status: StatusCommitted, Sale: sale}
}

// ── Otras mutaciones optimistas (misma forma apply→confirmar-o-revertir) ──────

// AddBatch inserta optimistamente un lote por recepción de stock y lo
// confirma contra el servidor; en falla, el lote optimista se retira.
func (c *Coordinator) AddBatch(ctx context.Context, req *api.BatchRequest) *Result {
	if req.ProductID == "" || !req.Quantity.GreaterThan(decimal.Zero) {
		return &Result{Status: StatusRejected, Err: domain.ErrInvalidInput}
	}
	if _, ok := c.mirror.Product(req.ProductID); !ok {
		return &Result{Status: StatusRejected, Err: domain.ErrNotFound}
	}

	optimistic := &entity.Batch{
		ID:          uuid.New().String(),
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		BatchNumber: req.BatchNumber,
		Cost:        req.Cost,
		ExpiryDate:  req.ExpiryDate,
		CreatedAt:   time.Now(),
	}
	c.mirror.InsertBatch(optimistic)
	pend := c.track(&pendingMutation{kind: kindBatchAdd, batch: optimistic})
	req.CorrelationID = pend.id
	c.bus.Publish(OptimisticEvent{Action: "applied", Kind: string(kindBatchAdd), CorrelationID: pend.id})

	confirmed, err := c.authority.CreateBatch(ctx, req)
	if err != nil {
		c.untrack(pend.id)
		c.mirror.RemoveBatch(optimistic.ID)
		c.bus.Publish(OptimisticEvent{Action: "rolled_back", Kind: string(kindBatchAdd), CorrelationID: pend.id})
		return &Result{Status: StatusRolledBack, Err: err}
	}

	// El lote autoritativo reemplaza al optimista (id definitivo del servidor).
	c.untrack(pend.id)
	c.mirror.RemoveBatch(optimistic.ID)
	c.mirror.InsertBatch(&entity.Batch{
		ID:          confirmed.ID,
		ProductID:   confirmed.ProductID,
		Quantity:    confirmed.Quantity,
		BatchNumber: confirmed.BatchNumber,
		Cost:        confirmed.Cost,
		ExpiryDate:  confirmed.ExpiryDate,
		CreatedAt:   confirmed.CreatedAt,
	})
	c.bus.Publish(OptimisticEvent{Action: "committed", Kind: string(kindBatchAdd), CorrelationID: pend.id})
	return &Result{Status: StatusCommitted}
}

// EditProduct aplica optimistamente un delta de producto y lo confirma contra
// el servidor. El rollback restaura solo los campos tocados por el delta,
// tomando como base el snapshot previo: nunca pisa campos que otra mutación
// haya cambiado entre medio.
func (c *Coordinator) EditProduct(ctx context.Context, id string, delta *protocol.ProductDeltaJSON) *Result {
	prev, ok := c.mirror.Product(id)
	if !ok {
		return &Result{Status: StatusRejected, Err: domain.ErrNotFound}
	}

	local := toMirrorDelta(id, delta)
	c.mirror.ApplyProductDelta(local)
	pend := c.track(&pendingMutation{kind: kindProductEdit, editID: id, editPrev: prev, editDelta: local})
	c.bus.Publish(OptimisticEvent{Action: "applied", Kind: string(kindProductEdit), CorrelationID: pend.id})

	confirmed, err := c.authority.UpdateProduct(ctx, id, delta)
	if err != nil {
		c.untrack(pend.id)
		c.mirror.ApplyProductDelta(inverseDelta(prev, local))
		c.bus.Publish(OptimisticEvent{Action: "rolled_back", Kind: string(kindProductEdit), CorrelationID: pend.id})
		return &Result{Status: StatusRolledBack, Err: err}
	}

	c.untrack(pend.id)
	c.mirror.ApplyProductDelta(fullProductDelta(confirmed)) // el servidor siempre gana
	c.bus.Publish(OptimisticEvent{Action: "committed", Kind: string(kindProductEdit), CorrelationID: pend.id})
	return &Result{Status: StatusCommitted}
}

// ── Interacción con el aplicador de sincronización ────────────────────────────

// RepinPending re-aplica sobre el Mirror, en orden de emisión, las mutaciones
// optimistas aún pendientes. Se invoca tras un ApplySnapshot: el snapshot del
// servidor no conoce lo que esta terminal todavía no confirmó. Un plan que ya
// no aplica sobre el snapshot queda marcado como no-aplicado: su rollback no
// devuelve nada y no cuenta como consumo pendiente.
func (c *Coordinator) RepinPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	pend := make([]*pendingMutation, 0, len(c.pending))
	for _, p := range c.pending {
		pend = append(pend, p)
	}
	sort.Slice(pend, func(i, j int) bool { return pend[i].seq < pend[j].seq })

	for _, p := range pend {
		switch p.kind {
		case kindSale:
			if err := c.mirror.ApplyPlan(p.plan); err != nil {
				p.applied = false
				c.log.Warn().Str("correlation", p.id).Err(err).
					Msg("plan pendiente ya no aplica sobre el snapshot; quedará en la reconciliación del commit")
				continue
			}
			p.applied = true
		case kindBatchAdd:
			c.mirror.InsertBatch(p.batch)
		case kindProductEdit:
			c.mirror.ApplyProductDelta(p.editDelta)
		}
	}
}

// PendingConsumption devuelve cuánto de un lote está descontado por
// mutaciones optimistas aún sin resolver. El aplicador lo resta de las
// cantidades absolutas que llegan del servidor para no deshacer el descuento
// local pendiente. Solo cuentan los planes actualmente aplicados: uno que un
// snapshot dejó sin re-aplicar no tiene descuento que preservar.
func (c *Coordinator) PendingConsumption(batchID string) decimal.Decimal {
	return c.PendingConsumptionExcept(batchID, "")
}

// PendingConsumptionExcept es PendingConsumption excluyendo la mutación con el
// correlation id dado. El broadcast de una venta propia ya trae el descuento
// de ESA venta en sus absolutos; solo hay que restar el resto de pendientes.
func (c *Coordinator) PendingConsumptionExcept(batchID, correlationID string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, p := range c.pending {
		if p.kind != kindSale || !p.applied || p.id == correlationID {
			continue
		}
		for _, cons := range p.plan.Consumptions {
			if cons.BatchID == batchID {
				total = total.Add(cons.Quantity)
			}
		}
	}
	return total
}

// PendingCount expone cuántas mutaciones esperan respuesta (diagnóstico).
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (c *Coordinator) track(p *pendingMutation) *pendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	p.id = uuid.New().String()
	p.seq = c.seq
	p.createdAt = time.Now()
	c.pending[p.id] = p
	return p
}

// untrack retira la mutación pendiente y la devuelve; una vez fuera del mapa
// ningún RepinPending concurrente vuelve a tocarla.
func (c *Coordinator) untrack(id string) *pendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending[id]
	delete(c.pending, id)
	return p
}

// reconcile aplica las cantidades absolutas del servidor tras un commit
// propio, descontando lo que otras mutaciones locales aún pendientes tienen
// aplicado sobre los mismos lotes.
func (c *Coordinator) reconcile(batches []*mirror.BatchDelta) {
	for _, d := range batches {
		if d.Quantity != nil {
			adjusted := d.Quantity.Sub(c.PendingConsumption(d.ID))
			dd := *d
			dd.Quantity = &adjusted
			c.mirror.ApplyBatchDelta(&dd)
			continue
		}
		c.mirror.ApplyBatchDelta(d)
	}
}

func (c *Coordinator) clearCart() {
	if c.cartStore == nil {
		return
	}
	if err := c.cartStore.Put(nil); err != nil {
		c.log.Warn().Err(err).Msg("no se pudo vaciar el carrito persistido")
	}
}

func (c *Coordinator) restoreCart(cart *entity.Cart) {
	if c.cartStore == nil {
		return
	}
	if err := c.cartStore.Put(cart); err != nil {
		c.log.Warn().Err(err).Msg("no se pudo restaurar el carrito persistido")
	}
}

// toMirrorDelta convierte el delta del wire al delta del Mirror.
func toMirrorDelta(id string, d *protocol.ProductDeltaJSON) *mirror.ProductDelta {
	out := &mirror.ProductDelta{
		ID:               id,
		Name:             d.Name,
		Category:         d.Category,
		Price:            d.Price,
		Unit:             d.Unit,
		Quantity:         d.Quantity,
		VisibleToCashier: d.VisibleToCashier,
		ExpenseOnly:      d.ExpenseOnly,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.Recipe != nil {
		out.Recipe = make([]entity.RecipeItem, 0, len(d.Recipe))
		for _, r := range d.Recipe {
			out.Recipe = append(out.Recipe, entity.RecipeItem{
				IngredientID:    r.IngredientID,
				QuantityPerUnit: r.QuantityPerUnit,
			})
		}
	}
	return out
}

// inverseDelta arma el delta que restaura, desde el snapshot previo, solo los
// campos que el delta optimista tocó.
func inverseDelta(prev *entity.Product, applied *mirror.ProductDelta) *mirror.ProductDelta {
	inv := &mirror.ProductDelta{ID: applied.ID}
	if applied.Name != nil {
		v := prev.Name
		inv.Name = &v
	}
	if applied.Category != nil {
		v := prev.Category
		inv.Category = &v
	}
	if applied.Price != nil {
		v := prev.Price
		inv.Price = &v
	}
	if applied.Unit != nil {
		v := prev.Unit
		inv.Unit = &v
	}
	if applied.Quantity != nil {
		v := prev.Quantity
		inv.Quantity = &v
	}
	if applied.Recipe != nil {
		inv.Recipe = make([]entity.RecipeItem, len(prev.Recipe))
		copy(inv.Recipe, prev.Recipe)
	}
	if applied.VisibleToCashier != nil {
		v := prev.VisibleToCashier
		inv.VisibleToCashier = &v
	}
	if applied.ExpenseOnly != nil {
		v := prev.ExpenseOnly
		inv.ExpenseOnly = &v
	}
	return inv
}

// fullProductDelta convierte el producto autoritativo completo en un delta
// que pisa todos los campos.
func fullProductDelta(p *protocol.ProductJSON) *mirror.ProductDelta {
	recipe := make([]entity.RecipeItem, 0, len(p.Recipe))
	for _, r := range p.Recipe {
		recipe = append(recipe, entity.RecipeItem{IngredientID: r.IngredientID, QuantityPerUnit: r.QuantityPerUnit})
	}
	return &mirror.ProductDelta{
		ID:               p.ID,
		Name:             &p.Name,
		Category:         &p.Category,
		Price:            &p.Price,
		Unit:             &p.Unit,
		Quantity:         &p.Quantity,
		Recipe:           recipe,
		VisibleToCashier: &p.VisibleToCashier,
		ExpenseOnly:      &p.ExpenseOnly,
		UpdatedAt:        p.UpdatedAt,
	}
}
