package sync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/pos-terminal/internal/events"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/protocol"
	"github.com/jhoicas/pos-terminal/internal/ws"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// Pinner es lo que el aplicador necesita del coordinador de checkout para
// convivir con mutaciones optimistas aún pendientes.
type Pinner interface {
	// RepinPending re-aplica las mutaciones pendientes sobre un snapshot recién aplicado.
	RepinPending()
	// PendingConsumptionExcept descuento optimista local aún sin resolver
	// sobre un lote, excluyendo la mutación con el correlation id dado
	// (cadena vacía no excluye ninguna).
	PendingConsumptionExcept(batchID, correlationID string) decimal.Decimal
}

// SnapshotFetcher pide el snapshot completo por la API REST (resincronización
// explícita tras reconectar).
type SnapshotFetcher interface {
	Snapshot(ctx context.Context) (*protocol.InitialData, error)
}

// Applier suscribe el Mirror al bus: snapshots, deltas de stock/producto y
// broadcasts de venta terminan acá y solo acá tocan el Mirror (junto con el
// coordinador, nadie más escribe en él).
type Applier struct {
	mirror     *mirror.Mirror
	bus        *events.Dispatcher
	fetcher    SnapshotFetcher
	pinner     Pinner
	terminalID string
	log        *logger.Logger

	unsubs []func()
}

// New construye el aplicador y lo suscribe a los tópicos del bus.
// pinner y fetcher pueden ser nil en tests.
func New(m *mirror.Mirror, bus *events.Dispatcher, fetcher SnapshotFetcher, pinner Pinner, terminalID string, log *logger.Logger) *Applier {
	a := &Applier{
		mirror:     m,
		bus:        bus,
		fetcher:    fetcher,
		pinner:     pinner,
		terminalID: terminalID,
		log:        log.Component("sync"),
	}
	a.unsubs = append(a.unsubs,
		bus.Subscribe(events.TopicSnapshot, a.onEvent),
		bus.Subscribe(events.TopicStockDelta, a.onEvent),
		bus.Subscribe(events.TopicProductDelta, a.onEvent),
		bus.Subscribe(events.TopicSaleBroadcast, a.onEvent),
		bus.Subscribe(events.TopicConnState, a.onEvent),
	)
	return a
}

// Close da de baja todas las suscripciones.
func (a *Applier) Close() {
	for _, u := range a.unsubs {
		u()
	}
	a.unsubs = nil
}

func (a *Applier) onEvent(ev events.Event) {
	switch e := ev.(type) {
	case protocol.SnapshotEvent:
		a.applySnapshot(e)
	case protocol.StockDeltaEvent:
		a.applyBatchDelta(e.Delta, "")
	case protocol.ProductDeltaEvent:
		a.applyProductDelta(e)
	case protocol.SaleBroadcastEvent:
		a.applySaleBroadcast(e)
	case ws.StateChanged:
		a.onConnState(e)
	}
}

// applySnapshot reemplaza el Mirror completo y re-pinea encima las mutaciones
// optimistas pendientes: el servidor no sabe de lo que esta terminal todavía
// no confirmó.
func (a *Applier) applySnapshot(e protocol.SnapshotEvent) {
	a.mirror.ApplySnapshot(e.Products, e.Batches)
	if a.pinner != nil {
		a.pinner.RepinPending()
	}
	a.log.Info().Int("products", len(e.Products)).Int("batches", len(e.Batches)).Msg("resincronizado")
}

// applyBatchDelta mezcla un delta de lote. Las cantidades del servidor son
// absolutas y no incluyen los descuentos optimistas que esta terminal aún no
// confirmó: el consumo pendiente sobre el lote se resta para que el descuento
// local siga reflejado. exceptCorrelation excluye de esa resta la pendiente
// cuyo descuento el absoluto YA trae (el broadcast de una venta propia).
func (a *Applier) applyBatchDelta(d *mirror.BatchDelta, exceptCorrelation string) {
	if a.pinner != nil && d.Quantity != nil {
		pending := a.pinner.PendingConsumptionExcept(d.ID, exceptCorrelation)
		if pending.GreaterThan(decimal.Zero) {
			adjusted := d.Quantity.Sub(pending)
			dd := *d
			dd.Quantity = &adjusted
			a.mirror.ApplyBatchDelta(&dd)
			return
		}
	}
	a.mirror.ApplyBatchDelta(d)
}

func (a *Applier) applyProductDelta(e protocol.ProductDeltaEvent) {
	if e.Action == protocol.TypeProductDeleted {
		a.mirror.MarkProductDeleted(e.DeletedID)
		return
	}
	a.mirror.ApplyProductDelta(e.Delta)
}

// applySaleBroadcast converge el Mirror con una venta confirmada en el scope.
// Si la venta es de esta misma terminal, sus absolutos ya incluyen el
// descuento de ESA venta, pero no el de otras aún pendientes: se resta el
// consumo pendiente excluyendo el correlation id del broadcast, de modo que
// una segunda venta propia en vuelo sobre el mismo lote no pierda su descuento.
func (a *Applier) applySaleBroadcast(e protocol.SaleBroadcastEvent) {
	own := e.TerminalID != "" && e.TerminalID == a.terminalID
	except := ""
	if own {
		except = e.CorrelationID
	}
	for _, d := range e.Batches {
		a.applyBatchDelta(d, except)
	}
	a.log.Debug().Str("sale", e.SaleID).Bool("own", own).Msg("broadcast de venta aplicado")
}

// onConnState marca el Mirror como stale al desconectar y dispara la
// resincronización explícita al volver a connected: los eventos perdidos
// durante la desconexión no se re-entregan.
func (a *Applier) onConnState(e ws.StateChanged) {
	switch e.To {
	case ws.StateDisconnected:
		a.mirror.MarkStale()
	case ws.StateConnected:
		if a.fetcher == nil {
			return
		}
		go a.resync()
	}
}

func (a *Applier) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := a.fetcher.Snapshot(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("resincronización fallida; el Mirror sigue stale")
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeInitial, data)
	if err != nil {
		a.log.Error().Err(err).Msg("snapshot inválido")
		return
	}
	ev, err := protocol.Classify(msg)
	if err != nil {
		a.log.Error().Err(err).Msg("snapshot inválido")
		return
	}
	// Se publica como el mismo evento que un `initial` empujado por el
	// servidor: un solo camino de aplicación de snapshots.
	a.bus.Publish(ev)
}
