package sync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appsync "github.com/jhoicas/pos-terminal/internal/application/sync"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/internal/events"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/protocol"
	"github.com/jhoicas/pos-terminal/internal/ws"
	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// pendingSale es una venta optimista aún en vuelo, tal como la retiene el
// coordinador: correlation id, lote y cantidad descontada.
type pendingSale struct {
	corr  string
	batch string
	qty   decimal.Decimal
}

// fakePinner simula el coordinador: ventas pendientes programadas por el test
// y conteo de re-pineos.
type fakePinner struct {
	mu     sync.Mutex
	sales  []pendingSale
	repins int
}

func (p *fakePinner) RepinPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repins++
}

func (p *fakePinner) PendingConsumptionExcept(batchID, correlationID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := decimal.Zero
	for _, s := range p.sales {
		if s.batch == batchID && s.corr != correlationID {
			total = total.Add(s.qty)
		}
	}
	return total
}

func (p *fakePinner) repinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.repins
}

type fakeFetcher struct {
	mu    sync.Mutex
	data  *protocol.InitialData
	calls int
}

func (f *fakeFetcher) Snapshot(context.Context) (*protocol.InitialData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.data, nil
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func decPtr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func harinaConLote(cantidad string) ([]*entity.Product, []*entity.Batch) {
	return []*entity.Product{
			{ID: "harina", Name: "Harina", Unit: "kg", VisibleToCashier: true},
		}, []*entity.Batch{
			{ID: "b1", ProductID: "harina", Quantity: dec(cantidad), CreatedAt: time.Now()},
		}
}

func newApplier(t *testing.T, pinner appsync.Pinner, fetcher appsync.SnapshotFetcher) (*appsync.Applier, *mirror.Mirror, *events.Dispatcher) {
	t.Helper()
	bus := events.New(logger.Nop())
	mir := mirror.New(logger.Nop())
	a := appsync.New(mir, bus, fetcher, pinner, "caja-1", logger.Nop())
	t.Cleanup(a.Close)
	return a, mir, bus
}

func TestSnapshot_AplicaYRepina(t *testing.T) {
	pinner := &fakePinner{}
	_, mir, bus := newApplier(t, pinner, nil)

	products, batches := harinaConLote("10")
	bus.Publish(protocol.SnapshotEvent{Products: products, Batches: batches})

	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("10")))
	assert.Equal(t, 1, pinner.repinCount(), "el snapshot dispara el re-pineo de pendientes")
	assert.False(t, mir.Stale())
}

func TestDeltaDeLote_DescuentaConsumoPendiente(t *testing.T) {
	pinner := &fakePinner{sales: []pendingSale{{corr: "c1", batch: "b1", qty: dec("5")}}}
	_, mir, bus := newApplier(t, pinner, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	// El servidor manda el absoluto 8 sin saber del descuento local de 5
	bus.Publish(protocol.StockDeltaEvent{Delta: &mirror.BatchDelta{
		ID: "b1", ProductID: "harina", Quantity: decPtr("8"),
	}})

	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("3")), "absoluto del servidor menos el pendiente local")
}

func TestDeltaDeLote_SinPendienteAplicaTalCual(t *testing.T) {
	_, mir, bus := newApplier(t, &fakePinner{}, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	bus.Publish(protocol.StockDeltaEvent{Delta: &mirror.BatchDelta{
		ID: "b1", ProductID: "harina", Quantity: decPtr("7"),
	}})

	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("7")))
}

func TestBroadcastDeVenta_AjenaRestaElPendientePropio(t *testing.T) {
	pinner := &fakePinner{sales: []pendingSale{{corr: "c1", batch: "b1", qty: dec("5")}}}
	_, mir, bus := newApplier(t, pinner, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	// Venta de otra terminal: el absoluto no incluye nuestro pendiente
	bus.Publish(protocol.SaleBroadcastEvent{
		SaleID: "v1", TerminalID: "caja-2",
		Batches: []*mirror.BatchDelta{{ID: "b1", ProductID: "harina", Quantity: decPtr("8")}},
	})
	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("3")))
}

func TestBroadcastDeVentaPropia_ExcluyeSuPropioConsumo(t *testing.T) {
	pinner := &fakePinner{sales: []pendingSale{{corr: "c1", batch: "b1", qty: dec("5")}}}
	_, mir, bus := newApplier(t, pinner, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	// Broadcast de la propia venta c1: su absoluto (5) ya trae el descuento de
	// esa venta; no hay otras pendientes que restar
	bus.Publish(protocol.SaleBroadcastEvent{
		SaleID: "v2", CorrelationID: "c1", TerminalID: "caja-1",
		Batches: []*mirror.BatchDelta{{ID: "b1", ProductID: "harina", Quantity: decPtr("5")}},
	})
	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("5")))
}

// TestBroadcastDeVentaPropia_NoDeshaceOtraVentaPendiente: dos ventas propias
// en vuelo sobre el mismo lote. El broadcast de la primera trae el absoluto
// con SU descuento (10-5=5) pero no con el de la segunda, aún pendiente: el
// descuento de la segunda (2) se resta para no deshacerlo transitoriamente.
func TestBroadcastDeVentaPropia_NoDeshaceOtraVentaPendiente(t *testing.T) {
	pinner := &fakePinner{sales: []pendingSale{
		{corr: "c1", batch: "b1", qty: dec("5")},
		{corr: "c2", batch: "b1", qty: dec("2")},
	}}
	_, mir, bus := newApplier(t, pinner, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	bus.Publish(protocol.SaleBroadcastEvent{
		SaleID: "v1", CorrelationID: "c1", TerminalID: "caja-1",
		Batches: []*mirror.BatchDelta{{ID: "b1", ProductID: "harina", Quantity: decPtr("5")}},
	})
	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(dec("3")), "5 del servidor menos los 2 de c2 aún en vuelo; got %s", p.Quantity)
}

func TestDeltaDeProducto_EdicionYBorrado(t *testing.T) {
	_, mir, bus := newApplier(t, &fakePinner{}, nil)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	nombre := "Harina 000"
	bus.Publish(protocol.ProductDeltaEvent{
		Action: protocol.TypeProductUpdated,
		Delta:  &mirror.ProductDelta{ID: "harina", Name: &nombre},
	})
	p, err := mir.Query("harina")
	require.NoError(t, err)
	assert.Equal(t, "Harina 000", p.Name)

	bus.Publish(protocol.ProductDeltaEvent{
		Action:    protocol.TypeProductDeleted,
		DeletedID: "harina",
	})
	_, err = mir.Query("harina")
	assert.Error(t, err, "borrado lógico: deja de ser consultable")
}

func TestDesconexion_MarcaStaleYReconexionResincroniza(t *testing.T) {
	fetcher := &fakeFetcher{data: &protocol.InitialData{
		Products: []protocol.ProductJSON{{ID: "harina", Name: "Harina", VisibleToCashier: true}},
		Batches:  []protocol.BatchJSON{{ID: "b9", ProductID: "harina", Quantity: dec("42")}},
	}}
	pinner := &fakePinner{}
	_, mir, bus := newApplier(t, pinner, fetcher)

	products, batches := harinaConLote("10")
	mir.ApplySnapshot(products, batches)

	bus.Publish(ws.StateChanged{From: ws.StateConnected, To: ws.StateDisconnected})
	assert.True(t, mir.Stale())

	// Reconexión: el snapshot fresco llega por REST y entra por el mismo
	// camino que un `initial` del servidor
	bus.Publish(ws.StateChanged{From: ws.StateAuthenticating, To: ws.StateConnected})
	require.Eventually(t, func() bool {
		p, err := mir.Query("harina")
		return err == nil && p.Quantity.Equal(dec("42")) && !mir.Stale()
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, pinner.repinCount())
}
