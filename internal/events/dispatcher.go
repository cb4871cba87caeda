package events

import (
	"sync"

	"github.com/jhoicas/pos-terminal/pkg/logger"
)

// Topic clasifica los eventos del bus. Eventos locales (estado de conexión,
// apply/rollback optimista) y remotos (deltas, broadcasts) comparten el mismo
// bus: los suscriptores no distinguen el origen.
type Topic string

const (
	TopicConnState     Topic = "conn_state"     // cambios de estado de la conexión
	TopicOffline       Topic = "offline"        // reintentos agotados, requiere acción manual
	TopicSnapshot      Topic = "snapshot"       // snapshot completo recibido del servidor
	TopicStockDelta    Topic = "stock_delta"    // cambio incremental de lote
	TopicProductDelta  Topic = "product_delta"  // alta/edición/borrado de producto
	TopicSaleBroadcast Topic = "sale_broadcast" // venta confirmada (de cualquier terminal del scope)
	TopicOptimistic    Topic = "optimistic"     // apply/rollback optimista local
)

// Event es la unión etiquetada que viaja por el bus; cada payload concreto
// declara su tópico.
type Event interface {
	EventTopic() Topic
}

// Handler procesa un evento. La entrega es síncrona: el handler corre en la
// goroutine que publica.
type Handler func(Event)

// Dispatcher es el bus de eventos tipado de la terminal. Entrega como máximo
// una vez por suscriptor por evento; un suscriptor que entra en pánico se
// recupera y registra, sin bloquear la entrega al resto.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]Handler
	log    *logger.Logger
}

// New crea un Dispatcher vacío.
func New(log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		subs: make(map[Topic]map[int]Handler),
		log:  log.Component("events"),
	}
}

// Subscribe registra un handler para un tópico y devuelve la función para
// darse de baja.
func (d *Dispatcher) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.subs[topic] == nil {
		d.subs[topic] = make(map[int]Handler)
	}
	d.subs[topic][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs[topic], id)
	}
}

// Publish entrega el evento a todos los suscriptores de su tópico, en forma
// síncrona y en orden de suscripción no garantizado.
func (d *Dispatcher) Publish(ev Event) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.subs[ev.EventTopic()]))
	for _, h := range d.subs[ev.EventTopic()] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.deliver(ev, h)
	}
}

func (d *Dispatcher) deliver(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("topic", string(ev.EventTopic())).
				Msg("suscriptor en pánico; se continúa con el resto")
		}
	}()
	h(ev)
}
