package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/jhoicas/pos-terminal/internal/application/checkout"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/ws"
)

// StatusHandler expone el estado de la terminal para operación: estado de la
// conexión, reintentos, mutaciones pendientes y tamaño del Mirror. Solo
// lectura, pensado para bind en loopback.
type StatusHandler struct {
	manager     *ws.Manager
	mirror      *mirror.Mirror
	coordinator *checkout.Coordinator
}

// NewStatusHandler construye el handler.
func NewStatusHandler(m *ws.Manager, mir *mirror.Mirror, coord *checkout.Coordinator) *StatusHandler {
	return &StatusHandler{manager: m, mirror: mir, coordinator: coord}
}

// Register monta las rutas en la app fiber.
func (h *StatusHandler) Register(app *fiber.App) {
	app.Get("/status", h.getStatus)
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
}

func (h *StatusHandler) getStatus(c *fiber.Ctx) error {
	state, attempt := h.manager.State()
	products, batches := h.mirror.Counts()
	return c.JSON(fiber.Map{
		"connection": fiber.Map{
			"state":   string(state),
			"attempt": attempt,
		},
		"mirror": fiber.Map{
			"stale":    h.mirror.Stale(),
			"products": products,
			"batches":  batches,
		},
		"pending_mutations": h.coordinator.PendingCount(),
	})
}
