package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/jhoicas/pos-terminal/internal/application/checkout"
	appsync "github.com/jhoicas/pos-terminal/internal/application/sync"
	"github.com/jhoicas/pos-terminal/internal/domain/entity"
	"github.com/jhoicas/pos-terminal/internal/events"
	infraapi "github.com/jhoicas/pos-terminal/internal/infrastructure/api"
	"github.com/jhoicas/pos-terminal/internal/infrastructure/session"
	httpStatus "github.com/jhoicas/pos-terminal/internal/interfaces/http"
	"github.com/jhoicas/pos-terminal/internal/mirror"
	"github.com/jhoicas/pos-terminal/internal/ws"
	"github.com/jhoicas/pos-terminal/pkg/config"
	"github.com/jhoicas/pos-terminal/pkg/logger"
	"github.com/jhoicas/pos-terminal/pkg/token"
)

// cartStoreAdapter conecta el coordinador con la sesión persistida: el
// carrito se guarda junto al token, como bytes opacos.
type cartStoreAdapter struct {
	store *session.Store
	token func() string
}

func (a *cartStoreAdapter) Put(cart *entity.Cart) error {
	return a.store.Save(a.token(), cart)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: "info",
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("terminal", cfg.App.TerminalID).
		Msg("iniciando terminal")

	// Sesión persistida: token + carrito en curso sobreviven un reinicio
	store, err := session.New(cfg.Session.FilePath, cfg.Session.Key)
	if err != nil {
		log.Fatal().Err(err).Msg("abrir sesión persistida")
	}
	sessionToken, cart, err := store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("sesión persistida ilegible; se descarta")
		_ = store.Clear()
		sessionToken, cart = "", nil
	}
	if sessionToken == "" {
		log.Fatal().Msg("sin token de sesión: autenticarse primero y guardar SESSION")
	}
	claims, err := token.Inspect(sessionToken)
	if err != nil || claims.Expired(time.Minute) {
		// Autenticación vencida es fatal para la sesión: no hay loop de
		// reintento, el usuario debe re-autenticarse aguas arriba.
		_ = store.Clear()
		log.Fatal().Err(err).Msg("token vencido o ilegible: re-autenticación requerida")
	}
	if cart != nil && !cart.Empty() {
		log.Info().Int("items", len(cart.Items)).Msg("carrito en curso restaurado")
	}

	bus := events.New(log)
	mir := mirror.New(log)

	currentToken := func() string { return sessionToken }
	apiClient := infraapi.New(cfg.Server.BaseURL, cfg.Server.Timeout, currentToken, log)

	coordinator := checkout.New(
		mir,
		apiClient,
		&cartStoreAdapter{store: store, token: currentToken},
		bus,
		cfg.App.TerminalID,
		log,
	)

	applier := appsync.New(mir, bus, apiClient, coordinator, cfg.App.TerminalID, log)
	defer applier.Close()

	manager := ws.New(ws.Config{
		URL:               cfg.WS.URL,
		TerminalID:        cfg.App.TerminalID,
		BackoffBase:       cfg.WS.BackoffBase,
		BackoffCap:        cfg.WS.BackoffCap,
		MaxAttempts:       cfg.WS.MaxAttempts,
		HeartbeatInterval: cfg.WS.HeartbeatInterval,
		HeartbeatTimeout:  cfg.WS.HeartbeatTimeout,
	}, bus, log, nil, nil)

	if err := manager.Connect(sessionToken); err != nil {
		log.Fatal().Err(err).Msg("iniciar conexión")
	}

	// Endpoint local de diagnóstico (loopback)
	app := fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		DisableStartupMessage: true,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
	})
	app.Use(recover.New())
	httpStatus.NewStatusHandler(manager, mir, coordinator).Register(app)
	go func() {
		if err := app.Listen(cfg.Status.Addr()); err != nil {
			log.Error().Err(err).Msg("endpoint de estado caído")
		}
	}()

	// Cierre ordenado: cancelar timers de reconexión/heartbeat y cerrar el canal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("cerrando terminal")
	manager.Disconnect()
	_ = app.Shutdown()
}
