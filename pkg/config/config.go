package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config agrupa la configuración de la terminal (lectura vía Viper desde env y opcionalmente archivo).
type Config struct {
	App     AppConfig
	Server  ServerConfig
	WS      WSConfig
	Session SessionConfig
	Status  StatusConfig
}

// AppConfig configuración general de la terminal.
type AppConfig struct {
	Env        string // development, staging, production
	Name       string
	TerminalID string // identifica la caja ante el servidor
}

// ServerConfig endpoints del servidor autoritativo (API REST de commit).
type ServerConfig struct {
	BaseURL string // ej. https://pos.example.com/api
	Timeout time.Duration
}

// WSConfig canal persistente y política de reconexión/heartbeat.
type WSConfig struct {
	URL               string        // ej. wss://pos.example.com/ws
	BackoffBase       time.Duration // delay inicial de reconexión
	BackoffCap        time.Duration // delay máximo
	MaxAttempts       int           // tope de reintentos antes de quedar offline
	HeartbeatInterval time.Duration // cadencia de ping estando conectado
	HeartbeatTimeout  time.Duration // sin pong en esta ventana => conexión zombi
}

// SessionConfig almacenamiento persistido de sesión (token + carrito en curso).
type SessionConfig struct {
	FilePath string // archivo cifrado en disco
	Key      string // clave hex de 32 bytes para secretbox
}

// StatusConfig endpoint local de diagnóstico (solo lectura).
type StatusConfig struct {
	Host string
	Port int
}

// Addr devuelve la dirección de escucha (host:port).
func (c StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load lee la configuración desde variables de entorno (y opcionalmente desde archivo).
// Las env vars tienen prioridad. Nombres esperados: APP_ENV, WS_URL, SERVER_BASE_URL, etc.
func Load() (*Config, error) {
	v := viper.New()

	// Opcional: archivo de configuración (.env o config.env)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // ignoramos error si no existe

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		App: AppConfig{
			Env:        getString(v, "APP_ENV", "development"),
			Name:       getString(v, "APP_NAME", "pos-terminal"),
			TerminalID: getString(v, "TERMINAL_ID", ""),
		},
		Server: ServerConfig{
			BaseURL: getString(v, "SERVER_BASE_URL", "http://localhost:8080/api"),
			Timeout: getDuration(v, "SERVER_TIMEOUT", 15*time.Second),
		},
		WS: WSConfig{
			URL:               getString(v, "WS_URL", "ws://localhost:8080/ws"),
			BackoffBase:       getDuration(v, "WS_BACKOFF_BASE", time.Second),
			BackoffCap:        getDuration(v, "WS_BACKOFF_CAP", 30*time.Second),
			MaxAttempts:       getInt(v, "WS_MAX_ATTEMPTS", 8),
			HeartbeatInterval: getDuration(v, "WS_HEARTBEAT_INTERVAL", 25*time.Second),
			HeartbeatTimeout:  getDuration(v, "WS_HEARTBEAT_TIMEOUT", 10*time.Second),
		},
		Session: SessionConfig{
			FilePath: getString(v, "SESSION_FILE", ".session"),
			Key:      getString(v, "SESSION_KEY", ""),
		},
		Status: StatusConfig{
			Host: getString(v, "STATUS_HOST", "127.0.0.1"),
			Port: getInt(v, "STATUS_PORT", 9180),
		},
	}

	return cfg, nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		switch v.Get(key).(type) {
		case int:
			return v.GetInt(key)
		case string:
			n, _ := strconv.Atoi(v.GetString(key))
			return n
		default:
			return v.GetInt(key)
		}
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		if d, err := time.ParseDuration(v.GetString(key)); err == nil {
			return d
		}
	}
	return def
}
