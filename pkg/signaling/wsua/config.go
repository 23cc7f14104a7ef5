package wsua

import (
	"fmt"
	"log/slog"
	"time"
)

// Subprotocol WebSocket подпротокол SIP (RFC 7118)
const Subprotocol = "sip"

// Config конфигурация SIP агента поверх WebSocket
type Config struct {
	// UserAgent значение заголовка User-Agent
	UserAgent string

	// RegisterExpiry запрашиваемое время жизни регистрации
	RegisterExpiry time.Duration

	// RefreshRatio доля выданного срока, после которой регистрация обновляется
	RefreshRatio float64

	// DialTimeout таймаут установки WebSocket соединения
	DialTimeout time.Duration

	// WriteTimeout дедлайн записи одного сообщения
	WriteTimeout time.Duration

	// TransactionTimeout время ожидания финального ответа (Timer B/F)
	TransactionTimeout time.Duration

	// UnregisterTimeout время на снятие регистрации при остановке
	UnregisterTimeout time.Duration

	Logger *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		UserAgent:          "WebPhone/1.0",
		RegisterExpiry:     300 * time.Second,
		RefreshRatio:       0.8,
		DialTimeout:        10 * time.Second,
		WriteTimeout:       5 * time.Second,
		TransactionTimeout: 32 * time.Second,
		UnregisterTimeout:  2 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.RegisterExpiry < time.Second {
		return fmt.Errorf("RegisterExpiry должен быть не меньше секунды")
	}
	if c.RefreshRatio <= 0 || c.RefreshRatio >= 1 {
		return fmt.Errorf("RefreshRatio должен быть в интервале (0, 1)")
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 || c.TransactionTimeout <= 0 {
		return fmt.Errorf("таймауты должны быть больше 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
	if c.RegisterExpiry == 0 {
		c.RegisterExpiry = d.RegisterExpiry
	}
	if c.RefreshRatio == 0 {
		c.RefreshRatio = d.RefreshRatio
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.UnregisterTimeout == 0 {
		c.UnregisterTimeout = d.UnregisterTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
