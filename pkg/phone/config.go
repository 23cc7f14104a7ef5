package phone

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config конфигурация софтфона
type Config struct {
	Retry RetryPolicy

	// FailedCooldown пауза после неудачного вызова перед возвратом в ожидание
	FailedCooldown time.Duration
	// EndedCooldown пауза после завершения вызова
	EndedCooldown time.Duration

	// CredentialsTimeout ограничивает получение учетных данных
	CredentialsTimeout time.Duration
	// StartTimeout ограничивает открытие транспорта
	StartTimeout time.Duration
	// StopTimeout ограничивает остановку движка при внутренних переподключениях
	StopTimeout time.Duration
	// HoldTimeout ограничивает один re-INVITE удержания или возобновления
	HoldTimeout time.Duration

	Logger *slog.Logger
	// Registerer для метрик. nil означает отдельный реестр.
	Registerer prometheus.Registerer
	// Clock по умолчанию системное время
	Clock Clock
}

// DefaultConfig конфигурация по умолчанию
func DefaultConfig() Config {
	return Config{
		Retry:              DefaultRetryPolicy(),
		FailedCooldown:     3 * time.Second,
		EndedCooldown:      2 * time.Second,
		CredentialsTimeout: 10 * time.Second,
		StartTimeout:       15 * time.Second,
		StopTimeout:        3 * time.Second,
		HoldTimeout:        10 * time.Second,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return ErrInvalidConfig.WithCause(err)
	}
	if c.FailedCooldown < 0 || c.EndedCooldown < 0 {
		return ErrInvalidConfig.WithCause(fmt.Errorf("cooldowns must not be negative"))
	}
	if c.CredentialsTimeout <= 0 || c.StartTimeout <= 0 || c.StopTimeout <= 0 || c.HoldTimeout < 0 {
		return ErrInvalidConfig.WithCause(fmt.Errorf("timeouts must be positive"))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.HoldTimeout == 0 {
		c.HoldTimeout = DefaultConfig().HoldTimeout
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}
