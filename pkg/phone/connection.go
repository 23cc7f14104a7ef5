package phone

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/signaling"
)

var connectionTransitions = map[string][]string{
	string(ConnectionDisconnected): {string(ConnectionConnecting)},
	string(ConnectionConnecting): {
		string(ConnectionRegistered),
		string(ConnectionRetrying),
		string(ConnectionFailed),
		string(ConnectionDisconnected),
	},
	string(ConnectionRegistered): {
		string(ConnectionRetrying),
		string(ConnectionFailed),
		string(ConnectionDisconnected),
	},
	string(ConnectionRetrying): {
		string(ConnectionConnecting),
		string(ConnectionDisconnected),
	},
	string(ConnectionFailed): {
		string(ConnectionConnecting),
		string(ConnectionDisconnected),
	},
}

// connectionManager регистрация и переподключение. Все методы вызываются из цикла Phone.
type connectionManager struct {
	p      *Phone
	fsm    *fsm.FSM
	logger *slog.Logger

	retryCount int
	// connecting попытка в процессе: получение учетных данных или открытие транспорта
	connecting bool
	// attempt поколение попытки; результаты устаревших попыток отбрасываются
	attempt uint64
	waiter  chan error

	engine     signaling.Engine
	engineStop chan struct{}
	retryTimer Timer
}

func newConnectionManager(p *Phone) *connectionManager {
	c := &connectionManager{
		p:      p,
		logger: p.logger.With(slog.String("component", "connection")),
	}
	c.fsm = fsm.NewFSM(
		string(ConnectionDisconnected),
		transitionEvents(connectionTransitions),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Info("состояние подключения", slog.String("from", e.Src), slog.String("to", e.Dst))
				p.metrics.setConnectionState(ConnectionState(e.Dst))
			},
		},
	)
	return c
}

func (c *connectionManager) state() ConnectionState {
	return ConnectionState(c.fsm.Current())
}

func (c *connectionManager) setState(s ConnectionState) {
	if err := transition(c.fsm, string(s)); err != nil {
		c.logger.Error("недопустимый переход подключения", slog.Any("error", err))
		return
	}
	c.p.call.syncIdle(s)
	c.p.stateChanged()
}

// connect начинает попытку подключения. Возвращаемый канал получает результат
// получения учетных данных (ошибка конфигурации или nil); nil канал означает,
// что попытка уже идет.
func (c *connectionManager) connect(explicit bool) <-chan error {
	st := c.state()
	if c.connecting || st == ConnectionConnecting || st == ConnectionRegistered {
		c.logger.Debug("подключение уже выполняется", slog.String("state", st.String()))
		return nil
	}
	if explicit && st == ConnectionFailed {
		c.retryCount = 0
	}
	c.cancelRetry()

	c.connecting = true
	c.attempt++
	attempt := c.attempt
	c.waiter = make(chan error, 1)
	waiter := c.waiter
	c.setState(ConnectionConnecting)

	ctx, cancel := context.WithTimeout(c.p.ctx, c.p.cfg.CredentialsTimeout)
	go func() {
		defer cancel()
		creds, err := c.p.creds.Credentials(ctx)
		c.p.post(func() { c.onCredentials(attempt, creds, err) })
	}()
	return waiter
}

func (c *connectionManager) resolveWaiter(err error) {
	if c.waiter != nil {
		c.waiter <- err
		c.waiter = nil
	}
}

func (c *connectionManager) onCredentials(attempt uint64, creds credentials.Credentials, err error) {
	if attempt != c.attempt {
		return
	}
	if err == nil {
		err = creds.Validate()
	}
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidCredentials) {
			c.configError(err)
			return
		}
		c.logger.Warn("учетные данные недоступны", slog.Any("error", err))
		c.resolveWaiter(nil)
		c.connecting = false
		c.registrationFailed(err)
		return
	}

	engine, err := c.p.engines(creds)
	if err != nil {
		c.configError(err)
		return
	}
	c.resolveWaiter(nil)

	stop := make(chan struct{})
	c.engine = engine
	c.engineStop = stop
	go c.p.pumpEvents(engine, stop)

	c.logger.Info("подключение", slog.String("aor", creds.AOR()), slog.String("ws_uri", creds.WSURI))

	ctx, cancel := context.WithTimeout(c.p.ctx, c.p.cfg.StartTimeout)
	go func() {
		defer cancel()
		err := engine.Start(ctx)
		c.p.post(func() { c.onStarted(engine, err) })
	}()
}

// configError неисправимая ошибка конфигурации: попытка прекращается без повторов
func (c *connectionManager) configError(err error) {
	perr := ErrInvalidConfig.WithCause(err)
	c.logger.Error("ошибка конфигурации", slog.Any("error", err))
	c.connecting = false
	c.resolveWaiter(perr)
	c.retryCount = 0
	c.setState(ConnectionDisconnected)
	c.p.notify(NoticeConfigError, "проверьте учетные данные", perr)
}

func (c *connectionManager) onStarted(engine signaling.Engine, err error) {
	if engine != c.engine {
		return
	}
	c.connecting = false
	if err != nil {
		c.logger.Warn("не удалось открыть транспорт", slog.Any("error", err))
		c.registrationFailed(err)
	}
}

// onEvent обрабатывает события подключения движка текущей попытки
func (c *connectionManager) onEvent(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventTransportConnected:
		c.logger.Debug("транспорт подключен")
	case signaling.EventTransportDisconnected:
		c.logger.Debug("транспорт отключен", slog.Any("error", ev.Err))
	case signaling.EventRegistered:
		c.connecting = false
		c.cancelRetry()
		c.retryCount = 0
		c.p.metrics.registration(true)
		c.setState(ConnectionRegistered)
	case signaling.EventRegistrationFailed:
		c.connecting = false
		err := ev.Err
		if err == nil {
			err = errors.New(ev.String())
		}
		c.registrationFailed(err)
	}
}

// registrationFailed останавливает движок и планирует повтор или переходит в Failed
func (c *connectionManager) registrationFailed(cause error) {
	c.p.metrics.registration(false)
	c.teardown()
	c.p.call.connectionLost()

	err := ErrRegistrationFailed.WithCause(cause)
	if c.retryCount < c.p.cfg.Retry.MaxRetries {
		c.retryCount++
		delay := c.p.cfg.Retry.Delay(c.retryCount)
		c.logger.Warn("регистрация не удалась, повтор",
			slog.Int("retry", c.retryCount),
			slog.Duration("delay", delay),
			slog.Any("error", cause))

		c.setState(ConnectionRetrying)
		c.scheduleRetry(delay)
		c.p.metrics.retryScheduled()
		c.p.notify(NoticeRetrying, "переподключение", err)
		return
	}

	c.logger.Error("попытки подключения исчерпаны", slog.Int("retries", c.retryCount), slog.Any("error", cause))
	c.retryCount = 0
	c.setState(ConnectionFailed)
	c.p.notify(NoticeConnectionFailed, "не удалось подключиться", ErrConnectionFailed.WithCause(cause))
}

func (c *connectionManager) scheduleRetry(delay time.Duration) {
	attempt := c.attempt
	c.retryTimer = c.p.clock.AfterFunc(delay, func() {
		c.p.post(func() {
			if attempt != c.attempt || c.state() != ConnectionRetrying {
				return
			}
			c.retryTimer = nil
			c.connect(false)
		})
	})
}

func (c *connectionManager) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// retryPending true, если запланирован повтор
func (c *connectionManager) retryPending() bool {
	return c.retryTimer != nil
}

// teardown отсоединяет движок и останавливает его в фоне
func (c *connectionManager) teardown() {
	engine := c.detach()
	if engine == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.p.cfg.StopTimeout)
		defer cancel()
		if err := engine.Stop(ctx); err != nil {
			c.logger.Debug("ошибка остановки движка", slog.Any("error", err))
		}
	}()
}

// detach отсоединяет текущий движок, не останавливая его
func (c *connectionManager) detach() signaling.Engine {
	if c.engine == nil {
		return nil
	}
	close(c.engineStop)
	engine := c.engine
	c.engine = nil
	c.engineStop = nil
	return engine
}

// disconnect отменяет попытки и повторы, возвращает движок для остановки
func (c *connectionManager) disconnect() signaling.Engine {
	c.attempt++
	c.connecting = false
	c.resolveWaiter(nil)
	c.cancelRetry()
	c.retryCount = 0
	engine := c.detach()
	if c.state() != ConnectionDisconnected {
		c.setState(ConnectionDisconnected)
	}
	return engine
}
