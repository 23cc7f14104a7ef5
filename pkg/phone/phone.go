// Package phone ядро софтфона: регистрация с ограниченным переподключением,
// машина состояний единственного вызова и наблюдаемое состояние.
//
// Все переходы выполняются в одной горутине (цикл Phone). Публичные методы
// передают в цикл замыкания и ждут результата; блокирующая работа (учетные
// данные, WebSocket, захват аудио) выполняется вне цикла и возвращает результат
// в цикл с номером поколения, устаревшие результаты отбрасываются.
package phone

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/signaling"
)

// В процессе может быть открыт только один Phone
var active atomic.Bool

var errMissingDependency = errors.New("credentials provider, engine factory and media gateway are required")

// Phone софтфон с одной регистрацией и одним вызовом
type Phone struct {
	cfg     Config
	creds   credentials.Provider
	engines signaling.Factory
	media   MediaGateway
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics
	store   *Store

	ops    chan func()
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// принадлежат циклу
	conn *connectionManager
	call *callController
}

// New создает Phone и запускает его цикл. Пока Phone открыт, New возвращает ErrAlreadyActive.
func New(cfg Config, creds credentials.Provider, engines signaling.Factory, gw MediaGateway) (*Phone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creds == nil || engines == nil || gw == nil {
		return nil, ErrInvalidConfig.WithCause(errMissingDependency)
	}
	if !active.CompareAndSwap(false, true) {
		return nil, ErrAlreadyActive
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Phone{
		cfg:     cfg,
		creds:   creds,
		engines: engines,
		media:   gw,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(slog.String("component", "phone")),
		metrics: NewMetrics(cfg.Registerer),
		ops:     make(chan func(), 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.store = NewStore(Snapshot{Connection: ConnectionDisconnected, Call: CallIdle}, p.logger)
	p.call = newCallController(p)
	p.conn = newConnectionManager(p)

	go p.run()
	return p, nil
}

func (p *Phone) run() {
	defer close(p.done)
	for {
		select {
		case fn := <-p.ops:
			fn()
		case <-p.quit:
			return
		}
	}
}

// post ставит замыкание в очередь цикла. Нельзя вызывать из самого цикла.
func (p *Phone) post(fn func()) bool {
	select {
	case p.ops <- fn:
		return true
	case <-p.quit:
		return false
	}
}

// do выполняет fn в цикле и ждет завершения
func (p *Phone) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !p.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

// pumpEvents передает события движка в цикл, пока движок не отсоединен
func (p *Phone) pumpEvents(engine signaling.Engine, stop <-chan struct{}) {
	events := engine.Events()
	for {
		select {
		case ev := <-events:
			if !p.post(func() { p.onEngineEvent(engine, ev) }) {
				return
			}
		case <-stop:
			return
		case <-p.quit:
			return
		}
	}
}

func (p *Phone) onEngineEvent(engine signaling.Engine, ev signaling.Event) {
	if engine != p.conn.engine {
		p.logger.Debug("событие отсоединенного движка", slog.String("event", ev.String()))
		return
	}
	if ev.Type.IsCall() {
		p.call.onEvent(ev)
		return
	}
	p.conn.onEvent(ev)
}

// stateChanged публикует снимок после перехода
func (p *Phone) stateChanged() {
	if p.conn == nil || p.call == nil {
		return
	}
	snap := Snapshot{
		Connection:   p.conn.state(),
		Call:         p.call.state(),
		RemoteNumber: p.call.remote,
		RetryCount:   p.conn.retryCount,
	}
	if p.store.set(snap) {
		p.logger.Debug("состояние", slog.String("snapshot", snap.String()))
	}
}

func (p *Phone) notify(kind NoticeKind, message string, err error) {
	p.stateChanged()
	p.store.notify(Notice{Kind: kind, Message: message, Err: err, At: p.clock.Now()})
}

// Connect начинает регистрацию. Повторный вызов во время подключения или при
// активной регистрации ничего не делает. Возвращает ошибку конфигурации
// (неверные учетные данные); сбои сети повторяются автоматически и видны через
// State и Notices.
func (p *Phone) Connect(ctx context.Context) error {
	var waiter <-chan error
	if err := p.do(ctx, func() { waiter = p.conn.connect(true) }); err != nil {
		return err
	}
	if waiter == nil {
		return nil
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

// Disconnect отменяет повторы, завершает вызов, освобождает аудио и снимает
// регистрацию. Ошибки транспорта только логируются.
func (p *Phone) Disconnect(ctx context.Context) error {
	var engine signaling.Engine
	if err := p.do(ctx, func() {
		engine = p.conn.disconnect()
		p.call.reset()
		p.stateChanged()
	}); err != nil {
		return err
	}
	if engine != nil {
		stopCtx, cancel := context.WithTimeout(ctx, p.cfg.StopTimeout)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			p.logger.Debug("ошибка остановки движка", slog.Any("error", err))
		}
	}
	p.logger.Info("отключено")
	return nil
}

// MakeCall набирает номер и ждет итога подготовки: захвата аудио и отправки INVITE.
func (p *Phone) MakeCall(ctx context.Context, number string) error {
	var (
		waiter <-chan error
		err    error
	)
	if derr := p.do(ctx, func() { waiter, err = p.call.makeCall(number) }); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

// Hangup завершает текущий вызов. Без вызова ничего не делает.
func (p *Phone) Hangup(ctx context.Context) error {
	return p.do(ctx, p.call.hangup)
}

// ToggleHold ставит вызов на удержание или снимает с него. Вне InCall/OnHold ничего не делает.
func (p *Phone) ToggleHold(ctx context.Context) error {
	return p.do(ctx, p.call.toggleHold)
}

// State возвращает текущий снимок состояния
func (p *Phone) State() Snapshot {
	return p.store.Snapshot()
}

// Subscribe подписывает на изменения состояния. Первым приходит текущий снимок.
func (p *Phone) Subscribe() (<-chan Snapshot, func()) {
	return p.store.Subscribe()
}

// Notices уведомления для пользователя
func (p *Phone) Notices() <-chan Notice {
	return p.store.Notices()
}

// Close отключает Phone, останавливает цикл и освобождает место единственного экземпляра
func (p *Phone) Close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.Disconnect(ctx)
		close(p.quit)
		<-p.done
		p.cancel()
		p.store.closeSubscribers()
		active.Store(false)
	})
	return err
}

// WaitFor ждет снимка, удовлетворяющего условию
func (p *Phone) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	ch, cancel := p.Subscribe()
	defer cancel()
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return Snapshot{}, ErrClosed
			}
			if cond(snap) {
				return snap, nil
			}
		case <-ctx.Done():
			return p.State(), ctx.Err()
		}
	}
}
