package phone

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling"
)

func callStates(states ...CallState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

/*
Переходы вызова:

	[Idle|Registering|Registered] <-> [Idle|Registering|Registered]  (отражают подключение)
	[Idle|Registering|Registered|Ended|Failed] -> [Calling]
	[Calling] -> [Ringing] -> [InCall] <-> [OnHold]
	[Calling|Ringing|InCall|OnHold] -> [Ended|Failed]
	[Ended|Failed] -> [Idle|Registering|Registered]  (после паузы или отключения)
*/
var callTransitions = map[string][]string{
	string(CallIdle):        callStates(CallRegistering, CallRegistered, CallCalling),
	string(CallRegistering): callStates(CallIdle, CallRegistered, CallCalling),
	string(CallRegistered):  callStates(CallIdle, CallRegistering, CallCalling),
	string(CallCalling):     callStates(CallRinging, CallInCall, CallEnded, CallFailed),
	string(CallRinging):     callStates(CallInCall, CallEnded, CallFailed),
	string(CallInCall):      callStates(CallOnHold, CallEnded, CallFailed),
	string(CallOnHold):      callStates(CallInCall, CallEnded, CallFailed),
	string(CallEnded):       callStates(CallIdle, CallRegistering, CallRegistered, CallCalling),
	string(CallFailed):      callStates(CallIdle, CallRegistering, CallRegistered, CallCalling),
}

// MediaGateway захват локального аудио для вызова
type MediaGateway interface {
	Acquire(ctx context.Context) (*media.Handle, error)
	Release()
}

// setupResult итог подготовки вызова: захват аудио и INVITE
type setupResult struct {
	callID string
	err    error
}

// holdQueueSize сколько переключений удержания может ждать отправки
const holdQueueSize = 16

// holdWorker отправляет re-INVITE удержания одного вызова строго по очереди
type holdWorker struct {
	requests chan bool
	cancel   context.CancelFunc
}

// callController машина состояний единственного вызова. Методы вызываются из цикла Phone.
type callController struct {
	p      *Phone
	fsm    *fsm.FSM
	logger *slog.Logger

	remote string
	callID string
	// session поколение вызова; результаты и таймеры прошлых вызовов отбрасываются
	session     uint64
	setupCancel context.CancelFunc
	setupWaiter chan error
	// setupDone закрывается, когда горутина подготовки последнего вызова отчиталась
	setupDone <-chan struct{}
	engine    signaling.Engine
	holds     *holdWorker
	cooldown  Timer
}

func newCallController(p *Phone) *callController {
	c := &callController{
		p:      p,
		logger: p.logger.With(slog.String("component", "call")),
	}
	c.fsm = fsm.NewFSM(
		string(CallIdle),
		transitionEvents(callTransitions),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Info("состояние вызова", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	return c
}

func (c *callController) state() CallState {
	return CallState(c.fsm.Current())
}

func (c *callController) setState(s CallState) bool {
	if err := transition(c.fsm, string(s)); err != nil {
		c.logger.Error("недопустимый переход вызова", slog.Any("error", err))
		return false
	}
	c.p.stateChanged()
	return true
}

// syncIdle приводит состояние ожидания в соответствие с подключением
func (c *callController) syncIdle(conn ConnectionState) {
	if c.state().IsIdle() {
		c.setState(idleCallState(conn))
	}
}

// makeCall начинает вызов. Возвращает канал с итогом подготовки.
func (c *callController) makeCall(number string) (<-chan error, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, ErrInvalidNumber
	}
	engine := c.p.conn.engine
	if c.p.conn.state() != ConnectionRegistered || engine == nil {
		return nil, ErrNotRegistered
	}
	st := c.state()
	if !st.IsIdle() && !st.IsTerminal() {
		return nil, ErrCallInProgress
	}

	c.stopCooldown()
	c.session++
	session := c.session
	c.remote = number
	c.callID = ""
	c.engine = engine
	if !c.setState(CallCalling) {
		return nil, ErrCallInProgress
	}
	c.p.metrics.call(outcomeStarted)
	c.logger.Info("исходящий вызов", slog.String("number", number))

	ctx, cancel := context.WithCancel(c.p.ctx)
	c.setupCancel = cancel
	c.setupWaiter = make(chan error, 1)
	waiter := c.setupWaiter

	// Движок ведет один вызов: новый INVITE уходит только после того,
	// как брошенный предыдущий завершен
	prev := c.setupDone
	done := make(chan struct{})
	c.setupDone = done

	gw := c.p.media
	go func() {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
			}
		}
		res := setupResult{}
		if err := ctx.Err(); err != nil {
			res.err = err
		} else if h, err := gw.Acquire(ctx); err != nil {
			res.err = ErrMediaUnavailable.WithCause(err)
		} else {
			res.callID, res.err = engine.Invite(ctx, number, h.Negotiator())
		}
		c.settle(session, engine, res)
	}()
	return waiter, nil
}

// settle передает итог подготовки в цикл. Вызов, который цикл уже не ждет,
// завершается здесь же, до старта следующей подготовки.
func (c *callController) settle(session uint64, engine signaling.Engine, res setupResult) {
	verdict := make(chan bool, 1)
	accepted := false
	if c.p.post(func() { verdict <- c.onSetup(session, res) }) {
		select {
		case accepted = <-verdict:
		case <-c.p.quit:
		}
	}
	if res.err == nil && res.callID != "" && !accepted {
		c.logger.Debug("отмена устаревшего вызова", slog.String("call_id", res.callID))
		c.terminate(engine, res.callID)
	}
}

func (c *callController) resolveSetup(err error) {
	if c.setupWaiter != nil {
		c.setupWaiter <- err
		c.setupWaiter = nil
	}
	if c.setupCancel != nil {
		c.setupCancel()
		c.setupCancel = nil
	}
}

// onSetup применяет итог подготовки. false означает, что вызов уже не нужен.
func (c *callController) onSetup(session uint64, res setupResult) bool {
	if session != c.session || c.state() != CallCalling || c.callID != "" {
		// вызов уже завершен: аудио освобождаем, INVITE отменит settle
		if session == c.session && !c.state().IsActive() {
			c.p.media.Release()
		}
		return false
	}

	if res.err != nil {
		if errors.Is(res.err, ErrMediaUnavailable) {
			c.p.metrics.mediaFailure()
		}
		var perr *Error
		if !errors.As(res.err, &perr) {
			res.err = ErrCallFailed.WithCause(res.err)
		}
		c.fail(res.err)
		return false
	}

	c.callID = res.callID
	c.logger.Info("INVITE отправлен", slog.String("call_id", res.callID))
	c.resolveSetup(nil)
	return true
}

// onEvent обрабатывает события вызова текущего движка
func (c *callController) onEvent(ev signaling.Event) {
	st := c.state()
	if !st.IsActive() {
		return
	}
	// до ответа Invite идентификатор еще неизвестен, движок ведет один вызов
	if c.callID != "" && ev.CallID != "" && ev.CallID != c.callID {
		c.logger.Debug("событие чужого вызова", slog.String("call_id", ev.CallID))
		return
	}

	switch ev.Type {
	case signaling.EventCallProgress:
		if st == CallCalling {
			c.setState(CallRinging)
		}
	case signaling.EventCallConfirmed:
		if st == CallCalling || st == CallRinging {
			c.p.metrics.call(outcomeAnswered)
			c.startHolds(c.engine)
			c.setState(CallInCall)
		}
	case signaling.EventCallEnded:
		c.end("удаленная сторона завершила вызов")
	case signaling.EventCallFailed:
		err := ev.Err
		if err == nil {
			err = &signaling.StatusError{StatusCode: ev.StatusCode, Reason: ev.Reason}
		}
		c.fail(ErrCallFailed.WithCause(err))
	}
}

// hangup завершает активный вызов. Без вызова ничего не делает.
// Вызов, чей INVITE еще в пути, завершит settle.
func (c *callController) hangup() {
	if !c.state().IsActive() {
		return
	}
	if c.callID != "" {
		go c.terminate(c.engine, c.callID)
	}
	c.end("вызов завершен пользователем")
}

func (c *callController) terminate(engine signaling.Engine, callID string) {
	if engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.p.cfg.StopTimeout)
	defer cancel()
	err := engine.Terminate(ctx, callID)
	if err != nil && !errors.Is(err, signaling.ErrNoActiveCall) && !errors.Is(err, signaling.ErrStopped) {
		c.logger.Warn("ошибка завершения вызова", slog.String("call_id", callID), slog.Any("error", err))
	}
}

// toggleHold InCall -> OnHold, OnHold -> InCall, иначе ничего
func (c *callController) toggleHold() {
	switch c.state() {
	case CallInCall:
		if c.queueHold(true) {
			c.setState(CallOnHold)
		}
	case CallOnHold:
		if c.queueHold(false) {
			c.setState(CallInCall)
		}
	default:
		c.logger.Debug("удержание недоступно", slog.String("state", c.state().String()))
	}
}

// startHolds запускает очередь re-INVITE для установленного вызова
func (c *callController) startHolds(engine signaling.Engine) {
	c.stopHolds()
	ctx, cancel := context.WithCancel(c.p.ctx)
	w := &holdWorker{requests: make(chan bool, holdQueueSize), cancel: cancel}
	c.holds = w
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case hold := <-w.requests:
				c.holdRequest(ctx, engine, hold)
			}
		}
	}()
}

func (c *callController) stopHolds() {
	if c.holds != nil {
		c.holds.cancel()
		c.holds = nil
	}
}

func (c *callController) queueHold(hold bool) bool {
	if c.holds == nil {
		return false
	}
	select {
	case c.holds.requests <- hold:
		return true
	default:
		c.logger.Warn("очередь удержания переполнена", slog.Bool("hold", hold))
		return false
	}
}

// holdRequest выполняется в горутине holdWorker, запросы одного вызова не пересекаются
func (c *callController) holdRequest(ctx context.Context, engine signaling.Engine, hold bool) {
	if engine == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.p.cfg.HoldTimeout)
	defer cancel()
	var err error
	if hold {
		err = engine.Hold(ctx)
	} else {
		err = engine.Resume(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("re-INVITE не выполнен", slog.Bool("hold", hold), slog.Any("error", err))
	}
}

// end нормальное завершение: Ended, освобождение аудио, пауза
func (c *callController) end(reason string) {
	c.logger.Info("вызов завершен", slog.String("reason", reason), slog.String("number", c.remote))
	c.resolveSetup(nil)
	c.finish(CallEnded, c.p.cfg.EndedCooldown)
	c.p.metrics.call(outcomeEnded)
}

// fail неудачный вызов: Failed, освобождение аудио, уведомление, пауза
func (c *callController) fail(err error) {
	c.logger.Warn("вызов не состоялся", slog.String("number", c.remote), slog.Any("error", err))
	c.resolveSetup(err)
	c.finish(CallFailed, c.p.cfg.FailedCooldown)
	c.p.metrics.call(outcomeFailed)
	c.p.notify(NoticeCallFailed, "вызов не состоялся", err)
}

func (c *callController) finish(terminal CallState, cooldown time.Duration) {
	c.stopHolds()
	c.callID = ""
	c.engine = nil
	c.p.media.Release()
	c.setState(terminal)
	c.startCooldown(cooldown)
}

func (c *callController) startCooldown(d time.Duration) {
	c.stopCooldown()
	session := c.session
	c.cooldown = c.p.clock.AfterFunc(d, func() {
		c.p.post(func() {
			if session != c.session || !c.state().IsTerminal() {
				return
			}
			c.cooldown = nil
			c.remote = ""
			c.setState(idleCallState(c.p.conn.state()))
		})
	})
}

func (c *callController) stopCooldown() {
	if c.cooldown != nil {
		c.cooldown.Stop()
		c.cooldown = nil
	}
}

// connectionLost проваливает активный вызов при потере регистрации
func (c *callController) connectionLost() {
	if c.state().IsActive() {
		c.fail(ErrConnectionLost)
	}
}

// reset сбрасывает вызов в Idle при отключении. Аудио освобождается всегда.
func (c *callController) reset() {
	if c.state().IsActive() && c.callID != "" {
		c.p.metrics.call(outcomeEnded)
	}
	c.session++
	c.resolveSetup(ErrNotRegistered)
	c.stopCooldown()
	c.stopHolds()
	c.callID = ""
	c.engine = nil
	c.remote = ""
	c.p.media.Release()
	if c.state().IsActive() {
		c.forceIdle()
		return
	}
	c.setState(CallIdle)
}

// forceIdle переводит машину в Idle минуя таблицу переходов
func (c *callController) forceIdle() {
	from := c.state()
	c.fsm.SetState(string(CallIdle))
	c.logger.Info("состояние вызова", slog.String("from", string(from)), slog.String("to", string(CallIdle)))
	c.p.stateChanged()
}
