package wsua

import (
	"context"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

// registerLoop выполняет первичную регистрацию и планирует обновления
func (u *UA) registerLoop() {
	ctx, cancel := u.lifetimeContext()
	defer cancel()

	granted, err := u.register(ctx, u.cfg.RegisterExpiry)
	if err != nil {
		u.failRegistration(registrationEvent(err))
		return
	}

	u.registered.Store(true)
	u.logger.Info("регистрация выполнена", slog.Duration("expires", granted))
	u.emit(signaling.Event{Type: signaling.EventRegistered})
	u.scheduleRefresh(granted)
}

// lifetimeContext контекст, отменяемый остановкой агента
func (u *UA) lifetimeContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-u.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (u *UA) scheduleRefresh(granted time.Duration) {
	delay := time.Duration(float64(granted) * u.cfg.RefreshRatio)

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopping.Load() {
		return
	}
	u.refreshTimer = time.AfterFunc(delay, u.refresh)
}

func (u *UA) refresh() {
	if u.stopping.Load() || !u.registered.Load() {
		return
	}
	ctx, cancel := u.lifetimeContext()
	defer cancel()

	granted, err := u.register(ctx, u.cfg.RegisterExpiry)
	if err != nil {
		u.failRegistration(registrationEvent(err))
		return
	}
	u.logger.Debug("регистрация обновлена", slog.Duration("expires", granted))
	u.scheduleRefresh(granted)
}

// register отправляет REGISTER, при необходимости повторяя его с digest авторизацией.
// expires == 0 снимает регистрацию.
func (u *UA) register(ctx context.Context, expires time.Duration) (time.Duration, error) {
	var auth sip.Header
	for attempt := 0; ; attempt++ {
		req := u.newRegister(expires, auth)
		tx, err := u.request(req)
		if err != nil {
			return 0, errors.Wrap(err, "send REGISTER")
		}
		resp, err := tx.final(ctx, u.cfg.TransactionTimeout, nil)
		u.txs.remove(tx)
		if err != nil {
			return 0, errors.Wrap(err, "REGISTER")
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return u.parseExpires(resp, expires), nil
		case isAuthChallenge(resp) && attempt == 0:
			if auth, err = u.authorize(req, resp); err != nil {
				return 0, err
			}
		default:
			return 0, &signaling.StatusError{
				Method:     string(sip.REGISTER),
				StatusCode: resp.StatusCode,
				Reason:     resp.Reason,
			}
		}
	}
}

func (u *UA) newRegister(expires time.Duration, auth sip.Header) *sip.Request {
	u.mu.Lock()
	u.regCSeq++
	seq := u.regCSeq
	u.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, u.registrar)
	u.addCommonHeaders(req, true)
	req.AppendHeader(&sip.FromHeader{Address: u.aor, Params: sip.NewParams().Add("tag", u.regFromTag)})
	req.AppendHeader(&sip.ToHeader{Address: u.aor, Params: sip.NewParams()})
	callID := sip.CallIDHeader(u.regCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})
	exp := sip.ExpiresHeader(uint32(expires / time.Second))
	req.AppendHeader(&exp)
	if auth != nil {
		req.AppendHeader(auth)
	}
	req.SetBody(nil)
	return req
}

// registrationEvent переводит ошибку регистрации в событие
func registrationEvent(err error) signaling.Event {
	ev := signaling.Event{Type: signaling.EventRegistrationFailed, Err: err}
	var se *signaling.StatusError
	if errors.As(err, &se) {
		ev.StatusCode = se.StatusCode
		ev.Reason = se.Reason
	}
	return ev
}
