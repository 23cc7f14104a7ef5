package wsua

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/signaling"
)

const contentTypeSDP = "application/sdp"

// call состояние исходящего диалога. Поля меняются под UA.mu.
type call struct {
	id      string
	target  sip.Uri
	remote  sip.Uri
	routes  []sip.Uri
	fromTag string
	toTag   string
	cseq    uint32
	offer   string
	invite  *sip.Request
	neg     signaling.Negotiator

	confirmed  bool
	terminated bool
	reinviting bool
}

// targetURI превращает номер или адрес в SIP URI в домене регистрации
func (u *UA) targetURI(target string) (sip.Uri, error) {
	s := strings.TrimSpace(target)
	if s == "" {
		return sip.Uri{}, errors.New("empty target")
	}
	if !strings.HasPrefix(s, "sip:") && !strings.HasPrefix(s, "sips:") {
		if !strings.Contains(s, "@") {
			s += "@" + u.creds.SIPDomain
		}
		s = "sip:" + s
	}
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "parse target %q", s)
	}
	return uri, nil
}

// Invite реализует signaling.Engine
func (u *UA) Invite(ctx context.Context, target string, neg signaling.Negotiator) (string, error) {
	if !u.registered.Load() {
		return "", errors.WithStack(signaling.ErrNotRegistered)
	}
	if neg == nil {
		return "", errors.New("wsua: negotiator is required")
	}
	uri, err := u.targetURI(target)
	if err != nil {
		return "", err
	}
	offer, err := neg.CreateOffer(ctx)
	if err != nil {
		return "", errors.Wrap(err, "create offer")
	}
	// Сбор ICE кандидатов может пережить отмену вызова
	if err := ctx.Err(); err != nil {
		return "", errors.Wrap(err, "invite")
	}

	c := &call{
		id:      uuid.NewString(),
		target:  uri,
		remote:  uri,
		fromTag: sip.RandString(10),
		cseq:    1,
		offer:   offer,
		neg:     neg,
	}

	u.mu.Lock()
	if u.call != nil && !u.call.terminated {
		u.mu.Unlock()
		return "", errors.WithStack(signaling.ErrCallExists)
	}
	req := u.newInviteLocked(c, nil)
	u.call = c
	u.mu.Unlock()

	tx, err := u.request(req)
	if err != nil {
		u.endCall(c)
		return "", err
	}

	u.logger.Info("исходящий вызов", slog.String("call_id", c.id), slog.String("to", uri.String()))
	go u.runInvite(c, req, tx, false)
	return c.id, nil
}

func (u *UA) newInviteLocked(c *call, auth sip.Header) *sip.Request {
	req := sip.NewRequest(sip.INVITE, c.target)
	u.addCommonHeaders(req, true)
	req.AppendHeader(&sip.FromHeader{Address: u.aor, Params: sip.NewParams().Add("tag", c.fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	if auth != nil {
		req.AppendHeader(auth)
	}
	setBody(req, contentTypeSDP, []byte(c.offer))
	c.invite = req
	return req
}

// newInDialogLocked создает запрос внутри подтвержденного диалога. u.mu должен быть захвачен.
func (u *UA) newInDialogLocked(c *call, method sip.RequestMethod, seq uint32) *sip.Request {
	req := sip.NewRequest(method, c.remote)
	u.addCommonHeaders(req, method == sip.INVITE)
	for _, r := range c.routes {
		req.AppendHeader(&sip.RouteHeader{Address: r})
	}
	req.AppendHeader(&sip.FromHeader{Address: u.aor, Params: sip.NewParams().Add("tag", c.fromTag)})
	to := &sip.ToHeader{Address: c.target, Params: sip.NewParams()}
	if c.toTag != "" {
		to.Params = to.Params.Add("tag", c.toTag)
	}
	req.AppendHeader(to)
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req
}

// newCancelLocked создает CANCEL для текущего INVITE (тот же branch и CSeq)
func (u *UA) newCancelLocked(c *call) *sip.Request {
	inv := c.invite
	req := sip.NewRequest(sip.CANCEL, inv.Recipient)
	if via := inv.Via(); via != nil {
		req.AppendHeader(via)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if from := inv.From(); from != nil {
		req.AppendHeader(from)
	}
	if to := inv.To(); to != nil {
		req.AppendHeader(to)
	}
	callID := sip.CallIDHeader(c.id)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.CANCEL})
	req.SetBody(nil)
	return req
}

// ackNon2xx подтверждает финальный не-2xx ответ в рамках INVITE транзакции
func (u *UA) ackNon2xx(inv *sip.Request, resp *sip.Response) {
	ack := sip.NewRequest(sip.ACK, inv.Recipient)
	if via := inv.Via(); via != nil {
		ack.AppendHeader(via)
	}
	maxForwards := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxForwards)
	if from := inv.From(); from != nil {
		ack.AppendHeader(from)
	}
	if to := resp.To(); to != nil {
		ack.AppendHeader(to)
	}
	if callID := inv.CallID(); callID != nil {
		ack.AppendHeader(callID)
	}
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.ACK})
	ack.SetBody(nil)
	if err := u.send(ack); err != nil {
		u.logger.Debug("не удалось отправить ACK", slog.Any("error", err))
	}
}

// ack2xx отправляет ACK на 2xx как отдельный запрос диалога
func (u *UA) ack2xx(c *call, inv *sip.Request) {
	u.mu.Lock()
	ack := u.newInDialogLocked(c, sip.ACK, inv.CSeq().SeqNo)
	u.mu.Unlock()
	ack.SetBody(nil)
	if err := u.send(ack); err != nil {
		u.logger.Debug("не удалось отправить ACK", slog.Any("error", err))
	}
}

// endCall помечает вызов завершенным. true если вызов был активен.
func (u *UA) endCall(c *call) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c.terminated {
		return false
	}
	c.terminated = true
	if u.call == c {
		u.call = nil
	}
	return true
}

func (u *UA) isTerminated(c *call) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return c.terminated
}

func (u *UA) runInvite(c *call, req *sip.Request, tx *clientTx, authorized bool) {
	ctx, cancel := u.lifetimeContext()
	defer cancel()

	resp, err := tx.final(ctx, u.cfg.TransactionTimeout, func(r *sip.Response) {
		if r.StatusCode == 100 || u.isTerminated(c) {
			return
		}
		u.emit(signaling.Event{
			Type:       signaling.EventCallProgress,
			CallID:     c.id,
			StatusCode: r.StatusCode,
			Reason:     r.Reason,
		})
	})
	u.txs.remove(tx)
	if err != nil {
		if u.endCall(c) {
			u.emit(signaling.Event{Type: signaling.EventCallFailed, CallID: c.id, Err: errors.Wrap(err, "INVITE")})
		}
		return
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		u.confirm(c, req, resp)

	case isAuthChallenge(resp) && !authorized && !u.isTerminated(c):
		u.ackNon2xx(req, resp)
		auth, err := u.authorize(req, resp)
		if err != nil {
			u.failCall(c, err, 0, "")
			return
		}
		u.mu.Lock()
		if c.terminated {
			u.mu.Unlock()
			return
		}
		c.cseq++
		next := u.newInviteLocked(c, auth)
		u.mu.Unlock()

		ntx, err := u.request(next)
		if err != nil {
			u.failCall(c, err, 0, "")
			return
		}
		u.runInvite(c, next, ntx, true)

	default:
		u.ackNon2xx(req, resp)
		u.failCall(c, &signaling.StatusError{
			Method:     string(sip.INVITE),
			StatusCode: resp.StatusCode,
			Reason:     resp.Reason,
		}, resp.StatusCode, resp.Reason)
	}
}

func (u *UA) failCall(c *call, err error, code int, reason string) {
	if !u.endCall(c) {
		return
	}
	u.logger.Warn("вызов не состоялся", slog.String("call_id", c.id), slog.Any("error", err))
	u.emit(signaling.Event{
		Type:       signaling.EventCallFailed,
		CallID:     c.id,
		StatusCode: code,
		Reason:     reason,
		Err:        err,
	})
}

// confirm обрабатывает 2xx на начальный INVITE
func (u *UA) confirm(c *call, inv *sip.Request, resp *sip.Response) {
	u.mu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.toTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		c.remote = contact.Address
	}
	c.routes = c.routes[:0]
	rr := resp.GetHeaders("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		if h, ok := rr[i].(*sip.RecordRouteHeader); ok {
			c.routes = append(c.routes, h.Address)
		}
	}
	cancelled := c.terminated
	u.mu.Unlock()

	u.ack2xx(c, inv)

	if cancelled {
		// CANCEL разминулся с 200 OK: диалог создан, закрываем его
		u.sendBye(c)
		return
	}

	if err := c.neg.SetAnswer(string(resp.Body())); err != nil {
		u.sendBye(c)
		u.failCall(c, errors.Wrap(err, "apply answer"), 488, "Not Acceptable Here")
		return
	}

	u.mu.Lock()
	c.confirmed = true
	active := !c.terminated
	u.mu.Unlock()
	if !active {
		return
	}

	u.logger.Info("вызов установлен", slog.String("call_id", c.id))
	u.emit(signaling.Event{
		Type:       signaling.EventCallConfirmed,
		CallID:     c.id,
		StatusCode: resp.StatusCode,
		Reason:     resp.Reason,
	})
}

func (u *UA) sendBye(c *call) {
	u.mu.Lock()
	c.cseq++
	bye := u.newInDialogLocked(c, sip.BYE, c.cseq)
	u.mu.Unlock()
	bye.SetBody(nil)
	tx, err := u.request(bye)
	if err != nil {
		u.logger.Debug("не удалось отправить BYE", slog.Any("error", err))
		return
	}
	go u.awaitFinal(tx, sip.BYE)
}

func (u *UA) awaitFinal(tx *clientTx, method sip.RequestMethod) {
	ctx, cancel := u.lifetimeContext()
	defer cancel()
	resp, err := tx.final(ctx, u.cfg.TransactionTimeout, nil)
	u.txs.remove(tx)
	if err != nil {
		u.logger.Debug("нет ответа на запрос", slog.String("method", string(method)), slog.Any("error", err))
		return
	}
	u.logger.Debug("ответ на запрос",
		slog.String("method", string(method)),
		slog.Int("status", resp.StatusCode))
}

// Terminate реализует signaling.Engine
func (u *UA) Terminate(_ context.Context, callID string) error {
	u.mu.Lock()
	c := u.call
	if c == nil || c.terminated || c.id != callID {
		u.mu.Unlock()
		return errors.WithStack(signaling.ErrNoActiveCall)
	}
	c.terminated = true
	u.call = nil
	u.mu.Unlock()

	u.logger.Info("завершение вызова", slog.String("call_id", c.id))
	u.abandonCall(c)
	return nil
}

// abandonCall отправляет BYE для подтвержденного вызова или CANCEL для раннего
func (u *UA) abandonCall(c *call) {
	u.mu.Lock()
	confirmed := c.confirmed
	var cancelReq *sip.Request
	if !confirmed {
		cancelReq = u.newCancelLocked(c)
	}
	u.mu.Unlock()

	if confirmed {
		u.sendBye(c)
		return
	}
	tx, err := u.request(cancelReq)
	if err != nil {
		u.logger.Debug("не удалось отправить CANCEL", slog.Any("error", err))
		return
	}
	go u.awaitFinal(tx, sip.CANCEL)
}

// Hold реализует signaling.Engine
func (u *UA) Hold(ctx context.Context) error {
	return u.reinvite(ctx, true)
}

// Resume реализует signaling.Engine
func (u *UA) Resume(ctx context.Context) error {
	return u.reinvite(ctx, false)
}

func (u *UA) reinvite(ctx context.Context, hold bool) error {
	u.mu.Lock()
	c := u.call
	if c == nil || c.terminated || !c.confirmed {
		u.mu.Unlock()
		return errors.WithStack(signaling.ErrNoActiveCall)
	}
	if c.reinviting {
		u.mu.Unlock()
		return errors.WithStack(signaling.ErrRequestPending)
	}
	c.reinviting = true
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		c.reinviting = false
		u.mu.Unlock()
	}()

	offer, err := c.neg.HoldOffer(hold)
	if err != nil {
		return errors.Wrap(err, "hold offer")
	}
	return u.runReinvite(ctx, c, offer, nil)
}

// isReinviting сообщает, ждет ли вызов ответа на собственный re-INVITE
func (u *UA) isReinviting(c *call) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return c.reinviting
}

func (u *UA) newReinvite(c *call, offer string, auth sip.Header) *sip.Request {
	u.mu.Lock()
	c.cseq++
	req := u.newInDialogLocked(c, sip.INVITE, c.cseq)
	u.mu.Unlock()
	if auth != nil {
		req.AppendHeader(auth)
	}
	setBody(req, contentTypeSDP, []byte(offer))
	return req
}

// runReinvite отправляет re-INVITE и ждет финального ответа.
// На challenge повторяет запрос с авторизацией один раз.
func (u *UA) runReinvite(ctx context.Context, c *call, offer string, auth sip.Header) error {
	req := u.newReinvite(c, offer, auth)
	tx, err := u.request(req)
	if err != nil {
		return err
	}

	// Stop закрывает транзакцию через closeAll
	resp, err := tx.final(ctx, u.cfg.TransactionTimeout, nil)
	u.txs.remove(tx)
	if err != nil {
		u.logger.Warn("re-INVITE без ответа", slog.String("call_id", c.id), slog.Any("error", err))
		return errors.Wrap(err, "re-INVITE")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		u.ack2xx(c, req)
		if err := c.neg.SetAnswer(string(resp.Body())); err != nil {
			u.logger.Warn("некорректный SDP ответ на re-INVITE", slog.Any("error", err))
			return errors.Wrap(err, "apply answer")
		}
		return nil
	case isAuthChallenge(resp) && auth == nil:
		u.ackNon2xx(req, resp)
		next, err := u.authorize(req, resp)
		if err != nil {
			u.logger.Warn("re-INVITE: ошибка авторизации", slog.Any("error", err))
			return err
		}
		return u.runReinvite(ctx, c, offer, next)
	default:
		u.ackNon2xx(req, resp)
		u.logger.Warn("re-INVITE отклонен",
			slog.String("call_id", c.id),
			slog.Int("status", resp.StatusCode),
			slog.String("reason", resp.Reason))
		return &signaling.StatusError{
			Method:     string(sip.INVITE),
			StatusCode: resp.StatusCode,
			Reason:     resp.Reason,
		}
	}
}
