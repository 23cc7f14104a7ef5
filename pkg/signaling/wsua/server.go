package wsua

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/webphone/pkg/signaling"
)

// handleRequest обрабатывает запросы от сервера
func (u *UA) handleRequest(req *sip.Request) {
	switch req.Method {
	case sip.ACK:
		return
	case sip.OPTIONS:
		u.respond(req, 200, "OK", nil)
	case sip.BYE:
		c := u.matchCall(req)
		if c == nil {
			u.respond(req, 481, "Call/Transaction Does Not Exist", nil)
			return
		}
		u.respond(req, 200, "OK", nil)
		if u.endCall(c) {
			u.logger.Info("удаленная сторона завершила вызов", slog.String("call_id", c.id))
			u.emit(signaling.Event{Type: signaling.EventCallEnded, CallID: c.id, Reason: "remote hangup"})
		}
	case sip.INVITE:
		c := u.matchCall(req)
		if c == nil {
			// Входящие вызовы не поддерживаются: у агента не больше одного вызова
			u.respond(req, 486, "Busy Here", nil)
			return
		}
		if u.isReinviting(c) {
			// Встречный re-INVITE во время нашего
			u.respond(req, 491, "Request Pending", nil)
			return
		}
		u.respond(req, 200, "OK", []byte(c.neg.LocalDescription()))
	case sip.CANCEL:
		u.respond(req, 481, "Call/Transaction Does Not Exist", nil)
	default:
		u.respond(req, 405, "Method Not Allowed", nil)
	}
}

// matchCall возвращает активный вызов, которому принадлежит запрос
func (u *UA) matchCall(req *sip.Request) *call {
	callID := req.CallID()
	if callID == nil {
		return nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	c := u.call
	if c == nil || c.terminated || c.id != callID.Value() {
		return nil
	}
	return c
}

func (u *UA) respond(req *sip.Request, code int, reason string, body []byte) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if req.Method == sip.INVITE && code >= 200 && code < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: u.contact, Params: sip.NewParams()})
	}
	setBody(res, contentTypeSDP, body)
	if err := u.send(res); err != nil {
		u.logger.Debug("не удалось отправить ответ",
			slog.String("method", string(req.Method)),
			slog.Any("error", err))
	}
}
