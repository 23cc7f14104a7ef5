// Package signaling определяет контракт движка сигнализации: команды, которые
// принимает движок, и события жизненного цикла, которые он порождает.
//
// Движок живет ровно одну попытку соединения: он создается фабрикой, запускается
// через Start и уничтожается через Stop. Повторная регистрация всегда создает новый
// экземпляр, поэтому двойная регистрация на одном экземпляре невозможна.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/arzzra/webphone/pkg/credentials"
)

var (
	// ErrStopped движок уже остановлен
	ErrStopped = errors.New("signaling: engine stopped")
	// ErrNotRegistered команда требует активной регистрации
	ErrNotRegistered = errors.New("signaling: not registered")
	// ErrNoActiveCall команда требует активного вызова
	ErrNoActiveCall = errors.New("signaling: no active call")
	// ErrCallExists уже есть активный вызов
	ErrCallExists = errors.New("signaling: call already exists")
	// ErrRequestPending предыдущий re-INVITE вызова еще не завершен
	ErrRequestPending = errors.New("signaling: request pending")
	// ErrTransportClosed транспорт закрыт удаленной стороной или сетью
	ErrTransportClosed = errors.New("signaling: transport closed")
)

// EventType тип события движка
type EventType int

const (
	EventTransportConnected EventType = iota
	EventTransportDisconnected
	EventRegistered
	EventRegistrationFailed
	EventCallProgress
	EventCallConfirmed
	EventCallEnded
	EventCallFailed
)

var eventTypeNames = map[EventType]string{
	EventTransportConnected:    "transport_connected",
	EventTransportDisconnected: "transport_disconnected",
	EventRegistered:            "registered",
	EventRegistrationFailed:    "registration_failed",
	EventCallProgress:          "call_progress",
	EventCallConfirmed:         "call_confirmed",
	EventCallEnded:             "call_ended",
	EventCallFailed:            "call_failed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// IsCall сообщает, относится ли событие к вызову
func (t EventType) IsCall() bool {
	return t >= EventCallProgress
}

// Event событие жизненного цикла движка
type Event struct {
	Type       EventType
	CallID     string
	StatusCode int
	Reason     string
	Err        error
}

func (e Event) String() string {
	s := e.Type.String()
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" %d %s", e.StatusCode, e.Reason)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// StatusError финальный ответ SIP с кодом >= 300
type StatusError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Method, e.StatusCode, e.Reason)
}

// Negotiator ведет SDP offer/answer одного вызова.
type Negotiator interface {
	// CreateOffer возвращает начальное SDP предложение
	CreateOffer(ctx context.Context) (string, error)
	// SetAnswer применяет SDP ответ удаленной стороны
	SetAnswer(sdp string) error
	// HoldOffer возвращает предложение для удержания (hold=true) или возобновления
	HoldOffer(hold bool) (string, error)
	// LocalDescription последнее локальное описание
	LocalDescription() string
	Close() error
}

// Engine движок сигнализации.
// Все методы безопасны для вызова из разных горутин.
type Engine interface {
	// Start открывает транспорт и начинает регистрацию. Результат регистрации
	// приходит событием EventRegistered или EventRegistrationFailed.
	Start(ctx context.Context) error
	// Stop снимает регистрацию (best-effort) и закрывает транспорт.
	Stop(ctx context.Context) error
	// Events канал событий движка. Канал не закрывается.
	Events() <-chan Event
	// Invite отправляет исходящий INVITE и возвращает Call-ID.
	Invite(ctx context.Context, target string, neg Negotiator) (string, error)
	// Terminate завершает вызов callID: CANCEL до ответа, BYE после.
	// Если вызов callID уже не активен, возвращает ErrNoActiveCall.
	Terminate(ctx context.Context, callID string) error
	// Hold и Resume отправляют re-INVITE с соответствующим направлением медиа и
	// ждут финального ответа. Пока re-INVITE не завершен, возвращают ErrRequestPending.
	Hold(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Factory создает новый экземпляр движка для одной попытки соединения.
type Factory func(creds credentials.Credentials) (Engine, error)
