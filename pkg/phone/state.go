package phone

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectionState состояние подключения к SIP серверу
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "Disconnected"
	ConnectionConnecting   ConnectionState = "Connecting"
	ConnectionRegistered   ConnectionState = "Registered"
	ConnectionRetrying     ConnectionState = "Retrying"
	ConnectionFailed       ConnectionState = "Failed"
)

var connectionStates = []ConnectionState{
	ConnectionDisconnected,
	ConnectionConnecting,
	ConnectionRegistered,
	ConnectionRetrying,
	ConnectionFailed,
}

// String возвращает строковое представление состояния
func (s ConnectionState) String() string {
	return string(s)
}

// CallState состояние вызова
type CallState string

const (
	CallIdle        CallState = "Idle"
	CallRegistering CallState = "Registering"
	CallRegistered  CallState = "Registered"
	CallCalling     CallState = "Calling"
	CallRinging     CallState = "Ringing"
	CallInCall      CallState = "InCall"
	CallOnHold      CallState = "OnHold"
	CallEnded       CallState = "Ended"
	CallFailed      CallState = "Failed"
)

// String возвращает строковое представление состояния
func (s CallState) String() string {
	return string(s)
}

// IsIdle true для состояний без вызова: Idle, Registering, Registered
func (s CallState) IsIdle() bool {
	switch s {
	case CallIdle, CallRegistering, CallRegistered:
		return true
	}
	return false
}

// IsActive true пока вызов выполняется
func (s CallState) IsActive() bool {
	switch s {
	case CallCalling, CallRinging, CallInCall, CallOnHold:
		return true
	}
	return false
}

// IsTerminal true для Ended и Failed до окончания паузы
func (s CallState) IsTerminal() bool {
	return s == CallEnded || s == CallFailed
}

// idleCallState состояние ожидания, отражающее подключение
func idleCallState(conn ConnectionState) CallState {
	switch conn {
	case ConnectionRegistered:
		return CallRegistered
	case ConnectionConnecting, ConnectionRetrying:
		return CallRegistering
	default:
		return CallIdle
	}
}

// Snapshot неизменяемый снимок состояния софтфона
type Snapshot struct {
	Connection   ConnectionState
	Call         CallState
	RemoteNumber string
	RetryCount   int
}

// String для логов и CLI
func (s Snapshot) String() string {
	str := fmt.Sprintf("connection=%s call=%s", s.Connection, s.Call)
	if s.RemoteNumber != "" {
		str += " number=" + s.RemoteNumber
	}
	if s.RetryCount > 0 {
		str += fmt.Sprintf(" retry=%d", s.RetryCount)
	}
	return str
}

// NoticeKind тип уведомления пользователя
type NoticeKind string

const (
	NoticeRetrying         NoticeKind = "retrying"
	NoticeConnectionFailed NoticeKind = "connection_failed"
	NoticeConfigError      NoticeKind = "config_error"
	NoticeCallFailed       NoticeKind = "call_failed"
)

// Notice уведомление для пользователя
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
	At      time.Time
}

const noticeBuffer = 32

// Store владеет снимком состояния и рассылает изменения подписчикам.
// Писатель один (цикл Phone), читателей сколько угодно.
type Store struct {
	logger *slog.Logger

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextID  int
	notices chan Notice
}

// NewStore создает хранилище с начальным снимком
func NewStore(initial Snapshot, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger,
		snap:    initial,
		subs:    make(map[int]chan Snapshot),
		notices: make(chan Notice, noticeBuffer),
	}
}

// Snapshot возвращает текущий снимок
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe возвращает канал снимков, начиная с текущего. Медленный подписчик
// получает только последний снимок. cancel закрывает канал.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.snap
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// set публикует снимок. Возвращает false, если снимок не изменился.
func (s *Store) set(next Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next == s.snap {
		return false
	}
	s.snap = next
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
			// вытесняем непрочитанный снимок
			select {
			case <-ch:
			default:
			}
			ch <- next
		}
	}
	return true
}

// Notices канал уведомлений пользователя
func (s *Store) Notices() <-chan Notice {
	return s.notices
}

func (s *Store) notify(n Notice) {
	select {
	case s.notices <- n:
	default:
		s.logger.Warn("очередь уведомлений переполнена", slog.String("kind", string(n.Kind)))
	}
}

// closeSubscribers закрывает каналы всех подписчиков
func (s *Store) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
