// Package wsua реализует движок сигнализации: SIP user agent поверх WebSocket
// (RFC 7118). Агент регистрируется на сервере, поддерживает регистрацию и ведет
// один исходящий вызов.
package wsua

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/signaling"
)

// UA SIP агент. Один экземпляр обслуживает одно соединение.
type UA struct {
	cfg    Config
	creds  credentials.Credentials
	logger *slog.Logger

	aor       sip.Uri
	registrar sip.Uri
	contact   sip.Uri
	viaHost   string
	viaTran   string

	events chan signaling.Event
	txs    *txTable

	mu           sync.Mutex
	tr           *transport
	started      bool
	regCallID    string
	regFromTag   string
	regCSeq      uint32
	refreshTimer *time.Timer
	call         *call

	registered atomic.Bool
	stopping   atomic.Bool
	regFail    sync.Once
	stopped    chan struct{}
	readDone   chan struct{}
}

var _ signaling.Engine = (*UA)(nil)

// New создает агента для одного набора учетных данных
func New(creds credentials.Credentials, cfg Config) (*UA, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var aor sip.Uri
	if err := sip.ParseUri(creds.AOR(), &aor); err != nil {
		return nil, errors.Wrapf(err, "parse AOR %q", creds.AOR())
	}

	// RFC 7118: адрес агента за WebSocket не маршрутизируем, используем .invalid
	host := strings.ToLower(sip.RandString(12)) + ".invalid"
	transportParam := "ws"
	viaTransport := "WS"
	if creds.Secure() {
		transportParam = "wss"
		viaTransport = "WSS"
	}

	var registrar sip.Uri
	if err := sip.ParseUri("sip:"+creds.SIPDomain, &registrar); err != nil {
		return nil, errors.Wrapf(err, "parse registrar %q", creds.SIPDomain)
	}

	var contact sip.Uri
	contactStr := fmt.Sprintf("sip:%s@%s;transport=%s", creds.SIPUser, host, transportParam)
	if err := sip.ParseUri(contactStr, &contact); err != nil {
		return nil, errors.Wrapf(err, "parse contact %q", contactStr)
	}

	ua := &UA{
		cfg:        cfg,
		creds:      creds,
		logger:     cfg.Logger.With(slog.String("component", "wsua"), slog.String("aor", creds.AOR())),
		aor:        aor,
		registrar:  registrar,
		contact:    contact,
		viaHost:    host,
		viaTran:    viaTransport,
		events:     make(chan signaling.Event, 64),
		txs:        newTxTable(),
		regCallID:  uuid.NewString(),
		regFromTag: sip.RandString(10),
		stopped:    make(chan struct{}),
		readDone:   make(chan struct{}),
	}
	return ua, nil
}

// NewFactory возвращает фабрику движков с общей конфигурацией
func NewFactory(cfg Config) signaling.Factory {
	return func(creds credentials.Credentials) (signaling.Engine, error) {
		return New(creds, cfg)
	}
}

// Events реализует signaling.Engine
func (u *UA) Events() <-chan signaling.Event {
	return u.events
}

// Start открывает WebSocket и запускает регистрацию
func (u *UA) Start(ctx context.Context) error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return errors.New("wsua: already started")
	}
	u.started = true
	u.mu.Unlock()

	tr, err := dialTransport(ctx, u.creds.WSURI, u.cfg.DialTimeout, u.cfg.WriteTimeout)
	if err != nil {
		close(u.readDone)
		return err
	}

	u.mu.Lock()
	if u.stopping.Load() {
		u.mu.Unlock()
		_ = tr.close()
		close(u.readDone)
		return errors.WithStack(signaling.ErrStopped)
	}
	u.tr = tr
	u.mu.Unlock()

	u.logger.Info("WebSocket соединение установлено", slog.String("uri", u.creds.WSURI))
	u.emit(signaling.Event{Type: signaling.EventTransportConnected})

	go u.readLoop(tr)
	go u.registerLoop()

	return nil
}

// Stop снимает регистрацию и закрывает транспорт. Повторный вызов безопасен.
func (u *UA) Stop(ctx context.Context) error {
	if !u.stopping.CompareAndSwap(false, true) {
		return nil
	}

	u.mu.Lock()
	if u.refreshTimer != nil {
		u.refreshTimer.Stop()
		u.refreshTimer = nil
	}
	c := u.call
	u.call = nil
	active := c != nil && !c.terminated
	if active {
		c.terminated = true
	}
	tr := u.tr
	u.mu.Unlock()

	if active {
		u.abandonCall(c)
	}

	if tr != nil && u.registered.Load() {
		unregCtx, cancel := context.WithTimeout(ctx, u.cfg.UnregisterTimeout)
		if _, err := u.register(unregCtx, 0); err != nil {
			u.logger.Debug("не удалось снять регистрацию", slog.Any("error", err))
		}
		cancel()
	}
	u.registered.Store(false)

	close(u.stopped)
	var err error
	if tr != nil {
		err = tr.close()
		<-u.readDone
	}
	u.txs.closeAll(errors.WithStack(errClosed))
	u.logger.Info("агент остановлен")
	return err
}

// emit отправляет событие; после остановки события отбрасываются
func (u *UA) emit(ev signaling.Event) {
	select {
	case <-u.stopped:
		return
	default:
	}
	select {
	case u.events <- ev:
	case <-u.stopped:
	}
}

// failRegistration сообщает о потере регистрации не более одного раза за жизнь агента
func (u *UA) failRegistration(ev signaling.Event) {
	if u.stopping.Load() {
		return
	}
	u.regFail.Do(func() {
		u.registered.Store(false)
		ev.Type = signaling.EventRegistrationFailed
		u.logger.Warn("регистрация потеряна", slog.String("event", ev.String()))
		u.emit(ev)
	})
}

func (u *UA) readLoop(tr *transport) {
	defer close(u.readDone)

	err := tr.readLoop(u.handleMessage)
	u.txs.closeAll(errors.WithStack(errClosed))
	if u.stopping.Load() {
		return
	}

	// Вызов без транспорта продолжить нельзя, дальнейших событий по нему не будет
	u.mu.Lock()
	if u.call != nil {
		u.call.terminated = true
		u.call = nil
	}
	if u.refreshTimer != nil {
		u.refreshTimer.Stop()
		u.refreshTimer = nil
	}
	u.mu.Unlock()

	if err == nil {
		err = errors.WithStack(signaling.ErrTransportClosed)
	}
	u.logger.Warn("WebSocket соединение разорвано", slog.Any("error", err))
	u.emit(signaling.Event{Type: signaling.EventTransportDisconnected, Err: err})
	u.failRegistration(signaling.Event{Err: errors.Wrap(signaling.ErrTransportClosed, err.Error())})
}

func (u *UA) handleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Response:
		if !u.txs.dispatch(m) {
			u.logger.Debug("ответ без транзакции", slog.Int("status", m.StatusCode))
		}
	case *sip.Request:
		u.handleRequest(m)
	}
}

func (u *UA) send(msg sip.Message) error {
	u.mu.Lock()
	tr := u.tr
	u.mu.Unlock()
	if tr == nil {
		return errors.WithStack(errClosed)
	}
	return tr.send(msg)
}

// request отправляет запрос и возвращает транзакцию для ожидания ответов
func (u *UA) request(req *sip.Request) (*clientTx, error) {
	tx, err := u.txs.add(req)
	if err != nil {
		return nil, err
	}
	if err := u.send(req); err != nil {
		u.txs.remove(tx)
		return nil, err
	}
	return tx, nil
}

// newVia создает Via с новым branch
func (u *UA) newVia() *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       u.viaTran,
		Host:            u.viaHost,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

// addCommonHeaders добавляет Via, Max-Forwards, User-Agent и Contact
func (u *UA) addCommonHeaders(req *sip.Request, withContact bool) {
	req.AppendHeader(u.newVia())
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(sip.NewHeader("User-Agent", u.cfg.UserAgent))
	if withContact {
		req.AppendHeader(&sip.ContactHeader{Address: u.contact, Params: sip.NewParams()})
	}
}

func setBody(req interface {
	SetBody([]byte)
	AppendHeader(sip.Header)
}, contentType string, body []byte) {
	if len(body) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	req.SetBody(body)
}

// parseExpires извлекает выданный срок регистрации из ответа
func (u *UA) parseExpires(resp *sip.Response, requested time.Duration) time.Duration {
	for _, h := range resp.GetHeaders("Contact") {
		ch, ok := h.(*sip.ContactHeader)
		if !ok || ch.Address.Host != u.contact.Host {
			continue
		}
		if v, ok := ch.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}
