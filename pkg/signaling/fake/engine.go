// Package fake содержит управляемый из тестов движок сигнализации.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/signaling"
)

// Engine фиктивный движок: записывает команды и выдает события по требованию теста.
type Engine struct {
	Creds credentials.Credentials

	// StartErr возвращается из Start, если задан
	StartErr error
	// InviteErr возвращается из Invite, если задан
	InviteErr error
	// AutoRegister отправляет EventRegistered сразу после Start
	AutoRegister bool
	// AutoFail отправляет EventRegistrationFailed сразу после Start
	AutoFail bool
	// InviteHook вызывается из Invite после создания предложения, до выдачи Call-ID.
	// Блокирующий hook имитирует INVITE, застрявший в сети.
	InviteHook func(target string)
	// HoldDelay длительность re-INVITE для Hold и Resume
	HoldDelay time.Duration

	events chan signaling.Event

	mu        sync.Mutex
	started   bool
	stopped   bool
	invites   []string
	offers    []string
	terminated []string
	commands   []string
	reinviting bool
	callSeq    int
}

// NewEngine создает движок с буфером событий
func NewEngine(creds credentials.Credentials) *Engine {
	return &Engine{
		Creds:  creds,
		events: make(chan signaling.Event, 64),
	}
}

var _ signaling.Engine = (*Engine)(nil)

// Start реализует signaling.Engine
func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StartErr != nil {
		return e.StartErr
	}
	e.started = true
	e.events <- signaling.Event{Type: signaling.EventTransportConnected}
	switch {
	case e.AutoRegister:
		e.events <- signaling.Event{Type: signaling.EventRegistered}
	case e.AutoFail:
		e.events <- signaling.Event{Type: signaling.EventRegistrationFailed, StatusCode: 403, Reason: "Forbidden"}
	}
	return nil
}

// Stop реализует signaling.Engine
func (e *Engine) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

// Events реализует signaling.Engine
func (e *Engine) Events() <-chan signaling.Event {
	return e.events
}

// Invite реализует signaling.Engine
func (e *Engine) Invite(ctx context.Context, target string, neg signaling.Negotiator) (string, error) {
	var offer string
	if neg != nil {
		var err error
		if offer, err = neg.CreateOffer(ctx); err != nil {
			return "", err
		}
	}
	if e.InviteHook != nil {
		e.InviteHook(target)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InviteErr != nil {
		return "", e.InviteErr
	}
	e.callSeq++
	e.invites = append(e.invites, target)
	e.offers = append(e.offers, offer)
	return fmt.Sprintf("call-%d", e.callSeq), nil
}

// Terminate реализует signaling.Engine
func (e *Engine) Terminate(_ context.Context, callID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, callID)
	return nil
}

// Hold реализует signaling.Engine
func (e *Engine) Hold(ctx context.Context) error {
	return e.reinvite(ctx, "hold")
}

// Resume реализует signaling.Engine
func (e *Engine) Resume(ctx context.Context) error {
	return e.reinvite(ctx, "resume")
}

// reinvite как и настоящий движок отказывает, пока предыдущий re-INVITE не завершен
func (e *Engine) reinvite(ctx context.Context, command string) error {
	e.mu.Lock()
	if e.reinviting {
		e.mu.Unlock()
		return signaling.ErrRequestPending
	}
	e.reinviting = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.reinviting = false
		e.mu.Unlock()
	}()

	if e.HoldDelay > 0 {
		select {
		case <-time.After(e.HoldDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, command)
	return nil
}

// Emit отправляет событие так, как будто его породил движок
func (e *Engine) Emit(ev signaling.Event) {
	e.events <- ev
}

// Started запущен ли движок
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Stopped остановлен ли движок
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Invites список номеров, на которые отправлялся INVITE
func (e *Engine) Invites() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.invites...)
}

// Offers SDP предложения отправленных INVITE
func (e *Engine) Offers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.offers...)
}

// Terminations число вызовов Terminate
func (e *Engine) Terminations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.terminated)
}

// Terminated Call-ID из вызовов Terminate по порядку
func (e *Engine) Terminated() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.terminated...)
}

// Commands выполненные Hold и Resume по порядку: "hold" или "resume"
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Holds число выполненных Hold и Resume
func (e *Engine) Holds() (hold, resume int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.commands {
		if c == "hold" {
			hold++
		} else {
			resume++
		}
	}
	return hold, resume
}

// Factory фабрика, запоминающая все созданные движки
type Factory struct {
	// Configure вызывается для каждого нового движка до Start
	Configure func(n int, e *Engine)

	mu      sync.Mutex
	engines []*Engine
}

// New реализует signaling.Factory
func (f *Factory) New(creds credentials.Credentials) (signaling.Engine, error) {
	e := NewEngine(creds)
	f.mu.Lock()
	f.engines = append(f.engines, e)
	n := len(f.engines)
	configure := f.Configure
	f.mu.Unlock()
	if configure != nil {
		configure(n, e)
	}
	return e, nil
}

// Engines созданные движки по порядку
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last последний созданный движок или nil
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}
