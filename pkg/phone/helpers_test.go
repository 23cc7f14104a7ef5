package phone

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling/fake"
)

// fakeClock ручное время для таймеров повторов и пауз
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	scheduled []time.Duration
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance сдвигает время и запускает наступившие таймеры по порядку
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending задержки активных таймеров
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// Scheduled все когда-либо запланированные задержки
func (c *fakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.scheduled...)
}

type countingTrack struct {
	stops atomic.Int32
}

func (t *countingTrack) ID() string  { return "mic" }
func (t *countingTrack) Stop() error { t.stops.Add(1); return nil }

// testDevice устройство захвата с управляемым отказом
type testDevice struct {
	mu     sync.Mutex
	err    error
	opens  int
	tracks []*countingTrack
}

func (d *testDevice) Open(context.Context) (media.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.err != nil {
		return nil, d.err
	}
	t := &countingTrack{}
	d.tracks = append(d.tracks, t)
	return media.StaticStream{t}, nil
}

func (d *testDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Stops суммарное число остановок треков
func (d *testDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, t := range d.tracks {
		n += int(t.stops.Load())
	}
	return n
}

var scenarioCreds = credentials.Credentials{
	SIPUser:   "6170",
	SIPPass:   "x",
	SIPDomain: "pbx.example",
	WSURI:     "wss://pbx.example/ws",
}

type fixture struct {
	t        *testing.T
	phone    *Phone
	clock    *fakeClock
	engines  *fake.Factory
	device   *testDevice
	gateway  *media.Gateway
	registry *prometheus.Registry
	provider credentials.Provider
}

type fixtureOption func(f *fixture, cfg *Config)

func withProvider(p credentials.Provider) fixtureOption {
	return func(f *fixture, _ *Config) { f.provider = p }
}

func withConfig(change func(cfg *Config)) fixtureOption {
	return func(_ *fixture, cfg *Config) { change(cfg) }
}

func withEngines(configure func(n int, e *fake.Engine)) fixtureOption {
	return func(f *fixture, _ *Config) { f.engines.Configure = configure }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		clock:    newFakeClock(),
		engines:  &fake.Factory{},
		device:   &testDevice{},
		registry: prometheus.NewRegistry(),
		provider: credentials.StaticProvider{Creds: scenarioCreds},
	}
	f.engines.Configure = func(_ int, e *fake.Engine) { e.AutoRegister = true }

	cfg := DefaultConfig()
	cfg.Clock = f.clock
	cfg.Registerer = f.registry
	for _, opt := range opts {
		opt(f, &cfg)
	}

	gw, err := media.NewGateway(media.Config{
		Device:      f.device,
		Negotiators: media.StaticNegotiators("127.0.0.1", 4000),
	})
	require.NoError(t, err)
	f.gateway = gw

	p, err := New(cfg, f.provider, f.engines.New, gw)
	require.NoError(t, err)
	f.phone = p
	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})
	return f
}

const waitTimeout = 2 * time.Second

func (f *fixture) eventually(cond func(s Snapshot) bool, msg string) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return cond(f.phone.State()) }, waitTimeout, time.Millisecond,
		"%s, last state: %s", msg, f.phone.State())
}

func (f *fixture) waitCall(state CallState) {
	f.t.Helper()
	f.eventually(func(s Snapshot) bool { return s.Call == state }, "call state "+state.String())
}

func (f *fixture) waitConnection(state ConnectionState) {
	f.t.Helper()
	f.eventually(func(s Snapshot) bool { return s.Connection == state }, "connection state "+state.String())
}

// waitTimer ждет активный таймер с заданной задержкой
func (f *fixture) waitTimer(d time.Duration) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		for _, p := range f.clock.Pending() {
			if p == d {
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond, "timer %v not scheduled, pending %v", d, f.clock.Pending())
}

// sync дожидается обработки всех уже поставленных в цикл замыканий
func (f *fixture) sync() {
	f.t.Helper()
	require.NoError(f.t, f.phone.do(context.Background(), func() {}))
}

func (f *fixture) connect() *fake.Engine {
	f.t.Helper()
	require.NoError(f.t, f.phone.Connect(context.Background()))
	f.waitConnection(ConnectionRegistered)
	f.waitCall(CallRegistered)
	return f.engines.Last()
}

func (f *fixture) inCall(number string) *fake.Engine {
	f.t.Helper()
	e := f.connect()
	require.NoError(f.t, f.phone.MakeCall(context.Background(), number))
	e.Emit(signalingProgress())
	f.waitCall(CallRinging)
	e.Emit(signalingConfirmed())
	f.waitCall(CallInCall)
	return e
}

func (f *fixture) notice(kind NoticeKind) Notice {
	f.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-f.phone.Notices():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			f.t.Fatalf("notice %s not received", kind)
			return Notice{}
		}
	}
}
