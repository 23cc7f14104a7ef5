package phone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/credentials"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/fake"
)

func alwaysFail(_ int, e *fake.Engine) { e.AutoFail = true }

func TestConnect_Registers(t *testing.T) {
	f := newFixture(t)
	e := f.connect()

	require.NotNil(t, e)
	assert.True(t, e.Started())
	assert.Equal(t, scenarioCreds, e.Creds)
	assert.Equal(t, 0, f.phone.State().RetryCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.registrations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.connectionState.WithLabelValues("Registered")))
}

func TestConnect_IdempotentWhileConnectingOrRegistered(t *testing.T) {
	f := newFixture(t, withEngines(func(_ int, e *fake.Engine) {}))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitConnection(ConnectionConnecting)
	require.NoError(t, f.phone.Connect(context.Background()))
	f.sync()
	assert.Len(t, f.engines.Engines(), 1)

	f.engines.Last().Emit(signaling.Event{Type: signaling.EventRegistered})
	f.waitConnection(ConnectionRegistered)

	require.NoError(t, f.phone.Connect(context.Background()))
	f.sync()
	assert.Len(t, f.engines.Engines(), 1)
}

// Три отказа дают повторы через 1s, 2s, 3s (t=1000, 3000, 6000), четвертый переводит в Failed
func TestConnect_LinearBackoffScenario(t *testing.T) {
	f := newFixture(t, withEngines(alwaysFail))

	require.NoError(t, f.phone.Connect(context.Background()))

	for k := 1; k <= 3; k++ {
		delay := time.Duration(k) * time.Second
		f.waitTimer(delay)
		f.eventually(func(s Snapshot) bool {
			return s.Connection == ConnectionRetrying && s.RetryCount == k
		}, "retrying")
		f.notice(NoticeRetrying)
		f.clock.Advance(delay)
	}

	f.waitConnection(ConnectionFailed)
	assert.Equal(t, 0, f.phone.State().RetryCount)
	assert.Empty(t, f.clock.Pending())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, f.clock.Scheduled())
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 6, 0, time.UTC), f.clock.Now())

	n := f.notice(NoticeConnectionFailed)
	assert.ErrorIs(t, n.Err, ErrConnectionFailed)
	assert.True(t, IsUserVisible(n.Err))

	engines := f.engines.Engines()
	require.Len(t, engines, 4)
	require.Eventually(t, func() bool {
		for _, e := range engines {
			if !e.Stopped() {
				return false
			}
		}
		return true
	}, waitTimeout, time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.phone.metrics.retries))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.phone.metrics.registrations.WithLabelValues("failure")))

	// Failed не покидается сам по себе
	f.clock.Advance(time.Minute)
	f.sync()
	assert.Equal(t, ConnectionFailed, f.phone.State().Connection)
	assert.Len(t, f.engines.Engines(), 4)
}

func TestConnect_ExplicitConnectLeavesFailed(t *testing.T) {
	f := newFixture(t, withEngines(func(n int, e *fake.Engine) {
		if n == 1 {
			e.AutoFail = true
			return
		}
		e.AutoRegister = true
	}), withConfig(func(cfg *Config) { cfg.Retry.MaxRetries = 0 }))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitConnection(ConnectionFailed)
	assert.Empty(t, f.clock.Pending())

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitConnection(ConnectionRegistered)
	assert.Len(t, f.engines.Engines(), 2)
}

func TestConnect_RegistrationResetsRetryCount(t *testing.T) {
	f := newFixture(t, withEngines(func(n int, e *fake.Engine) {
		e.AutoFail = n <= 2
		e.AutoRegister = n > 2
	}))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitTimer(time.Second)
	f.clock.Advance(time.Second)
	f.waitTimer(2 * time.Second)
	f.eventually(func(s Snapshot) bool { return s.RetryCount == 2 }, "second retry")
	f.clock.Advance(2 * time.Second)

	f.waitConnection(ConnectionRegistered)
	assert.Equal(t, 0, f.phone.State().RetryCount)
	assert.Empty(t, f.clock.Pending())

	// потеря регистрации снова начинает отсчет с первой попытки
	f.engines.Last().Emit(signaling.Event{Type: signaling.EventRegistrationFailed, StatusCode: 408})
	f.waitConnection(ConnectionRetrying)
	f.waitTimer(time.Second)
	assert.Equal(t, 1, f.phone.State().RetryCount)
}

func TestConnect_InvalidCredentials(t *testing.T) {
	creds := scenarioCreds
	creds.SIPPass = ""
	f := newFixture(t, withProvider(credentials.StaticProvider{Creds: creds}))

	err := f.phone.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, credentials.ErrInvalidCredentials)
	assert.False(t, IsRetryable(err))

	f.waitConnection(ConnectionDisconnected)
	assert.Empty(t, f.engines.Engines())
	assert.Empty(t, f.clock.Pending())
	f.notice(NoticeConfigError)
}

func TestConnect_CredentialSourceFailureIsRetried(t *testing.T) {
	calls := 0
	provider := credentials.ProviderFunc(func(context.Context) (credentials.Credentials, error) {
		calls++
		if calls == 1 {
			return credentials.Credentials{}, credentials.ErrUnavailable
		}
		return scenarioCreds, nil
	})
	f := newFixture(t, withProvider(provider))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitTimer(time.Second)
	assert.Equal(t, ConnectionRetrying, f.phone.State().Connection)
	assert.Empty(t, f.engines.Engines())

	f.clock.Advance(time.Second)
	f.waitConnection(ConnectionRegistered)
	assert.Len(t, f.engines.Engines(), 1)
}

func TestConnect_StartFailureIsRetried(t *testing.T) {
	f := newFixture(t, withEngines(func(n int, e *fake.Engine) {
		if n == 1 {
			e.StartErr = errors.New("dial tcp: connection refused")
			return
		}
		e.AutoRegister = true
	}))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitTimer(time.Second)
	f.clock.Advance(time.Second)
	f.waitConnection(ConnectionRegistered)
	assert.Len(t, f.engines.Engines(), 2)
}

func TestDisconnect_CancelsPendingRetry(t *testing.T) {
	f := newFixture(t, withEngines(alwaysFail))

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitTimer(time.Second)

	require.NoError(t, f.phone.Disconnect(context.Background()))
	assert.Empty(t, f.clock.Pending())
	s := f.phone.State()
	assert.Equal(t, ConnectionDisconnected, s.Connection)
	assert.Equal(t, CallIdle, s.Call)
	assert.Equal(t, 0, s.RetryCount)
	assert.False(t, f.gateway.Held())

	f.clock.Advance(time.Minute)
	f.sync()
	assert.Len(t, f.engines.Engines(), 1)
}

func TestDisconnect_FromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"disconnected", func(f *fixture) {}},
		{"registered", func(f *fixture) { f.connect() }},
		{"in call", func(f *fixture) { f.inCall("100") }},
		{"on hold", func(f *fixture) {
			f.inCall("100")
			require.NoError(f.t, f.phone.ToggleHold(context.Background()))
			f.waitCall(CallOnHold)
		}},
		{"calling", func(f *fixture) {
			f.connect()
			require.NoError(f.t, f.phone.MakeCall(context.Background(), "100"))
		}},
		{"ended", func(f *fixture) {
			f.inCall("100")
			require.NoError(f.t, f.phone.Hangup(context.Background()))
			f.waitCall(CallEnded)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			require.NoError(t, f.phone.Disconnect(context.Background()))

			s := f.phone.State()
			assert.Equal(t, ConnectionDisconnected, s.Connection)
			assert.Equal(t, CallIdle, s.Call)
			assert.Empty(t, s.RemoteNumber)
			assert.False(t, f.gateway.Held())
			assert.Equal(t, f.device.Opens(), f.device.Stops())
			assert.Empty(t, f.clock.Pending())
			if e := f.engines.Last(); e != nil {
				assert.True(t, e.Stopped())
			}
			_ = f.phone.Close(context.Background())
		})
	}
}

func TestNew_SingleInstance(t *testing.T) {
	f := newFixture(t)

	_, err := New(DefaultConfig(), f.provider, f.engines.New, f.gateway)
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, f.phone.Close(context.Background()))
	require.NoError(t, f.phone.Close(context.Background()))
	assert.ErrorIs(t, f.phone.Connect(context.Background()), ErrClosed)

	p, err := New(DefaultConfig(), f.provider, f.engines.New, f.gateway)
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = 0
	_, err := New(cfg, credentials.StaticProvider{}, (&fake.Factory{}).New, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DefaultConfig(), nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
