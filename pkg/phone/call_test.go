package phone

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webphone/pkg/media"
	"github.com/arzzra/webphone/pkg/signaling"
	"github.com/arzzra/webphone/pkg/signaling/fake"
)

func signalingProgress() signaling.Event {
	return signaling.Event{Type: signaling.EventCallProgress, StatusCode: 180, Reason: "Ringing"}
}

func signalingConfirmed() signaling.Event {
	return signaling.Event{Type: signaling.EventCallConfirmed, StatusCode: 200, Reason: "OK"}
}

func TestMakeCall_RejectedWhenNotRegistered(t *testing.T) {
	f := newFixture(t, withEngines(alwaysFail))

	err := f.phone.MakeCall(context.Background(), "100")
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, f.phone.Connect(context.Background()))
	f.waitConnection(ConnectionRetrying)
	err = f.phone.MakeCall(context.Background(), "100")
	assert.ErrorIs(t, err, ErrNotRegistered)

	assert.Equal(t, 0, f.device.Opens())
	for _, e := range f.engines.Engines() {
		assert.Empty(t, e.Invites())
	}
	s := f.phone.State()
	assert.Equal(t, CallRegistering, s.Call)
	assert.Empty(t, s.RemoteNumber)
}

func TestMakeCall_InvalidNumber(t *testing.T) {
	f := newFixture(t)
	f.connect()

	assert.ErrorIs(t, f.phone.MakeCall(context.Background(), "  "), ErrInvalidNumber)
	assert.Equal(t, 0, f.device.Opens())
	assert.Equal(t, CallRegistered, f.phone.State().Call)
}

func TestMakeCall_Success(t *testing.T) {
	f := newFixture(t)
	e := f.connect()

	require.NoError(t, f.phone.MakeCall(context.Background(), " 56912345678 "))

	s := f.phone.State()
	assert.Equal(t, CallCalling, s.Call)
	assert.Equal(t, "56912345678", s.RemoteNumber)
	assert.Equal(t, []string{"56912345678"}, e.Invites())
	require.Len(t, e.Offers(), 1)
	assert.Contains(t, e.Offers()[0], "m=audio 4000 RTP/AVP 0 8")
	assert.True(t, f.gateway.Held())

	assert.ErrorIs(t, f.phone.MakeCall(context.Background(), "200"), ErrCallInProgress)
	assert.Equal(t, 1, f.device.Opens())
}

// Зарегистрирован -> вызов -> отказ в доступе к аудио -> Failed -> после паузы снова Registered
func TestMakeCall_MediaDeniedScenario(t *testing.T) {
	f := newFixture(t)
	f.device.err = errors.New("NotAllowedError: permission denied")
	e := f.connect()

	err := f.phone.MakeCall(context.Background(), "56912345678")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.ErrorIs(t, err, media.ErrMediaUnavailable)
	assert.Equal(t, ErrorCategoryMedia, Category(err))

	f.waitCall(CallFailed)
	assert.False(t, f.gateway.Held())
	assert.Empty(t, e.Invites())
	assert.Equal(t, ConnectionRegistered, f.phone.State().Connection)
	assert.Equal(t, 1, f.device.Opens())

	n := f.notice(NoticeCallFailed)
	assert.ErrorIs(t, n.Err, ErrMediaUnavailable)

	f.waitTimer(3 * time.Second)
	f.clock.Advance(3 * time.Second)
	f.waitCall(CallRegistered)
	assert.Equal(t, ConnectionRegistered, f.phone.State().Connection)
	assert.Empty(t, f.phone.State().RemoteNumber)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.mediaFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.calls.WithLabelValues(outcomeFailed)))

	// медиа не запрашивается повторно автоматически
	assert.Equal(t, 1, f.device.Opens())
}

func TestMakeCall_InviteFailure(t *testing.T) {
	f := newFixture(t, withEngines(func(_ int, e *fake.Engine) {
		e.AutoRegister = true
		e.InviteErr = signaling.ErrNotRegistered
	}))
	f.connect()

	err := f.phone.MakeCall(context.Background(), "100")
	assert.ErrorIs(t, err, ErrCallFailed)
	assert.ErrorIs(t, err, signaling.ErrNotRegistered)
	f.waitCall(CallFailed)
	assert.False(t, f.gateway.Held())
	assert.Equal(t, 1, f.device.Stops())
}

// InCall -> удержание -> возобновление -> удержание -> отбой -> Ended -> пауза -> ожидание
func TestCall_HoldAndHangupScenario(t *testing.T) {
	f := newFixture(t)
	e := f.inCall("56912345678")

	require.NoError(t, f.phone.ToggleHold(context.Background()))
	assert.Equal(t, CallOnHold, f.phone.State().Call)
	require.NoError(t, f.phone.ToggleHold(context.Background()))
	assert.Equal(t, CallInCall, f.phone.State().Call)
	require.NoError(t, f.phone.ToggleHold(context.Background()))
	assert.Equal(t, CallOnHold, f.phone.State().Call)

	require.Eventually(t, func() bool {
		hold, resume := e.Holds()
		return hold == 2 && resume == 1
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, []string{"hold", "resume", "hold"}, e.Commands())

	require.NoError(t, f.phone.Hangup(context.Background()))
	assert.Equal(t, CallEnded, f.phone.State().Call)
	require.Eventually(t, func() bool { return e.Terminations() == 1 }, waitTimeout, time.Millisecond)
	assert.False(t, f.gateway.Held())
	assert.Equal(t, 1, f.device.Stops())

	f.waitTimer(2 * time.Second)
	f.clock.Advance(2 * time.Second)
	f.eventually(func(s Snapshot) bool { return s.Call.IsIdle() }, "idle after cooldown")
	assert.Equal(t, 1, f.device.Stops(), "media released exactly once")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.calls.WithLabelValues(outcomeAnswered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.phone.metrics.calls.WithLabelValues(outcomeEnded)))
}

func TestToggleHold_NoopOutsideCall(t *testing.T) {
	f := newFixture(t)

	check := func(state CallState) {
		t.Helper()
		require.NoError(t, f.phone.ToggleHold(context.Background()))
		assert.Equal(t, state, f.phone.State().Call)
	}

	check(CallIdle)
	e := f.connect()
	check(CallRegistered)

	require.NoError(t, f.phone.MakeCall(context.Background(), "100"))
	check(CallCalling)

	e.Emit(signalingProgress())
	f.waitCall(CallRinging)
	check(CallRinging)

	e.Emit(signaling.Event{Type: signaling.EventCallFailed, StatusCode: 486, Reason: "Busy Here"})
	f.waitCall(CallFailed)
	check(CallFailed)

	f.clock.Advance(3 * time.Second)
	f.waitCall(CallRegistered)
	e = f.inCallOn(e, "200")
	require.NoError(t, f.phone.Hangup(context.Background()))
	check(CallEnded)

	hold, resume := e.Holds()
	assert.Zero(t, hold)
	assert.Zero(t, resume)
}

func TestToggleHold_SlowEngineKeepsOrder(t *testing.T) {
	f := newFixture(t, withEngines(func(_ int, e *fake.Engine) {
		e.AutoRegister = true
		e.HoldDelay = 30 * time.Millisecond
	}))
	e := f.inCall("100")

	require.NoError(t, f.phone.ToggleHold(context.Background()))
	require.NoError(t, f.phone.ToggleHold(context.Background()))
	assert.Equal(t, CallInCall, f.phone.State().Call)

	require.Eventually(t, func() bool { return len(e.Commands()) == 2 }, waitTimeout, time.Millisecond)
	assert.Equal(t, []string{"hold", "resume"}, e.Commands())
	assert.Equal(t, CallInCall, f.phone.State().Call)
}

func TestToggleHold_PendingDroppedOnHangup(t *testing.T) {
	f := newFixture(t, withEngines(func(_ int, e *fake.Engine) {
		e.AutoRegister = true
		e.HoldDelay = time.Hour
	}))
	e := f.inCall("100")

	require.NoError(t, f.phone.ToggleHold(context.Background()))
	require.NoError(t, f.phone.ToggleHold(context.Background()))
	require.NoError(t, f.phone.Hangup(context.Background()))
	require.Eventually(t, func() bool { return e.Terminations() == 1 }, waitTimeout, time.Millisecond)

	// re-INVITE прерван вместе с вызовом, очередь не выполняется
	f.sync()
	assert.Empty(t, e.Commands())
}

func TestHangup_WhileInviteInFlight(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f := newFixture(t, withEngines(func(_ int, e *fake.Engine) {
		e.AutoRegister = true
		e.InviteHook = func(target string) {
			if target == "111" {
				entered <- struct{}{}
				<-release
			}
		}
	}))
	e := f.connect()

	first := make(chan error, 1)
	go func() { first <- f.phone.MakeCall(context.Background(), "111") }()
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("INVITE not started")
	}
	assert.Equal(t, CallCalling, f.phone.State().Call)

	require.NoError(t, f.phone.Hangup(context.Background()))
	assert.Equal(t, CallEnded, f.phone.State().Call)
	select {
	case err := <-first:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("first MakeCall not resolved")
	}

	second := make(chan error, 1)
	go func() { second <- f.phone.MakeCall(context.Background(), "222") }()
	f.eventually(func(s Snapshot) bool {
		return s.Call == CallCalling && s.RemoteNumber == "222"
	}, "second call started")

	close(release)
	select {
	case err := <-second:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("second MakeCall not resolved")
	}

	// брошенный INVITE завершен до отправки следующего и по своему Call-ID
	assert.Equal(t, []string{"111", "222"}, e.Invites())
	assert.Equal(t, []string{"call-1"}, e.Terminated())

	snap := f.phone.State()
	assert.Equal(t, CallCalling, snap.Call)
	assert.Equal(t, "222", snap.RemoteNumber)
	assert.True(t, f.gateway.Held())

	require.NoError(t, f.phone.Hangup(context.Background()))
	require.Eventually(t, func() bool {
		return len(e.Terminated()) == 2
	}, waitTimeout, time.Millisecond)
	assert.Equal(t, []string{"call-1", "call-2"}, e.Terminated())
}

func TestHangup_NoopWithoutCall(t *testing.T) {
	f := newFixture(t)
	e := f.connect()

	require.NoError(t, f.phone.Hangup(context.Background()))
	f.sync()
	assert.Equal(t, CallRegistered, f.phone.State().Call)
	assert.Zero(t, e.Terminations())
	assert.Empty(t, f.clock.Pending())
}

func TestHangup_WhileRinging(t *testing.T) {
	f := newFixture(t)
	e := f.connect()
	require.NoError(t, f.phone.MakeCall(context.Background(), "100"))
	e.Emit(signalingProgress())
	f.waitCall(CallRinging)

	require.NoError(t, f.phone.Hangup(context.Background()))
	assert.Equal(t, CallEnded, f.phone.State().Call)
	require.Eventually(t, func() bool { return e.Terminations() == 1 }, waitTimeout, time.Millisecond)
	assert.False(t, f.gateway.Held())

	// поздние события завершенного вызова игнорируются
	e.Emit(signalingConfirmed())
	f.sync()
	f.sync()
	assert.Equal(t, CallEnded, f.phone.State().Call)
}

func TestCall_RemoteHangup(t *testing.T) {
	f := newFixture(t)
	e := f.inCall("100")

	e.Emit(signaling.Event{Type: signaling.EventCallEnded, Reason: "remote hangup"})
	f.waitCall(CallEnded)
	assert.False(t, f.gateway.Held())
	assert.Zero(t, e.Terminations())

	f.waitTimer(2 * time.Second)
	f.clock.Advance(2 * time.Second)
	f.waitCall(CallRegistered)
}

func TestCall_Rejected(t *testing.T) {
	f := newFixture(t)
	e := f.connect()
	require.NoError(t, f.phone.MakeCall(context.Background(), "100"))

	e.Emit(signaling.Event{
		Type:       signaling.EventCallFailed,
		StatusCode: 486,
		Reason:     "Busy Here",
		Err:        &signaling.StatusError{Method: "INVITE", StatusCode: 486, Reason: "Busy Here"},
	})
	f.waitCall(CallFailed)
	assert.False(t, f.gateway.Held())
	assert.Equal(t, ConnectionRegistered, f.phone.State().Connection)

	n := f.notice(NoticeCallFailed)
	var se *signaling.StatusError
	require.ErrorAs(t, n.Err, &se)
	assert.Equal(t, 486, se.StatusCode)

	// новый вызов можно начать, не дожидаясь паузы
	require.NoError(t, f.phone.MakeCall(context.Background(), "200"))
	assert.Equal(t, CallCalling, f.phone.State().Call)
	assert.Equal(t, "200", f.phone.State().RemoteNumber)

	// таймер прошлого вызова не сбрасывает новый
	f.clock.Advance(3 * time.Second)
	f.sync()
	assert.Equal(t, CallCalling, f.phone.State().Call)
}

func TestCall_RegistrationLostDuringCall(t *testing.T) {
	f := newFixture(t)
	e := f.inCall("100")

	e.Emit(signaling.Event{Type: signaling.EventTransportDisconnected})
	e.Emit(signaling.Event{Type: signaling.EventRegistrationFailed, Err: signaling.ErrTransportClosed})

	f.waitCall(CallFailed)
	f.waitConnection(ConnectionRetrying)
	assert.False(t, f.gateway.Held())

	n := f.notice(NoticeCallFailed)
	assert.ErrorIs(t, n.Err, ErrConnectionLost)

	f.waitTimer(3 * time.Second)
	f.clock.Advance(time.Second)
	f.waitConnection(ConnectionRegistered)
	f.clock.Advance(2 * time.Second)
	f.waitCall(CallRegistered)
}

func TestSubscribe_ReceivesTransitions(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.phone.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, ConnectionDisconnected, first.Connection)

	f.connect()
	ctx, stop := context.WithTimeout(context.Background(), waitTimeout)
	defer stop()
	snap, err := f.phone.WaitFor(ctx, func(s Snapshot) bool { return s.Call == CallRegistered })
	require.NoError(t, err)
	assert.Equal(t, ConnectionRegistered, snap.Connection)

	seen := false
	for !seen {
		select {
		case s := <-ch:
			seen = s.Connection == ConnectionRegistered
		case <-time.After(waitTimeout):
			t.Fatal("registered snapshot not delivered")
		}
	}
}

// inCallOn доводит новый вызов на уже зарегистрированном движке до InCall
func (f *fixture) inCallOn(e *fake.Engine, number string) *fake.Engine {
	f.t.Helper()
	require.NoError(f.t, f.phone.MakeCall(context.Background(), number))
	e.Emit(signalingConfirmed())
	f.waitCall(CallInCall)
	return e
}
