package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	samples []pionmedia.Sample
}

func (w *recordingWriter) WriteSample(s pionmedia.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	return nil
}

func (w *recordingWriter) Samples() []pionmedia.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]pionmedia.Sample(nil), w.samples...)
}

func TestSilence_WritesFramesUntilCancelled(t *testing.T) {
	w := &recordingWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	opus := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	go func() {
		defer close(done)
		Silence(5*time.Millisecond)(ctx, w, opus)
	}()

	require.Eventually(t, func() bool { return len(w.Samples()) >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("silence source did not stop")
	}

	s := w.Samples()[0]
	assert.Equal(t, []byte{0xF8, 0xFF, 0xFE}, s.Data)
	assert.Equal(t, 5*time.Millisecond, s.Duration)
}

func TestSilenceFrame_G711(t *testing.T) {
	pcmu := silenceFrame(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000}, 20*time.Millisecond)
	require.Len(t, pcmu, 160)
	assert.Equal(t, byte(0xFF), pcmu[0])

	pcma := silenceFrame(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000}, 20*time.Millisecond)
	require.Len(t, pcma, 160)
	assert.Equal(t, byte(0xD5), pcma[0])
}

func TestTrackDevice_SourceStopsWithTrack(t *testing.T) {
	started := make(chan webrtc.RTPCodecCapability, 1)
	finished := make(chan struct{})
	d := &TrackDevice{Source: func(ctx context.Context, w SampleWriter, codec webrtc.RTPCodecCapability) {
		defer close(finished)
		started <- codec
		<-ctx.Done()
		// после Stop сэмплы отбрасываются без ошибки
		assert.NoError(t, w.WriteSample(pionmedia.Sample{Data: []byte{0}, Duration: time.Millisecond}))
	}}

	stream, err := d.Open(context.Background())
	require.NoError(t, err)
	select {
	case codec := <-started:
		assert.Equal(t, webrtc.MimeTypeOpus, codec.MimeType)
	case <-time.After(time.Second):
		t.Fatal("source not started")
	}

	require.NoError(t, stream.Tracks()[0].Stop())
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("source not stopped")
	}
}
