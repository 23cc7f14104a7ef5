package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// TrackDevice создает локальный WebRTC аудио трек, в который приложение пишет сэмплы
type TrackDevice struct {
	// Authorize запрашивает разрешение на захват. Ошибка означает отказ.
	Authorize func(ctx context.Context) error
	// Codec по умолчанию Opus 48kHz
	Codec    webrtc.RTPCodecCapability
	StreamID string
	// Source пишет сэмплы в трек, пока он не остановлен. nil означает тишину в эфире.
	Source SampleSource
}

// SampleWriter принимает сэмплы локального трека
type SampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// SampleSource источник сэмплов. Должен вернуться после отмены ctx.
type SampleSource func(ctx context.Context, w SampleWriter, codec webrtc.RTPCodecCapability)

// Open реализует Device
func (d *TrackDevice) Open(ctx context.Context) (Stream, error) {
	if d.Authorize != nil {
		if err := d.Authorize(ctx); err != nil {
			return nil, fmt.Errorf("доступ к аудио запрещен: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	codec := d.Codec
	if codec.MimeType == "" {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = "webphone"
	}

	track, err := webrtc.NewTrackLocalStaticSample(codec, "audio-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания трека: %w", err)
	}
	st := newSampleTrack(track)
	if d.Source != nil {
		go d.Source(st.ctx, st, codec)
	}
	return StaticStream{st}, nil
}

// Silence источник тишины: кадр длительностью frame на каждый тик.
// Держит RTP поток живым, пока нет настоящего захвата.
func Silence(frame time.Duration) SampleSource {
	return func(ctx context.Context, w SampleWriter, codec webrtc.RTPCodecCapability) {
		data := silenceFrame(codec, frame)
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.WriteSample(pionmedia.Sample{Data: data, Duration: frame}); err != nil {
					return
				}
			}
		}
	}
}

// silenceFrame кадр тишины для кодека
func silenceFrame(codec webrtc.RTPCodecCapability, frame time.Duration) []byte {
	samples := int(int64(codec.ClockRate) * int64(frame) / int64(time.Second))
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypePCMU):
		return bytes.Repeat([]byte{0xFF}, samples)
	case strings.ToLower(webrtc.MimeTypePCMA):
		return bytes.Repeat([]byte{0xD5}, samples)
	default:
		// Opus: один кадр тишины (RFC 6716 code 0, CELT 20ms)
		return []byte{0xF8, 0xFF, 0xFE}
	}
}

// SampleTrack локальный трек поверх webrtc.TrackLocalStaticSample
type SampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
	// ctx отменяется в Stop и останавливает источник сэмплов
	ctx    context.Context
	cancel context.CancelFunc
}

func newSampleTrack(track *webrtc.TrackLocalStaticSample) *SampleTrack {
	ctx, cancel := context.WithCancel(context.Background())
	return &SampleTrack{track: track, ctx: ctx, cancel: cancel}
}

var _ WebRTCTrack = (*SampleTrack)(nil)

// ID реализует LocalTrack
func (t *SampleTrack) ID() string {
	return t.track.ID()
}

// TrackLocal реализует WebRTCTrack
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal {
	return t.track
}

// WriteSample отправляет сэмпл. После Stop сэмплы отбрасываются.
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if t.stopped.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

// Stop реализует LocalTrack
func (t *SampleTrack) Stop() error {
	t.stopped.Store(true)
	t.cancel()
	return nil
}

// Stopped сообщает, остановлен ли трек
func (t *SampleTrack) Stopped() bool {
	return t.stopped.Load()
}
