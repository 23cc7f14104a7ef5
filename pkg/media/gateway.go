package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/arzzra/webphone/pkg/signaling"
)

// NegotiatorFactory создает SDP negotiator для захваченного потока.
// onTrack вызывается для каждого входящего трека.
type NegotiatorFactory func(ctx context.Context, stream Stream, onTrack func(RemoteTrack)) (signaling.Negotiator, error)

// OutputFunc открывает поток вывода для входящего аудио
type OutputFunc func() (io.WriteCloser, error)

// Config конфигурация Gateway
type Config struct {
	Device      Device
	Negotiators NegotiatorFactory
	// Output открывается при первом входящем треке. По умолчанию вывод отбрасывается.
	Output OutputFunc
	Logger *slog.Logger
}

// Handle владение захваченным локальным потоком в рамках одного вызова
type Handle struct {
	stream Stream
	neg    signaling.Negotiator
	once   sync.Once
}

// Stream возвращает захваченный поток
func (h *Handle) Stream() Stream {
	return h.stream
}

// Negotiator возвращает negotiator, связанный с потоком
func (h *Handle) Negotiator() signaling.Negotiator {
	return h.neg
}

// release останавливает треки и negotiator ровно один раз
func (h *Handle) release(logger *slog.Logger) {
	h.once.Do(func() {
		if h.neg != nil {
			if err := h.neg.Close(); err != nil {
				logger.Debug("ошибка закрытия negotiator", slog.Any("error", err))
			}
		}
		stopTracks(h.stream, logger)
	})
}

func stopTracks(stream Stream, logger *slog.Logger) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		if err := t.Stop(); err != nil {
			logger.Debug("ошибка остановки трека", slog.String("track", t.ID()), slog.Any("error", err))
		}
	}
}

// Gateway владеет локальным захватом и выводом входящего аудио.
// Безопасен для конкурентного использования.
type Gateway struct {
	device      Device
	negotiators NegotiatorFactory
	output      OutputFunc
	logger      *slog.Logger

	mu     sync.Mutex
	handle *Handle
	gen    uint64
	sink   *Sink
}

// NewGateway создает Gateway
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("media: device is required")
	}
	if cfg.Negotiators == nil {
		return nil, fmt.Errorf("media: negotiator factory is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	output := cfg.Output
	if output == nil {
		output = discardOutput
	}
	return &Gateway{
		device:      cfg.Device,
		negotiators: cfg.Negotiators,
		output:      output,
		logger:      logger.With(slog.String("component", "media")),
	}, nil
}

// Acquire захватывает локальный поток. Пока поток удерживается, возвращает тот же Handle.
// Ошибка устройства оборачивает ErrMediaUnavailable и не повторяется.
// Если во время захвата был вызван Release, поток освобождается и возвращается ErrReleased.
func (g *Gateway) Acquire(ctx context.Context) (*Handle, error) {
	g.mu.Lock()
	if g.handle != nil {
		h := g.handle
		g.mu.Unlock()
		return h, nil
	}
	gen := g.gen
	g.mu.Unlock()

	stream, err := g.device.Open(ctx)
	if err != nil {
		g.logger.Warn("локальное аудио недоступно", slog.Any("error", err))
		return nil, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}

	neg, err := g.negotiators(ctx, stream, g.onRemoteTrack)
	if err != nil {
		stopTracks(stream, g.logger)
		return nil, fmt.Errorf("%w: negotiator: %w", ErrMediaUnavailable, err)
	}
	h := &Handle{stream: stream, neg: neg}

	g.mu.Lock()
	if g.gen != gen {
		g.mu.Unlock()
		h.release(g.logger)
		g.logger.Debug("захват отменен до завершения")
		return nil, ErrReleased
	}
	if g.handle != nil {
		existing := g.handle
		g.mu.Unlock()
		h.release(g.logger)
		return existing, nil
	}
	g.handle = h
	g.mu.Unlock()

	g.logger.Info("локальное аудио захвачено", slog.Int("tracks", len(stream.Tracks())))
	return h, nil
}

// Held сообщает, удерживается ли локальный поток
func (g *Gateway) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handle != nil
}

// Release останавливает все треки захваченного потока и закрывает вывод.
// Отменяет незавершенный Acquire. Повторный вызов безопасен.
func (g *Gateway) Release() {
	g.mu.Lock()
	g.gen++
	h := g.handle
	g.handle = nil
	sink := g.sink
	g.sink = nil
	g.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
	if h != nil {
		h.release(g.logger)
		g.logger.Info("локальное аудио освобождено")
	}
}

// AttachRemoteTrack добавляет входящий трек в вывод, создавая его при первом использовании
func (g *Gateway) AttachRemoteTrack(track RemoteTrack) error {
	g.mu.Lock()
	if g.sink == nil {
		g.sink = NewSink(g.output, g.logger)
	}
	sink := g.sink
	g.mu.Unlock()

	return sink.Attach(track)
}

// onRemoteTrack передается в NegotiatorFactory
func (g *Gateway) onRemoteTrack(track RemoteTrack) {
	if err := g.AttachRemoteTrack(track); err != nil {
		g.logger.Debug("входящий трек не подключен", slog.String("track", track.ID()), slog.Any("error", err))
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func discardOutput() (io.WriteCloser, error) {
	return nopWriteCloser{io.Discard}, nil
}
