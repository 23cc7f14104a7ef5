package media

import (
	"context"
	"errors"

	"github.com/pion/rtp"
)

var (
	// ErrMediaUnavailable локальное аудио недоступно: нет устройства или отказано в доступе
	ErrMediaUnavailable = errors.New("media: local audio unavailable")
	// ErrReleased захват отменен вызовом Release
	ErrReleased = errors.New("media: released")
)

// LocalTrack локальный трек захвата
type LocalTrack interface {
	ID() string
	// Stop останавливает захват. Повторный вызов не должен быть ошибкой.
	Stop() error
}

// Stream захваченный локальный поток
type Stream interface {
	Tracks() []LocalTrack
}

// Device источник локального аудио. Open может блокироваться на запросе разрешения.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// DeviceFunc адаптер функции к Device
type DeviceFunc func(ctx context.Context) (Stream, error)

// Open реализует Device
func (f DeviceFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// RemoteTrack входящий аудио трек
type RemoteTrack interface {
	ID() string
	// ReadRTP блокируется до следующего пакета. Ошибка завершает трек.
	ReadRTP() (*rtp.Packet, error)
}

// StaticStream поток из заранее известного набора треков
type StaticStream []LocalTrack

// Tracks реализует Stream
func (s StaticStream) Tracks() []LocalTrack {
	return s
}
