package media

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// ErrSinkClosed вывод уже закрыт
var ErrSinkClosed = errors.New("media: sink closed")

// Sink выводит полезную нагрузку RTP пакетов входящих треков в общий поток.
// Поток открывается при первом Attach.
type Sink struct {
	open   OutputFunc
	logger *slog.Logger

	mu     sync.Mutex
	out    io.WriteCloser
	tracks map[string]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSink создает вывод поверх OutputFunc
func NewSink(open OutputFunc, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		open:   open,
		logger: logger,
		tracks: make(map[string]struct{}),
	}
}

// Attach запускает перекачку пакетов трека. Повторное добавление трека игнорируется.
func (s *Sink) Attach(track RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	if _, ok := s.tracks[track.ID()]; ok {
		return nil
	}
	if s.out == nil {
		out, err := s.open()
		if err != nil {
			return err
		}
		s.out = out
	}
	s.tracks[track.ID()] = struct{}{}

	s.wg.Add(1)
	go s.pump(track)

	s.logger.Debug("входящий трек подключен", slog.String("track", track.ID()))
	return nil
}

// Tracks возвращает число подключенных треков
func (s *Sink) Tracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *Sink) pump(track RemoteTrack) {
	defer s.wg.Done()
	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("чтение трека завершено", slog.String("track", track.ID()), slog.Any("error", err))
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		_, err = s.out.Write(pkt.Payload)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("ошибка вывода аудио", slog.Any("error", err))
			return
		}
	}
}

// Close закрывает вывод. Треки, заблокированные в ReadRTP, завершатся при следующем пакете.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	out := s.out
	s.mu.Unlock()

	if out != nil {
		if err := out.Close(); err != nil {
			s.logger.Debug("ошибка закрытия вывода", slog.Any("error", err))
		}
	}
}

// Wait ждет завершения всех перекачек
func (s *Sink) Wait() {
	s.wg.Wait()
}
