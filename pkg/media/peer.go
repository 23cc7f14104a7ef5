package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/arzzra/webphone/pkg/signaling"
)

// WebRTCTrack локальный трек, который можно добавить в PeerConnection
type WebRTCTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// PeerNegotiator ведет SDP offer/answer через WebRTC PeerConnection
type PeerNegotiator struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu    sync.Mutex
	local string
	once  sync.Once
}

var _ signaling.Negotiator = (*PeerNegotiator)(nil)

// DefaultWebRTCConfig конфигурация PeerConnection без ICE серверов
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{}
}

// NewPeerNegotiator создает PeerConnection с локальными треками потока.
// Входящие треки передаются в onTrack.
func NewPeerNegotiator(cfg webrtc.Configuration, stream Stream, onTrack func(RemoteTrack), logger *slog.Logger) (*PeerNegotiator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания PeerConnection: %w", err)
	}
	n := &PeerNegotiator{pc: pc, logger: logger.With(slog.String("component", "webrtc"))}

	added := 0
	if stream != nil {
		for _, t := range stream.Tracks() {
			wt, ok := t.(WebRTCTrack)
			if !ok {
				continue
			}
			if _, err := pc.AddTrack(wt.TrackLocal()); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("ошибка добавления трека %s: %w", t.ID(), err)
			}
			added++
		}
	}
	if added == 0 {
		// без локальных треков аудио только принимаем
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("ошибка создания transceiver: %w", err)
		}
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		n.logger.Info("входящий трек",
			slog.String("kind", track.Kind().String()),
			slog.String("track_id", track.ID()))
		if track.Kind() == webrtc.RTPCodecTypeAudio && onTrack != nil {
			onTrack(remoteTrack{track})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		n.logger.Debug("состояние PeerConnection", slog.String("state", s.String()))
	})

	return n, nil
}

// PeerNegotiators фабрика PeerNegotiator для Gateway
func PeerNegotiators(cfg webrtc.Configuration, logger *slog.Logger) NegotiatorFactory {
	return func(_ context.Context, stream Stream, onTrack func(RemoteTrack)) (signaling.Negotiator, error) {
		return NewPeerNegotiator(cfg, stream, onTrack, logger)
	}
}

// CreateOffer создает offer и ждет завершения сбора ICE кандидатов
func (n *PeerNegotiator) CreateOffer(ctx context.Context) (string, error) {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("ошибка создания offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("ошибка установки локального описания: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	local := n.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("нет локального описания")
	}
	n.mu.Lock()
	n.local = local.SDP
	n.mu.Unlock()
	return local.SDP, nil
}

// SetAnswer применяет answer. Answer на re-INVITE только проверяется: PeerConnection уже стабилен.
func (n *PeerNegotiator) SetAnswer(answer string) error {
	if n.pc.SignalingState() == webrtc.SignalingStateStable {
		_, err := parseAnswer(answer)
		return err
	}
	if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("ошибка установки удаленного описания: %w", err)
	}
	return nil
}

// HoldOffer переписывает направление аудио в последнем локальном описании
func (n *PeerNegotiator) HoldOffer(hold bool) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == "" {
		return "", fmt.Errorf("нет локального описания")
	}
	offer, err := RewriteDirection(n.local, holdDirection(hold))
	if err != nil {
		return "", err
	}
	n.local = offer
	return offer, nil
}

// LocalDescription реализует signaling.Negotiator
func (n *PeerNegotiator) LocalDescription() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.local
}

// Close закрывает PeerConnection
func (n *PeerNegotiator) Close() error {
	var err error
	n.once.Do(func() {
		err = n.pc.Close()
	})
	return err
}

// remoteTrack адаптер webrtc.TrackRemote к RemoteTrack
type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t remoteTrack) ID() string {
	return t.track.ID()
}

func (t remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}
