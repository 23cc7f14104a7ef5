package media

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/webphone/pkg/signaling"
)

// Направления медиа (RFC 3264)
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// Codec аудио кодек для статического offer
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

// DefaultCodecs G.711 μ-law и A-law
var DefaultCodecs = []Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
}

// StaticNegotiator строит offer для RTP/AVP аудио на фиксированном адресе и порту
type StaticNegotiator struct {
	addr   string
	port   int
	codecs []Codec

	mu      sync.Mutex
	local   *sdp.SessionDescription
	remote  *sdp.SessionDescription
	version uint64
	closed  bool
}

var _ signaling.Negotiator = (*StaticNegotiator)(nil)

// NewStaticNegotiator создает negotiator. Пустой список кодеков означает DefaultCodecs.
func NewStaticNegotiator(addr string, port int, codecs ...Codec) *StaticNegotiator {
	if len(codecs) == 0 {
		codecs = DefaultCodecs
	}
	return &StaticNegotiator{addr: addr, port: port, codecs: codecs}
}

// StaticNegotiators фабрика StaticNegotiator для Gateway
func StaticNegotiators(addr string, port int, codecs ...Codec) NegotiatorFactory {
	return func(context.Context, Stream, func(RemoteTrack)) (signaling.Negotiator, error) {
		return NewStaticNegotiator(addr, port, codecs...), nil
	}
}

// CreateOffer реализует signaling.Negotiator
func (n *StaticNegotiator) CreateOffer(context.Context) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return "", fmt.Errorf("negotiator closed")
	}

	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return "", fmt.Errorf("ошибка создания базового SDP: %w", err)
	}
	n.version = desc.Origin.SessionVersion

	desc.Origin.UnicastAddress = n.addr
	desc.ConnectionInformation = &sdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: addressType(n.addr),
		Address:     &sdp.Address{Address: n.addr},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: n.port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range n.codecs {
		audio = audio.WithCodec(c.PayloadType, c.Name, c.ClockRate, 0, "")
	}
	audio = audio.WithPropertyAttribute(DirectionSendRecv)

	n.local = desc.WithMedia(audio)
	return marshal(n.local)
}

// SetAnswer реализует signaling.Negotiator
func (n *StaticNegotiator) SetAnswer(answer string) error {
	desc, err := parseAnswer(answer)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.remote = desc
	n.mu.Unlock()
	return nil
}

// Remote возвращает последний принятый answer
func (n *StaticNegotiator) Remote() *sdp.SessionDescription {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.remote
}

// HoldOffer реализует signaling.Negotiator
func (n *StaticNegotiator) HoldOffer(hold bool) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == nil {
		return "", fmt.Errorf("нет локального описания")
	}
	n.version++
	n.local.Origin.SessionVersion = n.version
	setDirection(n.local, holdDirection(hold))
	return marshal(n.local)
}

// LocalDescription реализует signaling.Negotiator
func (n *StaticNegotiator) LocalDescription() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.local == nil {
		return ""
	}
	s, err := marshal(n.local)
	if err != nil {
		return ""
	}
	return s
}

// Close реализует signaling.Negotiator
func (n *StaticNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func holdDirection(hold bool) string {
	if hold {
		return DirectionSendOnly
	}
	return DirectionSendRecv
}

func isDirection(key string) bool {
	switch key {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return true
	}
	return false
}

// setDirection заменяет атрибут направления у всех аудио описаний
func setDirection(desc *sdp.SessionDescription, direction string) {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		attrs := m.Attributes[:0]
		for _, a := range m.Attributes {
			if !isDirection(a.Key) {
				attrs = append(attrs, a)
			}
		}
		m.Attributes = append(attrs, sdp.NewPropertyAttribute(direction))
	}
}

// Direction возвращает направление первого аудио описания (sendrecv по умолчанию)
func Direction(desc *sdp.SessionDescription) string {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, a := range m.Attributes {
			if isDirection(a.Key) {
				return a.Key
			}
		}
		break
	}
	for _, a := range desc.Attributes {
		if isDirection(a.Key) {
			return a.Key
		}
	}
	return DirectionSendRecv
}

// RewriteDirection меняет направление аудио в SDP тексте
func RewriteDirection(raw, direction string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return "", fmt.Errorf("ошибка парсинга SDP: %w", err)
	}
	desc.Origin.SessionVersion++
	setDirection(&desc, direction)
	return marshal(&desc)
}

func parseAnswer(answer string) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(answer); err != nil {
		return nil, fmt.Errorf("ошибка парсинга SDP answer: %w", err)
	}
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" && m.MediaName.Port.Value != 0 {
			return &desc, nil
		}
	}
	return nil, fmt.Errorf("аудио медиа не найдено в answer")
}

func marshal(desc *sdp.SessionDescription) (string, error) {
	b, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации SDP: %w", err)
	}
	return string(b), nil
}

func addressType(addr string) string {
	if strings.Contains(addr, ":") {
		return "IP6"
	}
	return "IP4"
}
