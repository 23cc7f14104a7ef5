// Package media управляет локальным аудио захватом и входящими треками одного вызова.
//
// # Основные компоненты
//
//   - Gateway - захват и освобождение локального потока (MediaHandle), вывод входящих треков
//   - Device - источник локального аудио (микрофон, WebRTC трек, тестовый генератор)
//   - Sink - вывод входящих RTP треков в Player
//   - StaticNegotiator - SDP offer/answer для обычного RTP/AVP аудио
//   - PeerNegotiator - SDP offer/answer через WebRTC PeerConnection
//
// # Жизненный цикл
//
// Поток захватывается лениво при первой попытке вызова и освобождается на любом
// выходе из вызова:
//
//	h, err := gw.Acquire(ctx)
//	if err != nil {
//	    // errors.Is(err, media.ErrMediaUnavailable)
//	}
//	defer gw.Release()
//	callID, err := engine.Invite(ctx, number, h.Negotiator())
package media
