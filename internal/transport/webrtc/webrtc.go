// Package webrtc carries links over a WebRTC data channel using pion.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/transport"
)

// ChannelLabel names the single ordered channel each session opens.
const ChannelLabel = "items"

type Transport struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(iceServers []string, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Transport{api: webrtc.NewAPI(), config: cfg, log: log}
}

func (t *Transport) Name() string { return "webrtc" }

func (t *Transport) NewLink(ev transport.Events) (transport.Link, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	l := &link{pc: pc, ev: ev, log: t.log, gathered: make(chan struct{})}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateFailed:
			l.finish(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			l.finish(nil)
		}
	})
	return l, nil
}

// Close is a no-op; each link owns its peer connection.
func (t *Transport) Close() error { return nil }

type link struct {
	pc       *webrtc.PeerConnection
	ev       transport.Events
	log      *zap.Logger
	gathered chan struct{}

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	closed    bool
	closeOnce sync.Once
}

func (l *link) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	dc.OnOpen(l.ev.FireOpen)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { l.ev.FireMessage(msg.Data) })
	dc.OnClose(func() { l.finish(nil) })
}

func (l *link) watchGathering() {
	done := webrtc.GatheringCompletePromise(l.pc)
	go func() {
		<-done
		close(l.gathered)
	}()
}

func (l *link) CreateOffer(context.Context) error {
	ordered := true
	dc, err := l.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	l.attach(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	l.watchGathering()
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (l *link) AcceptOffer(_ context.Context, offer transport.SessionDescription) error {
	if offer.Type != transport.TypeOffer {
		return fmt.Errorf("expected offer, got %q", offer.Type)
	}
	l.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			l.log.Debug("ignoring unexpected data channel", zap.String("label", dc.Label()))
			return
		}
		l.attach(dc)
	})
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	l.watchGathering()
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return nil
}

func (l *link) ApplyAnswer(_ context.Context, answer transport.SessionDescription) error {
	if answer.Type != transport.TypeAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (l *link) GatheringComplete() <-chan struct{} { return l.gathered }

// LocalDescription returns whatever candidates have been gathered so far.
func (l *link) LocalDescription() (transport.SessionDescription, bool) {
	desc := l.pc.LocalDescription()
	if desc == nil {
		return transport.SessionDescription{}, false
	}
	return transport.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, true
}

func (l *link) Send(data []byte) error {
	l.mu.Lock()
	dc, closed := l.dc, l.closed
	l.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errors.New("data channel not open")
	}
	return dc.Send(data)
}

func (l *link) Close() error {
	l.finish(nil)
	return nil
}

func (l *link) finish(cause error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		go func() {
			if err := l.pc.Close(); err != nil {
				l.log.Debug("close peer connection", zap.Error(err))
			}
		}()
		l.ev.FireClose(cause)
	})
}
