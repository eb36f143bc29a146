// Package negotiator drives sessions from an exchanged offer and answer to
// an open channel. Session state lives on the event loop; the blocking parts
// of a handshake (offer creation, candidate gathering, rendezvous I/O) run
// on the caller's goroutine and report back through the loop.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bit2swaz/meshsync/internal/apperr"
	"github.com/bit2swaz/meshsync/internal/core"
	"github.com/bit2swaz/meshsync/internal/loop"
	"github.com/bit2swaz/meshsync/internal/protocol"
	"github.com/bit2swaz/meshsync/internal/rendezvous"
	"github.com/bit2swaz/meshsync/internal/transport"
)

type Config struct {
	Compress           bool
	GatherTimeout      time.Duration
	ConnectTimeout     time.Duration
	AnswerPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 4 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.AnswerPollInterval <= 0 {
		c.AnswerPollInterval = time.Second
	}
	return c
}

// Hooks run on the event loop.
type Hooks struct {
	OnOpen    func(s *Session)
	OnMessage func(s *Session, data []byte)
	OnClose   func(s *Session, err error)
}

type Observer interface {
	SessionOpened(role Role)
	SessionEnded(role Role, outcome State, wasOpen bool)
	RendezvousLookup(kind rendezvous.Kind, found bool)
}

type Negotiator struct {
	loop   *loop.Loop
	tr     transport.Transport
	rdv    rendezvous.Store
	self   core.Identity
	cfg    Config
	hooks  Hooks
	obs    Observer
	log    *zap.Logger
	reg    *Registry
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Negotiator)

func WithObserver(o Observer) Option { return func(n *Negotiator) { n.obs = o } }

func WithLogger(l *zap.Logger) Option { return func(n *Negotiator) { n.log = l } }

func New(lp *loop.Loop, tr transport.Transport, rdv rendezvous.Store, self core.Identity, cfg Config, hooks Hooks, opts ...Option) *Negotiator {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Negotiator{
		loop:   lp,
		tr:     tr,
		rdv:    rdv,
		self:   self,
		cfg:    cfg.withDefaults(),
		hooks:  hooks,
		log:    zap.NewNop(),
		reg:    NewRegistry(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Registry is only safe to use on the event loop.
func (n *Negotiator) Registry() *Registry { return n.reg }

// Offer is the result of hosting.
type Offer struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code,omitempty"`
	Blob      string `json:"blob"`
}

// Answer is the result of joining.
type Answer struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code,omitempty"`
	Blob      string `json:"blob"`
	// Deposited reports that the answer went to the rendezvous store and the
	// host will pick it up without a paste.
	Deposited bool `json:"deposited"`
}

// Host creates a host session and publishes its offer. Unless manual is
// set, the offer is stored under a short code and answers deposited for
// that code are applied as they arrive.
func (n *Negotiator) Host(ctx context.Context, manual bool) (Offer, error) {
	s, err := n.newSession(ctx, RoleHost)
	if err != nil {
		return Offer{}, err
	}

	if err := s.link.CreateOffer(ctx); err != nil {
		return Offer{}, n.failAndWrap(ctx, s, apperr.KindTransport, "create offer", err)
	}
	if err := n.transition(ctx, s, StateOffering); err != nil {
		return Offer{}, err
	}
	if err := n.transition(ctx, s, StateGathering); err != nil {
		return Offer{}, err
	}
	desc, err := n.gather(ctx, s)
	if err != nil {
		return Offer{}, err
	}

	blob, err := rendezvous.Encode(rendezvous.Payload{SDP: desc, HostID: n.self.NodeID, AutoConnect: !manual}, n.cfg.Compress)
	if err != nil {
		return Offer{}, n.failAndWrap(ctx, s, apperr.KindNegotiation, "encode offer", err)
	}
	offer := Offer{SessionID: s.ID, Blob: blob}
	if manual {
		return offer, nil
	}

	code, err := n.rdv.Put(ctx, rendezvous.KindOffer, blob)
	if err != nil {
		n.log.Warn("Could not publish offer, falling back to manual exchange", zap.String("session", s.ID), zap.Error(err))
		return offer, nil
	}
	offer.Code = code
	if err := n.loop.Do(ctx, func() { s.Code = code }); err != nil {
		return Offer{}, err
	}
	n.log.Info("Offer published", zap.String("session", s.ID), zap.String("code", code))

	n.wg.Add(1)
	go n.pollAnswers(code)
	return offer, nil
}

// Join consumes an offer, given either as a code or as a full encoded blob,
// and produces the answer.
func (n *Negotiator) Join(ctx context.Context, input string) (Answer, error) {
	code := ""
	blob := input
	if rendezvous.IsCode(input) {
		code = rendezvous.NormalizeCode(input)
		payload, found, err := n.rdv.Get(ctx, code, rendezvous.KindOffer)
		n.lookup(rendezvous.KindOffer, found)
		if err != nil {
			return Answer{}, fmt.Errorf("look up offer %s: %w", code, err)
		}
		if !found {
			return Answer{}, apperr.New(apperr.KindRendezvousMiss, "join", "offer "+code+" not found or expired")
		}
		blob = payload
	}

	offer, err := rendezvous.Decode(blob)
	if err != nil {
		return Answer{}, err
	}
	if offer.SDP.Type != transport.TypeOffer {
		return Answer{}, apperr.New(apperr.KindValidation, "join", "expected an offer, got an "+offer.SDP.Type)
	}
	if offer.HostID != "" && offer.HostID == n.self.NodeID {
		return Answer{}, apperr.New(apperr.KindValidation, "join", "this offer was created by this node")
	}

	var dup bool
	if err := n.loop.Do(ctx, func() { dup = n.reg.ConnectedTo(offer.HostID) }); err != nil {
		return Answer{}, err
	}
	if dup {
		return Answer{}, apperr.New(apperr.KindAlreadyConnected, "join", "already connected to "+offer.HostID)
	}

	s, err := n.newSession(ctx, RoleJoiner)
	if err != nil {
		return Answer{}, err
	}
	if err := n.loop.Do(ctx, func() {
		s.Code = code
		s.RemoteID = offer.HostID
	}); err != nil {
		return Answer{}, err
	}

	if err := s.link.AcceptOffer(ctx, offer.SDP); err != nil {
		return Answer{}, n.failAndWrap(ctx, s, apperr.KindTransport, "accept offer", err)
	}
	if err := n.markRemoteSet(ctx, s); err != nil {
		return Answer{}, err
	}
	if err := n.transition(ctx, s, StateGathering); err != nil {
		return Answer{}, err
	}
	desc, err := n.gather(ctx, s)
	if err != nil {
		return Answer{}, err
	}

	answerBlob, err := rendezvous.Encode(rendezvous.Payload{SDP: desc}, n.cfg.Compress)
	if err != nil {
		return Answer{}, n.failAndWrap(ctx, s, apperr.KindNegotiation, "encode answer", err)
	}
	ans := Answer{SessionID: s.ID, Code: code, Blob: answerBlob}
	if code != "" && offer.AutoConnect {
		if err := n.rdv.PutFor(ctx, code, rendezvous.KindAnswer, answerBlob); err != nil {
			if apperr.IsRendezvousMiss(err) {
				return Answer{}, n.failAndWrap(ctx, s, apperr.KindRendezvousMiss, "deposit answer", err)
			}
			n.log.Warn("Could not deposit answer, returning it for manual exchange", zap.String("code", code), zap.Error(err))
		} else {
			ans.Deposited = true
		}
	}
	n.log.Info("Offer accepted", zap.String("session", s.ID), zap.String("host", offer.HostID), zap.Bool("deposited", ans.Deposited))
	return ans, nil
}

// ApplyAnswer completes a host session with an answer blob. code narrows the
// target to sessions published under it and may be empty.
func (n *Negotiator) ApplyAnswer(ctx context.Context, blob, code string) (string, error) {
	payload, err := rendezvous.Decode(blob)
	if err != nil {
		return "", err
	}
	if payload.SDP.Type != transport.TypeAnswer {
		return "", apperr.New(apperr.KindValidation, "apply answer", "expected an answer, got an "+payload.SDP.Type)
	}
	code = rendezvous.NormalizeCode(code)

	var target *Session
	var claimErr error
	if err := n.loop.Do(ctx, func() {
		target = n.reg.PendingAnswer(code)
		if target == nil {
			return
		}
		claimErr = n.claimLocked(target)
		if claimErr == nil && target.Code != "" {
			n.shareLocked(target)
		}
	}); err != nil {
		return "", err
	}
	if target == nil {
		return "", apperr.New(apperr.KindNegotiation, "apply answer", "no pending peer")
	}
	if claimErr != nil {
		return "", claimErr
	}

	applyCtx, cancel := context.WithTimeout(ctx, n.cfg.ConnectTimeout)
	defer cancel()
	if err := target.link.ApplyAnswer(applyCtx, payload.SDP); err != nil {
		return "", n.failAndWrap(ctx, target, apperr.KindTransport, "apply answer", err)
	}
	n.log.Info("Answer applied", zap.String("session", target.ID), zap.String("code", target.Code))
	return target.ID, nil
}

// Close ends a session. Closing a finished or unknown session is a no-op.
func (n *Negotiator) Close(ctx context.Context, sessionID string) error {
	return n.loop.Do(ctx, func() {
		if s, ok := n.reg.Get(sessionID); ok {
			n.closeLocked(s)
		}
	})
}

// Send writes a message to one open session. Call on the event loop.
func (n *Negotiator) Send(s *Session, m protocol.Message) error {
	if s.State != StateOpen {
		return apperr.New(apperr.KindNegotiation, "send", "session "+s.ID+" is not open")
	}
	frame, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := s.link.Send(frame); err != nil {
		return apperr.Wrap(apperr.KindTransport, "send", err)
	}
	return nil
}

// Broadcast sends m to every open session and logs failures. Call on the
// event loop.
func (n *Negotiator) Broadcast(m protocol.Message) {
	for _, s := range n.reg.Open() {
		if err := n.Send(s, m); err != nil {
			n.log.Warn("Broadcast failed", zap.String("session", s.ID), zap.String("type", m.Type()), zap.Error(err))
		}
	}
}

// End closes s after the peer said goodbye. Call on the event loop.
func (n *Negotiator) End(s *Session) {
	if !s.State.Terminal() {
		n.finishLocked(s, StateClosed, nil)
	}
}

// Identify records the identity a peer introduced itself with. Call on the
// event loop.
func (n *Negotiator) Identify(s *Session, id, nick string) {
	s.RemoteID = id
	s.RemoteNick = nick
}

// Sessions returns a copy of every listed session.
func (n *Negotiator) Sessions(ctx context.Context) ([]Info, error) {
	var out []Info
	err := n.loop.Do(ctx, func() {
		for _, s := range n.reg.List() {
			out = append(out, s.Info())
		}
	})
	return out, err
}

// Shutdown says goodbye to open peers, closes every session and stops
// answer polling.
func (n *Negotiator) Shutdown(ctx context.Context) error {
	n.cancel()
	err := n.loop.Do(ctx, func() {
		for _, s := range n.reg.Live() {
			n.closeLocked(s)
		}
	})
	if errors.Is(err, loop.ErrStopped) {
		err = nil
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (n *Negotiator) newSession(ctx context.Context, role Role) (*Session, error) {
	s := &Session{ID: core.NewSessionID(), Role: role, State: StateNew, CreatedAt: n.now()}
	link, err := n.tr.NewLink(n.events(s))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "new link", err)
	}
	s.link = link
	if err := n.loop.Do(ctx, func() { n.reg.Add(s) }); err != nil {
		link.Close()
		return nil, err
	}
	return s, nil
}

func (n *Negotiator) events(s *Session) transport.Events {
	return transport.Events{
		OnOpen: func() { n.loop.Post(func() { n.opened(s) }) },
		OnMessage: func(data []byte) {
			n.loop.Post(func() {
				if s.State == StateOpen && n.hooks.OnMessage != nil {
					n.hooks.OnMessage(s, data)
				}
			})
		},
		OnClose: func(err error) { n.loop.Post(func() { n.ended(s, err) }) },
	}
}

func (n *Negotiator) opened(s *Session) {
	if s.State.Terminal() || s.State == StateOpen {
		return
	}
	s.stopTimer()
	s.State = StateOpen
	s.Err = nil
	n.log.Info("Session open", zap.String("session", s.ID), zap.String("role", string(s.Role)))
	if n.obs != nil {
		n.obs.SessionOpened(s.Role)
	}
	if err := n.Send(s, protocol.Introduce{ID: n.self.NodeID, Nick: n.self.Nick}); err != nil {
		n.log.Warn("Introduce failed", zap.String("session", s.ID), zap.Error(err))
	}
	if err := n.Send(s, protocol.RequestSync{}); err != nil {
		n.log.Warn("Sync request failed", zap.String("session", s.ID), zap.Error(err))
	}
	if n.hooks.OnOpen != nil {
		n.hooks.OnOpen(s)
	}
}

// ended handles the transport reporting the link gone.
func (n *Negotiator) ended(s *Session, err error) {
	if s.State.Terminal() {
		return
	}
	if err != nil {
		n.finishLocked(s, StateFailed, apperr.Wrap(apperr.KindTransport, "session", err))
		return
	}
	n.finishLocked(s, StateClosed, nil)
}

func (n *Negotiator) closeLocked(s *Session) {
	if s.State.Terminal() {
		return
	}
	if s.State == StateOpen {
		if err := n.Send(s, protocol.Disconnect{}); err != nil {
			n.log.Debug("Disconnect not delivered", zap.String("session", s.ID), zap.Error(err))
		}
	}
	n.finishLocked(s, StateClosed, nil)
}

func (n *Negotiator) finishLocked(s *Session, outcome State, err error) {
	s.stopTimer()
	wasOpen := s.State == StateOpen
	s.State = outcome
	s.Err = err
	s.link.Close()
	if err != nil {
		n.log.Warn("Session failed", zap.String("session", s.ID), zap.Bool("wasOpen", wasOpen), zap.Error(err))
	} else {
		n.log.Info("Session closed", zap.String("session", s.ID), zap.Bool("wasOpen", wasOpen))
	}
	if n.obs != nil {
		n.obs.SessionEnded(s.Role, outcome, wasOpen)
	}
	if n.hooks.OnClose != nil {
		n.hooks.OnClose(s, err)
	}
}

// transition moves s forward unless it already finished, in which case the
// handshake is abandoned.
func (n *Negotiator) transition(ctx context.Context, s *Session, to State) error {
	var gone bool
	if err := n.loop.Do(ctx, func() {
		if s.State.Terminal() {
			gone = true
			return
		}
		if s.State != StateOpen {
			s.State = to
		}
	}); err != nil {
		return err
	}
	if gone {
		return apperr.New(apperr.KindNegotiation, "negotiate", "session "+s.ID+" was closed")
	}
	return nil
}

func (n *Negotiator) markRemoteSet(ctx context.Context, s *Session) error {
	var err error
	if doErr := n.loop.Do(ctx, func() { err = n.claimLocked(s) }); doErr != nil {
		return doErr
	}
	return err
}

// claimLocked records that s has its remote description and starts the
// connect timer.
func (n *Negotiator) claimLocked(s *Session) error {
	if s.State.Terminal() {
		return apperr.New(apperr.KindNegotiation, "negotiate", "session "+s.ID+" was closed")
	}
	s.remoteSet = true
	s.State = StateAwaitingRemote
	s.timer = time.AfterFunc(n.cfg.ConnectTimeout, func() {
		n.loop.Post(func() {
			if s.State.Terminal() || s.State == StateOpen {
				return
			}
			n.finishLocked(s, StateFailed, apperr.New(apperr.KindNegotiation, "connect", "channel did not open in time"))
		})
	})
	return nil
}

// shareLocked leaves a fresh pending session behind on the same code so the
// next joiner has somewhere to land.
func (n *Negotiator) shareLocked(origin *Session) {
	sharer, ok := n.tr.(transport.Sharer)
	if !ok {
		return
	}
	sib := &Session{ID: core.NewSessionID(), Role: RoleHost, State: StateGathering, Code: origin.Code, CreatedAt: n.now()}
	link, err := sharer.Share(origin.link, n.events(sib))
	if err != nil {
		n.log.Warn("Could not share offer", zap.String("code", origin.Code), zap.Error(err))
		return
	}
	sib.link = link
	n.reg.Add(sib)
}

// gather waits for candidates up to GatherTimeout and accepts whatever the
// link has by then.
func (n *Negotiator) gather(ctx context.Context, s *Session) (transport.SessionDescription, error) {
	timer := time.NewTimer(n.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-s.link.GatheringComplete():
	case <-timer.C:
		n.log.Debug("Gathering timed out, using partial candidates", zap.String("session", s.ID))
	case <-ctx.Done():
		return transport.SessionDescription{}, n.failAndWrap(context.Background(), s, apperr.KindNegotiation, "gather", ctx.Err())
	}
	desc, ok := s.link.LocalDescription()
	if !ok {
		return transport.SessionDescription{}, n.failAndWrap(ctx, s, apperr.KindNegotiation, "gather", errors.New("no local description"))
	}
	return desc, nil
}

func (n *Negotiator) failAndWrap(ctx context.Context, s *Session, kind apperr.Kind, op string, cause error) error {
	err := apperr.Wrap(kind, op, cause)
	if apperr.KindOf(cause) != "" {
		err = cause
	}
	_ = n.loop.Do(ctx, func() {
		if !s.State.Terminal() {
			n.finishLocked(s, StateFailed, err)
		}
	})
	return err
}

// pollAnswers applies answers deposited for code until no host session is
// waiting on it or the offer expires.
func (n *Negotiator) pollAnswers(code string) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.AnswerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}

		var waiting bool
		if err := n.loop.Do(n.ctx, func() { waiting = n.reg.PendingAnswer(code) != nil }); err != nil || !waiting {
			n.log.Debug("Answer polling stopped", zap.String("code", code))
			return
		}

		if _, alive, err := n.rdv.Get(n.ctx, code, rendezvous.KindOffer); err == nil && !alive {
			n.log.Info("Offer expired", zap.String("code", code))
			n.expire(code)
			return
		}

		blob, found, err := n.rdv.Get(n.ctx, code, rendezvous.KindAnswer)
		if err != nil {
			n.log.Warn("Answer lookup failed", zap.String("code", code), zap.Error(err))
			continue
		}
		n.lookup(rendezvous.KindAnswer, found)
		if !found {
			continue
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if _, err := n.ApplyAnswer(n.ctx, blob, code); err != nil {
				n.log.Warn("Deposited answer could not be applied", zap.String("code", code), zap.Error(err))
			}
		}()
	}
}

// expire closes host sessions still waiting on an expired code.
func (n *Negotiator) expire(code string) {
	_ = n.loop.Do(n.ctx, func() {
		for _, s := range n.reg.Live() {
			if s.Role == RoleHost && s.Code == code && !s.remoteSet {
				n.finishLocked(s, StateClosed, nil)
			}
		}
	})
}

func (n *Negotiator) lookup(kind rendezvous.Kind, found bool) {
	if n.obs != nil {
		n.obs.RendezvousLookup(kind, found)
	}
}

// Status summarises connectivity as connected, pending or disconnected.
func (n *Negotiator) Status(ctx context.Context) (string, int, error) {
	status, open := "disconnected", 0
	err := n.loop.Do(ctx, func() {
		for _, s := range n.reg.Live() {
			if s.State == StateOpen {
				open++
			} else if status == "disconnected" {
				status = "pending"
			}
		}
		if open > 0 {
			status = "connected"
		}
	})
	return status, open, err
}
