package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/iolitectl/internal/discovery"
	"github.com/danmuck/iolitectl/internal/observability"
	"github.com/danmuck/iolitectl/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrEngineStarted = errors.New("session: engine already started")
	errShutdown      = errors.New("session: shutdown")
)

type inbound struct {
	data []byte
	err  error
}

// Engine drives one bus connection from dial to close.
type Engine struct {
	dial     DialFunc
	cfg      Config
	requests *protocol.Registry
	rooms    *discovery.Registry

	// OnDiscovery receives a detached snapshot after every registry change.
	// It runs on the dispatch loop and must not block.
	OnDiscovery func(discovery.Snapshot)
	// OnState observes every state transition.
	OnState func(State, CloseReason)

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool

	mu       sync.Mutex
	conn     Conn
	reason   CloseReason
	closeErr error
	done     chan struct{}

	placesID    string
	placesAcked bool
}

func NewEngine(dial DialFunc, cfg Config, requests *protocol.Registry, rooms *discovery.Registry) *Engine {
	e := &Engine{
		dial:     dial,
		cfg:      cfg.WithDefaults(),
		requests: requests,
		rooms:    rooms,
		done:     make(chan struct{}),
	}
	e.state.Store(int32(StateDisconnected))
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Reason returns why the engine closed, and the error that caused it.
func (e *Engine) Reason() (CloseReason, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reason, e.closeErr
}

// Done is closed once the engine reaches StateClosed.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Close requests shutdown. It unblocks a pending receive immediately.
func (e *Engine) Close() error {
	e.closing.Store(true)
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Run dials, subscribes and then dispatches inbound messages until the
// connection closes. A requested shutdown returns nil.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrEngineStarted
	}

	e.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	conn, err := e.dial(dialCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(errShutdown)
		}
		if !errors.Is(err, ErrTransport) {
			err = fmt.Errorf("%w: %w", ErrTransport, err)
		}
		return e.finish(err)
	}
	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	if e.closing.Load() {
		_ = conn.Close()
		return e.finish(errShutdown)
	}
	e.setState(StateSubscribing)

	stop := context.AfterFunc(ctx, func() { _ = e.Close() })
	defer stop()

	frames := make(chan inbound)
	go e.readLoop(conn, frames)

	if err := e.subscribe(ctx, frames); err != nil {
		return e.finish(err)
	}
	e.setState(StateReady)
	log.Info().Int("rooms", e.rooms.Len()).Msg("session.Engine ready")

	for {
		select {
		case <-ctx.Done():
			return e.finish(errShutdown)
		case in := <-frames:
			if err := e.handleFrame(in, false); err != nil {
				return e.finish(err)
			}
		}
	}
}

// readLoop is the only reader of conn.
func (e *Engine) readLoop(conn Conn, frames chan<- inbound) {
	for {
		data, err := conn.ReadMessage()
		select {
		case frames <- inbound{data: data, err: err}:
		case <-e.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// subscribe issues places, waits for its acknowledgement (or the settle
// window), then issues devices and the situation profile query. Frames that
// arrive meanwhile are dispatched normally.
func (e *Engine) subscribe(ctx context.Context, frames <-chan inbound) error {
	places := e.requests.BuildSubscribe(protocol.TopicPlaces)
	e.placesID = places.ID
	if err := e.send(places); err != nil {
		return err
	}

	var settle <-chan time.Time
	if e.cfg.SubscribeSettle > 0 {
		timer := time.NewTimer(e.cfg.SubscribeSettle)
		defer timer.Stop()
		settle = timer.C
	}

wait:
	for !e.placesAcked {
		select {
		case <-ctx.Done():
			return errShutdown
		case <-settle:
			log.Warn().Dur("settle", e.cfg.SubscribeSettle).Msg("session.Engine places not acknowledged; subscribing devices anyway")
			break wait
		case in := <-frames:
			if err := e.handleFrame(in, true); err != nil {
				return err
			}
		}
	}

	if err := e.send(e.requests.BuildSubscribe(protocol.TopicDevices)); err != nil {
		return err
	}
	return e.send(e.requests.BuildQuery(protocol.ModelSituationProfile))
}

// handleFrame dispatches every JSON message in one frame, in order. Messages
// may be newline separated or span several lines.
func (e *Engine) handleFrame(in inbound, handshake bool) error {
	if in.err != nil {
		if e.closing.Load() {
			return errShutdown
		}
		if errors.Is(in.err, ErrRemoteClosed) {
			return fmt.Errorf("%w: %w", ErrTransport, in.err)
		}
		if errors.Is(in.err, io.EOF) {
			return fmt.Errorf("%w: %w", ErrTransport, ErrRemoteClosed)
		}
		return fmt.Errorf("%w: read: %v", ErrTransport, in.err)
	}
	dec := json.NewDecoder(bytes.NewReader(in.data))
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// The decoder cannot resync, so the rest of the frame is one bad message.
			return e.dropMalformed(fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err), handshake)
		}
		if err := e.handleMessage(raw, handshake); err != nil {
			return err
		}
	}
}

// dropMalformed is fatal during the handshake and a logged drop afterwards.
func (e *Engine) dropMalformed(err error, handshake bool) error {
	observability.RecordDropped("malformed")
	if handshake {
		return err
	}
	log.Error().Err(err).Msg("session.Engine dropping malformed message")
	return nil
}

func (e *Engine) handleMessage(data []byte, handshake bool) error {
	resp, err := protocol.DecodeResponse(data)
	if err != nil {
		return e.dropMalformed(err, handshake)
	}
	observability.RecordInbound(protocol.ClassLabel(resp.Class))
	log.Debug().Str("class", resp.Class).Str("request_id", resp.RequestID).Msg("session.Engine received")

	// Keepalives are peer-initiated and carry no id of ours, so they are
	// answered without the request-id lookup every other class must pass.
	if resp.Class == protocol.ClassKeepAliveRequest {
		return e.send(e.requests.BuildKeepAliveResponse())
	}

	req, ok := e.requests.Lookup(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w: class=%s request_id=%q", protocol.ErrUncorrelatedResponse, resp.Class, resp.RequestID)
	}

	switch resp.Class {
	case protocol.ClassSubscribeSuccess:
		e.applySubscription(req, resp)
	case protocol.ClassQuerySuccess:
		log.Info().Str("request_id", req.ID).Str("model", req.Topic).Msg("session.Engine query acknowledged")
	default:
		log.Error().
			Err(protocol.ErrUnsupportedMessage).
			Str("class", resp.Class).
			Str("request_id", req.ID).
			Msg("session.Engine unsupported response")
	}
	return nil
}

func (e *Engine) applySubscription(req protocol.Request, resp protocol.Response) {
	if req.Kind != protocol.KindSubscribe {
		log.Warn().Str("request_id", req.ID).Str("kind", req.Kind.String()).Msg("session.Engine SubscribeSuccess for non-subscription request")
		return
	}

	switch req.Topic {
	case protocol.TopicPlaces:
		for _, raw := range resp.InitialValues {
			place, err := protocol.DecodePlace(raw)
			if err != nil {
				observability.RecordDropped("malformed-entry")
				log.Warn().Err(err).Msg("session.Engine skipping place entry")
				continue
			}
			e.rooms.UpsertRoom(place.ID, place.PlaceName)
			log.Info().Str("room_id", place.ID).Str("room", place.PlaceName).Msg("session.Engine room discovered")
		}
		if req.ID == e.placesID {
			e.placesAcked = true
		}
	case protocol.TopicDevices:
		for _, raw := range resp.InitialValues {
			dev, err := protocol.DecodeDevice(raw)
			if err != nil {
				observability.RecordDropped("malformed-entry")
				log.Warn().Err(err).Msg("session.Engine skipping device entry")
				continue
			}
			if !e.rooms.UpsertDevice(dev.PlaceIdentifier, discovery.Device{ID: dev.ID, Name: dev.FriendlyName}) {
				observability.RecordDropped("unknown-room")
				log.Debug().Str("device_id", dev.ID).Str("room_id", dev.PlaceIdentifier).Msg("session.Engine device references unknown room")
				continue
			}
			log.Info().Str("device_id", dev.ID).Str("device", dev.FriendlyName).Str("room_id", dev.PlaceIdentifier).Msg("session.Engine device discovered")
		}
	default:
		log.Warn().Str("topic", req.Topic).Msg("session.Engine no handler for subscription topic")
		return
	}

	observability.RecordDiscovery(e.rooms.Len(), e.rooms.DeviceCount())
	if e.OnDiscovery != nil {
		e.OnDiscovery(e.rooms.Snapshot())
	}
}

func (e *Engine) send(req protocol.Request) error {
	data, err := req.Encode()
	if err != nil {
		return err
	}
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		if e.closing.Load() {
			return errShutdown
		}
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	observability.RecordOutbound(req.Kind.String())
	log.Debug().Str("request_id", req.ID).Str("kind", req.Kind.String()).Msg("session.Engine sent")
	return nil
}

// finish closes the socket, records the close reason and maps a requested
// shutdown to a nil result.
func (e *Engine) finish(err error) error {
	reason := ReasonTransport
	switch {
	case errors.Is(err, errShutdown):
		reason = ReasonShutdown
	case errors.Is(err, protocol.ErrUncorrelatedResponse):
		reason = ReasonUncorrelated
	case errors.Is(err, protocol.ErrMalformedMessage):
		reason = ReasonHandshake
	case errors.Is(err, ErrRemoteClosed):
		reason = ReasonRemoteClosed
	}
	if reason == ReasonShutdown {
		err = nil
	}

	e.closing.Store(true)
	e.mu.Lock()
	conn := e.conn
	e.reason = reason
	e.closeErr = err
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	e.setStateReason(StateClosed, reason)
	close(e.done)
	observability.RecordClose(string(reason))

	if err != nil {
		log.Error().Err(err).Str("reason", string(reason)).Msg("session.Engine closed")
	} else {
		log.Info().Str("reason", string(reason)).Msg("session.Engine closed")
	}
	return err
}

func (e *Engine) setState(s State) {
	e.setStateReason(s, ReasonNone)
}

func (e *Engine) setStateReason(s State, reason CloseReason) {
	e.state.Store(int32(s))
	observability.RecordState(s.String(), stateNames())
	log.Debug().Str("state", s.String()).Msg("session.Engine state")
	if e.OnState != nil {
		e.OnState(s, reason)
	}
}
