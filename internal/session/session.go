// Package session drives one side of the QR-signaled connection lifecycle:
// offer or answer creation, the bounded wait for path discovery, and the
// both-signals latch into Connected. It owns exactly one engine handle and
// one channel; the token produced or consumed here is the only thing that
// crosses the out-of-band channel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/qrlink/internal/engine"
	"github.com/1ureka/qrlink/internal/token"
	"github.com/1ureka/qrlink/internal/util"
)

var (
	// ErrEngineInit reports that the underlying engine could not be
	// created. Fatal; the platform capability is unavailable.
	ErrEngineInit = errors.New("engine initialization failed")

	// ErrNoActiveOffer reports AcceptAnswer called without a prior
	// successful CreateOffer on the same Controller.
	ErrNoActiveOffer = errors.New("no active offer")

	// ErrChannelNotOpen reports Send called before the channel opened or
	// after it degraded.
	ErrChannelNotOpen = errors.New("channel not open")
)

const (
	// discoveryTimeout bounds the wait for path discovery. Exhaustive
	// discovery can take many seconds or never finish behind restrictive
	// networks, and a human is waiting to scan the next code.
	discoveryTimeout = 3 * time.Second

	// candidateThreshold ends the wait early: three paths are empirically
	// enough for a usable connection.
	candidateThreshold = 3

	// channelLabel names the single bidirectional channel.
	channelLabel = "qrlink"
)

// Controller owns one engine handle and sequences it through the
// offer/answer/path-discovery lifecycle. All lifecycle calls and all
// engine callbacks serialize through one mutex, so callbacks arriving on
// engine goroutines cannot interleave with a Close in progress; the closed
// flag keeps late callbacks from resurrecting a closed Controller.
type Controller struct {
	factory engine.Factory
	id      string // short instance id for log lines

	mu         sync.Mutex
	state      State
	eng        engine.Engine
	ch         engine.Channel
	candidates []token.Candidate
	finalized  bool // candidate accumulation stopped; token already built
	pathUsable bool
	chOpen     bool
	everOpen   bool // reached Connected at least once
	closed     bool

	onState   func(State)
	onMessage func(string)
	onError   func(error)

	// single-use wait plumbing for the three-way discovery race
	enough     chan struct{} // closed at candidateThreshold
	enoughOnce sync.Once
	gatherDone chan struct{} // closed on engine gathering-complete
	gatherOnce sync.Once
	closedCh   chan struct{} // closed by Close, cancels a pending wait
	closeOnce  sync.Once

	discoveryWait time.Duration // discoveryTimeout; shortened by tests
}

// New creates an idle Controller. A nil factory selects the pion-backed
// engine.
func New(factory engine.Factory) *Controller {
	if factory == nil {
		factory = engine.NewWebRTC
	}
	return &Controller{
		factory:       factory,
		id:            uuid.NewString()[:8],
		state:         StateIdle,
		enough:        make(chan struct{}),
		gatherDone:    make(chan struct{}),
		closedCh:      make(chan struct{}),
		discoveryWait: discoveryTimeout,
	}
}

// ---------------------------------------------------------------------------
// Callback registration
// ---------------------------------------------------------------------------

// OnStateChange registers fn for every state transition. Register before
// the first lifecycle call.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnMessage registers fn for every inbound channel message.
func (c *Controller) OnMessage(fn func(string)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnError registers fn for asynchronous engine-reported failures. These
// never surface as return values: by the time the path fails, the original
// caller has moved on.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle entry points
// ---------------------------------------------------------------------------

// CreateOffer runs the offering side up to the point where the token can
// be rendered as a QR code: create the engine and the channel (the
// offering side owns channel creation), commit local negotiation data,
// wait out the discovery race, compress. Blocks at most discoveryTimeout
// plus the engine's own call latency.
func (c *Controller) CreateOffer(ctx context.Context) (string, error) {
	if err := c.enter(StateIdle, StateOffering); err != nil {
		return "", err
	}

	eng, err := c.attachEngine()
	if err != nil {
		return "", c.fail(err)
	}

	ch, err := eng.CreateChannel(channelLabel)
	if err != nil {
		return "", c.fail(fmt.Errorf("create channel: %w", err))
	}
	c.adoptChannel(ch)

	sdpText, err := eng.LocalDescription(ctx)
	if err != nil {
		return "", c.fail(fmt.Errorf("create local description: %w", err))
	}

	c.waitForDiscovery(ctx)

	tok, err := token.Compress(token.RoleOffer, sdpText, c.snapshotCandidates())
	if err != nil {
		return "", c.fail(err)
	}
	util.LogDebug("[%s] offer token ready (%d chars)", c.id, len(tok))
	return tok, nil
}

// CreateAnswer runs the answering side: decompress the scanned offer
// token, feed it to a fresh engine, produce this side's negotiation data
// (which fixes the role as answering), wait out the same discovery race,
// compress the reply token. The state is Connecting when it returns.
func (c *Controller) CreateAnswer(ctx context.Context, offerToken string) (string, error) {
	doc, remote, err := token.Decompress(offerToken)
	if err != nil {
		return "", err
	}
	if doc.Role != token.RoleOffer {
		return "", fmt.Errorf("%w: expected an offer token, got %s", token.ErrInvalidToken, doc.Role)
	}

	if err := c.enter(StateIdle, StateAnswering); err != nil {
		return "", err
	}

	eng, err := c.attachEngine()
	if err != nil {
		return "", c.fail(err)
	}

	if err := eng.SetRemoteDescription(doc); err != nil {
		return "", c.fail(fmt.Errorf("accept remote description: %w", err))
	}
	c.feedCandidates(eng, remote)

	sdpText, err := eng.LocalDescription(ctx)
	if err != nil {
		return "", c.fail(fmt.Errorf("create local description: %w", err))
	}

	c.waitForDiscovery(ctx)

	tok, err := token.Compress(token.RoleAnswer, sdpText, c.snapshotCandidates())
	if err != nil {
		return "", c.fail(err)
	}

	c.advanceToConnecting()
	util.LogDebug("[%s] answer token ready (%d chars)", c.id, len(tok))
	return tok, nil
}

// AcceptAnswer completes the offering side with the scanned answer token.
// Valid only after CreateOffer on the same Controller. It does not wait
// for connectivity: Connected is declared asynchronously once both the
// path and the channel report usable.
func (c *Controller) AcceptAnswer(answerToken string) error {
	c.mu.Lock()
	eng := c.eng
	ok := eng != nil && !c.closed && (c.state == StateOffering || c.state == StateConnecting)
	c.mu.Unlock()
	if !ok {
		return ErrNoActiveOffer
	}

	doc, remote, err := token.Decompress(answerToken)
	if err != nil {
		return err
	}
	if doc.Role != token.RoleAnswer {
		return fmt.Errorf("%w: expected an answer token, got %s", token.ErrInvalidToken, doc.Role)
	}

	if err := eng.SetRemoteDescription(doc); err != nil {
		return c.fail(fmt.Errorf("accept remote description: %w", err))
	}
	c.feedCandidates(eng, remote)

	c.advanceToConnecting()
	return nil
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send writes one text message to the channel.
func (c *Controller) Send(msg string) error {
	c.mu.Lock()
	ch := c.ch
	open := c.chOpen && !c.closed
	c.mu.Unlock()

	if !open || ch == nil {
		return ErrChannelNotOpen
	}
	if err := ch.Send(msg); err != nil {
		return err
	}
	util.Stats.AddSent(len(msg))
	return nil
}

// SendValue serializes v to JSON and sends it. The payload is opaque to
// this layer; any reversible text encoding would do.
func (c *Controller) SendValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	return c.Send(string(data))
}

// ---------------------------------------------------------------------------
// State and shutdown
// ---------------------------------------------------------------------------

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether both the path and the channel are up.
func (c *Controller) IsConnected() bool {
	return c.State() == StateConnected
}

// Close releases the channel and the engine handle, clears the candidate
// accumulator, cancels a pending discovery wait, and ends in Disconnected.
// Idempotent; safe to call from any state at any time.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	ch, eng := c.ch, c.eng
	c.ch, c.eng = nil, nil
	c.candidates = nil
	c.chOpen = false
	c.pathUsable = false
	notify := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closedCh) })
	if ch != nil {
		_ = ch.Close()
	}
	if eng != nil {
		_ = eng.Close()
	}
	notify()
	util.LogDebug("[%s] closed", c.id)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// enter moves from exactly `from` to `to`, rejecting reuse of a spent or
// closed Controller.
func (c *Controller) enter(from, to State) error {
	c.mu.Lock()
	if c.closed || c.state != from {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot start %s from state %s", to, st)
	}
	notify := c.transitionLocked(to)
	c.mu.Unlock()
	notify()
	return nil
}

// attachEngine creates the engine handle through the factory and wires
// every callback before any negotiation call can trigger events.
func (c *Controller) attachEngine() (engine.Engine, error) {
	eng, err := c.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineInit, err)
	}

	eng.OnCandidate(c.handleCandidate)
	eng.OnGatheringComplete(func() {
		c.gatherOnce.Do(func() { close(c.gatherDone) })
	})
	eng.OnStateChange(c.handlePathState)
	eng.OnChannel(c.adoptChannel)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = eng.Close()
		return nil, fmt.Errorf("%w: controller closed", ErrEngineInit)
	}
	c.eng = eng
	c.mu.Unlock()
	return eng, nil
}

// adoptChannel takes ownership of the channel, whichever side created it.
// The first channel wins; a channel arriving after Close is released.
func (c *Controller) adoptChannel(ch engine.Channel) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ch.Close()
		return
	}
	if c.ch != nil {
		c.mu.Unlock()
		return
	}
	c.ch = ch
	c.mu.Unlock()

	ch.OnOpen(c.handleChannelOpen)
	ch.OnClose(c.handleChannelClose)
	ch.OnMessage(c.handleMessage)
}

// waitForDiscovery blocks until gathering completes, candidateThreshold
// paths have accumulated, the timeout fires, or the wait is cancelled —
// whichever comes first. Afterwards the accumulator is frozen: paths that
// trickle in later missed the token.
func (c *Controller) waitForDiscovery(ctx context.Context) {
	timer := time.NewTimer(c.discoveryWait)
	defer timer.Stop()

	select {
	case <-c.gatherDone:
		util.LogDebug("[%s] path discovery complete", c.id)
	case <-c.enough:
		util.LogDebug("[%s] enough paths discovered", c.id)
	case <-timer.C:
		util.LogDebug("[%s] path discovery timed out", c.id)
	case <-ctx.Done():
	case <-c.closedCh:
	}

	c.mu.Lock()
	c.finalized = true
	c.mu.Unlock()
}

func (c *Controller) snapshotCandidates() []token.Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]token.Candidate, len(c.candidates))
	copy(out, c.candidates)
	return out
}

// feedCandidates adds the peer's reconstructed paths one by one. A single
// rejected path must not abort the handshake: log and move on.
func (c *Controller) feedCandidates(eng engine.Engine, remote []token.Candidate) {
	for _, cand := range remote {
		if err := eng.AddCandidate(cand); err != nil {
			util.LogWarning("[%s] rejected remote path %s: %v", c.id, cand, err)
		}
	}
}

// fail transitions to Failed (unless already closed) and returns err so
// the caller can propagate it in one expression.
func (c *Controller) fail(err error) error {
	c.mu.Lock()
	notify := func() {}
	if !c.closed {
		notify = c.transitionLocked(StateFailed)
	}
	c.mu.Unlock()
	notify()
	return err
}

// advanceToConnecting moves to Connecting unless the connection already
// latched further ahead: both connectivity signals can land during the
// discovery wait, and Connected must never regress to Connecting.
func (c *Controller) advanceToConnecting() {
	c.mu.Lock()
	notify := func() {}
	if !c.closed && (c.state == StateOffering || c.state == StateAnswering) {
		notify = c.transitionLocked(StateConnecting)
	}
	c.mu.Unlock()
	notify()
}

// transitionLocked records the new state and returns the deferred callback
// invocation. The callback must run after the mutex is released so an
// observer can call back into the Controller.
func (c *Controller) transitionLocked(st State) func() {
	if c.state == st {
		return func() {}
	}
	c.state = st
	util.LogDebug("[%s] state: %s", c.id, st)
	fn := c.onState
	if fn == nil {
		return func() {}
	}
	return func() { fn(st) }
}

// checkConnectedLocked latches Connected once both independent signals
// have arrived. A usable path before the channel handshake finishes, or an
// open channel before the path's own liveness signal, is each insufficient
// alone; the latch fires on whichever arrives second.
func (c *Controller) checkConnectedLocked() func() {
	if !c.pathUsable || !c.chOpen || c.closed || c.state == StateConnected {
		return func() {}
	}
	c.everOpen = true
	return c.transitionLocked(StateConnected)
}

// ---------------------------------------------------------------------------
// Engine callbacks
// ---------------------------------------------------------------------------

func (c *Controller) handleCandidate(cand token.Candidate) {
	c.mu.Lock()
	if c.closed || c.finalized {
		c.mu.Unlock()
		return
	}
	c.candidates = append(c.candidates, cand)
	n := len(c.candidates)
	c.mu.Unlock()

	util.LogDebug("[%s] discovered path %s (%d total)", c.id, cand, n)
	if n >= candidateThreshold {
		c.enoughOnce.Do(func() { close(c.enough) })
	}
}

func (c *Controller) handlePathState(ps engine.PathState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	util.LogDebug("[%s] path state: %s", c.id, ps)

	notify := func() {}
	var report error

	switch ps {
	case engine.PathUsable:
		c.pathUsable = true
		notify = c.checkConnectedLocked()

	case engine.PathFailed:
		c.pathUsable = false
		report = errors.New("network path permanently failed")
		notify = c.transitionLocked(StateFailed)

	case engine.PathDisconnected, engine.PathClosed:
		c.pathUsable = false
		if c.everOpen && c.state != StateFailed {
			notify = c.transitionLocked(StateDisconnected)
		}
	}

	fn := c.onError
	c.mu.Unlock()

	notify()
	if report != nil {
		util.LogError("[%s] %v", c.id, report)
		if fn != nil {
			fn(report)
		}
	}
}

func (c *Controller) handleChannelOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.chOpen = true
	notify := c.checkConnectedLocked()
	c.mu.Unlock()
	notify()
}

func (c *Controller) handleChannelClose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.chOpen = false
	notify := func() {}
	if c.everOpen && c.state != StateFailed {
		notify = c.transitionLocked(StateDisconnected)
	}
	c.mu.Unlock()
	notify()
}

func (c *Controller) handleMessage(msg string) {
	c.mu.Lock()
	closed := c.closed
	fn := c.onMessage
	c.mu.Unlock()

	if closed {
		return
	}
	util.Stats.AddRecv(len(msg))
	if fn != nil {
		fn(msg)
	}
}
