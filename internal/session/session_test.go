package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/qrlink/internal/engine"
	"github.com/1ureka/qrlink/internal/token"
)

// ---------------------------------------------------------------------------
// Fake engine
// ---------------------------------------------------------------------------

// fakeChannel is an in-process channel half. Send delivers synchronously
// to the linked peer half.
type fakeChannel struct {
	mu     sync.Mutex
	peer   *fakeChannel
	onOpen func()
	onClos func()
	onMsg  func(string)
	closed bool
}

func (f *fakeChannel) Send(msg string) error {
	f.mu.Lock()
	peer, closed := f.peer, f.closed
	f.mu.Unlock()
	if closed || peer == nil {
		return errors.New("fake channel not linked")
	}

	peer.mu.Lock()
	fn := peer.onMsg
	peer.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
	return nil
}

func (f *fakeChannel) OnOpen(fn func())  { f.mu.Lock(); f.onOpen = fn; f.mu.Unlock() }
func (f *fakeChannel) OnClose(fn func()) { f.mu.Lock(); f.onClos = fn; f.mu.Unlock() }

func (f *fakeChannel) OnMessage(fn func(string)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) fireOpen() {
	f.mu.Lock()
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) fireClose() {
	f.mu.Lock()
	fn := f.onClos
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeEngine implements engine.Engine in-process. LocalDescription emits
// the configured candidates (and optionally the gathering-complete signal)
// right after committing, which collapses the discovery race for tests.
type fakeEngine struct {
	doc token.Document // identity this engine presents

	localCandidates []token.Candidate
	emitGatherDone  bool
	rejectAdds      bool

	mu        sync.Mutex
	channels  []*fakeChannel
	onChannel func(engine.Channel)
	onCand    func(token.Candidate)
	onGather  func()
	onState   func(engine.PathState)
	remote    *token.Document
	added     []token.Candidate
	closed    bool
}

func newFakeEngine(name string) *fakeEngine {
	var fp [32]byte
	copy(fp[:], name)
	return &fakeEngine{
		doc: token.Document{
			Role:        token.RoleOffer,
			Username:    name,
			Password:    name + "-password-long-enough-for-ice",
			Fingerprint: fp,
		},
	}
}

// factory satisfies engine.Factory.
func (f *fakeEngine) factory() (engine.Engine, error) { return f, nil }

func (f *fakeEngine) CreateChannel(label string) (engine.Channel, error) {
	ch := &fakeChannel{}
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeEngine) OnChannel(fn func(engine.Channel)) {
	f.mu.Lock()
	f.onChannel = fn
	f.mu.Unlock()
}

func (f *fakeEngine) OnCandidate(fn func(token.Candidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeEngine) OnGatheringComplete(fn func()) {
	f.mu.Lock()
	f.onGather = fn
	f.mu.Unlock()
}

func (f *fakeEngine) OnStateChange(fn func(engine.PathState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeEngine) LocalDescription(ctx context.Context) (string, error) {
	f.mu.Lock()
	cand, gather := f.onCand, f.onGather
	f.mu.Unlock()

	for _, c := range f.localCandidates {
		if cand != nil {
			cand(c)
		}
	}
	if f.emitGatherDone && gather != nil {
		gather()
	}
	return f.doc.SDP(), nil
}

func (f *fakeEngine) SetRemoteDescription(doc *token.Document) error {
	f.mu.Lock()
	f.remote = doc
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) AddCandidate(c token.Candidate) error {
	if f.rejectAdds {
		return errors.New("path rejected")
	}
	f.mu.Lock()
	f.added = append(f.added, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) fireState(s engine.PathState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeEngine) deliverChannel(ch *fakeChannel) {
	f.mu.Lock()
	fn := f.onChannel
	f.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

func (f *fakeEngine) firstChannel(t *testing.T) *fakeChannel {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.channels, "engine has no channel")
	return f.channels[0]
}

// connectFakes simulates the transport coming up: the offering side's
// channel is linked to a fresh half delivered to the answering engine,
// then both paths report usable and both channel halves open.
func connectFakes(t *testing.T, offer, answer *fakeEngine) (*fakeChannel, *fakeChannel) {
	t.Helper()
	chA := offer.firstChannel(t)
	chB := &fakeChannel{}
	chA.mu.Lock()
	chA.peer = chB
	chA.mu.Unlock()
	chB.peer = chA

	answer.deliverChannel(chB)
	offer.fireState(engine.PathUsable)
	answer.fireState(engine.PathUsable)
	chA.fireOpen()
	chB.fireOpen()
	return chA, chB
}

func someCandidates(n int) []token.Candidate {
	out := make([]token.Candidate, n)
	for i := range out {
		out[i] = token.Candidate{Addr: [4]byte{172, 16, 0, byte(i + 1)}, Port: uint16(50000 + i), Kind: token.KindHost}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestCreateOfferStateFlow verifies Idle→Offering, that the produced token
// decodes as an offer carrying the discovered paths, and that the
// Controller never reaches Connected without an AcceptAnswer.
func TestCreateOfferStateFlow(t *testing.T) {
	f := newFakeEngine("alpha")
	f.localCandidates = someCandidates(2)
	f.emitGatherDone = true

	c := New(f.factory)
	defer c.Close()

	tok, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateOffering, c.State())
	assert.False(t, c.IsConnected())

	doc, cands, err := token.Decompress(tok)
	require.NoError(t, err)
	assert.Equal(t, token.RoleOffer, doc.Role)
	assert.Equal(t, "alpha", doc.Username)
	assert.Equal(t, f.localCandidates, cands)
}

// TestAcceptAnswerWithoutOffer verifies the caller-bug path: no engine
// handle exists, so the call fails and the state stays Idle.
func TestAcceptAnswerWithoutOffer(t *testing.T) {
	c := New(newFakeEngine("alpha").factory)
	defer c.Close()

	err := c.AcceptAnswer("anything")
	assert.ErrorIs(t, err, ErrNoActiveOffer)
	assert.Equal(t, StateIdle, c.State())
}

// TestCreateAnswerRejectsBadTokens verifies that an unparsable token and a
// token with the wrong role tag both fail with InvalidToken and leave the
// Controller at Idle, reusable state untouched.
func TestCreateAnswerRejectsBadTokens(t *testing.T) {
	answerTok, err := token.Compress(token.RoleAnswer, newFakeEngine("beta").doc.SDP(), nil)
	require.NoError(t, err)

	testCases := []struct {
		name string
		tok  string
	}{
		{name: "garbage token", tok: "###"},
		{name: "answer token where offer expected", tok: answerTok},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(newFakeEngine("alpha").factory)
			defer c.Close()

			_, err := c.CreateAnswer(context.Background(), tc.tok)
			assert.ErrorIs(t, err, token.ErrInvalidToken)
			assert.Equal(t, StateIdle, c.State())
		})
	}
}

// TestDiscoveryWaitIsBounded verifies the timeout leg of the race: an
// engine that never reports anything still lets CreateOffer resolve
// within the fixed window.
func TestDiscoveryWaitIsBounded(t *testing.T) {
	f := newFakeEngine("alpha")

	c := New(f.factory)
	defer c.Close()
	c.discoveryWait = 150 * time.Millisecond

	start := time.Now()
	tok, err := c.CreateOffer(context.Background())
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	_, cands, err := token.Decompress(tok)
	require.NoError(t, err)
	assert.Empty(t, cands)
}

// TestDiscoveryEndsAtThreshold verifies the counted leg of the race:
// three paths end the wait long before the timeout.
func TestDiscoveryEndsAtThreshold(t *testing.T) {
	f := newFakeEngine("alpha")
	f.localCandidates = someCandidates(3)

	c := New(f.factory)
	defer c.Close()
	c.discoveryWait = 5 * time.Second

	start := time.Now()
	tok, err := c.CreateOffer(context.Background())

	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	_, cands, err := token.Decompress(tok)
	require.NoError(t, err)
	assert.Len(t, cands, 3)
}

// TestCloseCancelsPendingWait verifies that Close during the discovery
// wait releases the blocked CreateOffer immediately.
func TestCloseCancelsPendingWait(t *testing.T) {
	f := newFakeEngine("alpha")

	c := New(f.factory)
	go func() {
		time.Sleep(50 * time.Millisecond)
		c.Close()
	}()

	start := time.Now()
	_, _ = c.CreateOffer(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateDisconnected, c.State())
}

// TestCreateAnswerToleratesRejectedPaths verifies that per-path rejection
// during ingestion is swallowed: the handshake proceeds and ends at
// Connecting.
func TestCreateAnswerToleratesRejectedPaths(t *testing.T) {
	offerTok, err := token.Compress(token.RoleOffer, newFakeEngine("alpha").doc.SDP(), someCandidates(2))
	require.NoError(t, err)

	f := newFakeEngine("beta")
	f.rejectAdds = true
	f.emitGatherDone = true

	c := New(f.factory)
	defer c.Close()

	_, err = c.CreateAnswer(context.Background(), offerTok)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, c.State())
}

// TestConnectedRequiresBothSignals verifies the latch: neither an open
// channel nor a usable path alone reaches Connected — only whichever
// signal arrives second does.
func TestConnectedRequiresBothSignals(t *testing.T) {
	f := newFakeEngine("alpha")
	f.emitGatherDone = true

	c := New(f.factory)
	defer c.Close()

	_, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	answerTok, err := token.Compress(token.RoleAnswer, newFakeEngine("beta").doc.SDP(), nil)
	require.NoError(t, err)
	require.NoError(t, c.AcceptAnswer(answerTok))
	assert.Equal(t, StateConnecting, c.State())

	// Channel open first: not connected yet.
	f.firstChannel(t).fireOpen()
	assert.Equal(t, StateConnecting, c.State())

	// Path usable second: latch fires.
	f.fireState(engine.PathUsable)
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())
}

// TestEngineInitErrorIsFatal verifies the factory-failure path.
func TestEngineInitErrorIsFatal(t *testing.T) {
	c := New(func() (engine.Engine, error) {
		return nil, errors.New("no platform support")
	})
	defer c.Close()

	_, err := c.CreateOffer(context.Background())
	assert.ErrorIs(t, err, ErrEngineInit)
	assert.Equal(t, StateFailed, c.State())
}

// TestSendRequiresOpenChannel verifies send gating before the channel
// opens and after Close.
func TestSendRequiresOpenChannel(t *testing.T) {
	f := newFakeEngine("alpha")
	f.emitGatherDone = true

	c := New(f.factory)
	_, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Send("too early"), ErrChannelNotOpen)

	c.Close()
	assert.ErrorIs(t, c.Send("after close"), ErrChannelNotOpen)
}

// TestPathFailureSurfacesAsCallback verifies that a permanent path
// failure transitions to Failed and reaches the error callback instead of
// any return value.
func TestPathFailureSurfacesAsCallback(t *testing.T) {
	f := newFakeEngine("alpha")
	f.emitGatherDone = true

	c := New(f.factory)
	defer c.Close()

	var gotErr error
	c.OnError(func(err error) { gotErr = err })

	_, err := c.CreateOffer(context.Background())
	require.NoError(t, err)

	f.fireState(engine.PathFailed)
	assert.Equal(t, StateFailed, c.State())
	assert.Error(t, gotErr)
}

// TestEndToEnd walks the full two-controller lifecycle from spec'd usage:
// offer token → answer token → accept → both Connected → messages flow →
// both Close idempotently into Disconnected.
func TestEndToEnd(t *testing.T) {
	engA := newFakeEngine("alpha")
	engA.localCandidates = someCandidates(2)
	engA.emitGatherDone = true

	engB := newFakeEngine("beta")
	engB.localCandidates = someCandidates(1)
	engB.emitGatherDone = true

	ctrlA := New(engA.factory)
	ctrlB := New(engB.factory)

	var (
		statesA []State
		statesB []State
	)
	ctrlA.OnStateChange(func(s State) { statesA = append(statesA, s) })
	ctrlB.OnStateChange(func(s State) { statesB = append(statesB, s) })

	// A offers.
	offerTok, err := ctrlA.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateOffering, ctrlA.State())

	// B answers; B's engine received A's reconstructed identity and paths.
	answerTok, err := ctrlB.CreateAnswer(context.Background(), offerTok)
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, ctrlB.State())
	require.NotNil(t, engB.remote)
	assert.Equal(t, "alpha", engB.remote.Username)
	assert.Equal(t, engA.localCandidates, engB.added)

	// A accepts.
	require.NoError(t, ctrlA.AcceptAnswer(answerTok))
	assert.Equal(t, StateConnecting, ctrlA.State())
	require.NotNil(t, engA.remote)
	assert.Equal(t, "beta", engA.remote.Username)

	// Transport comes up; both latch Connected.
	fromA := make(chan string, 1)
	ctrlB.OnMessage(func(msg string) { fromA <- msg })
	connectFakes(t, engA, engB)
	assert.Equal(t, StateConnected, ctrlA.State())
	assert.Equal(t, StateConnected, ctrlB.State())

	// Messages flow A → B.
	require.NoError(t, ctrlA.Send("hello over qr"))
	select {
	case msg := <-fromA:
		assert.Equal(t, "hello over qr", msg)
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	// Structured payloads serialize to a reversible text form.
	require.NoError(t, ctrlA.SendValue(map[string]int{"n": 7}))
	select {
	case msg := <-fromA:
		assert.JSONEq(t, `{"n":7}`, msg)
	case <-time.After(time.Second):
		t.Fatal("message did not arrive")
	}

	// Close both; idempotent, both end Disconnected.
	ctrlA.Close()
	ctrlA.Close()
	ctrlB.Close()
	ctrlB.Close()
	assert.Equal(t, StateDisconnected, ctrlA.State())
	assert.Equal(t, StateDisconnected, ctrlB.State())
	assert.True(t, engA.closed)
	assert.True(t, engB.closed)

	assert.Equal(t, []State{StateOffering, StateConnecting, StateConnected, StateDisconnected}, statesA)
	assert.Equal(t, []State{StateAnswering, StateConnecting, StateConnected, StateDisconnected}, statesB)
}

// TestDegradationAfterConnected verifies that a channel dropping after
// Connected lands in Disconnected, not Failed.
func TestDegradationAfterConnected(t *testing.T) {
	engA := newFakeEngine("alpha")
	engA.emitGatherDone = true
	engB := newFakeEngine("beta")
	engB.emitGatherDone = true

	ctrlA := New(engA.factory)
	ctrlB := New(engB.factory)
	defer ctrlA.Close()
	defer ctrlB.Close()

	offerTok, err := ctrlA.CreateOffer(context.Background())
	require.NoError(t, err)
	answerTok, err := ctrlB.CreateAnswer(context.Background(), offerTok)
	require.NoError(t, err)
	require.NoError(t, ctrlA.AcceptAnswer(answerTok))

	chA, _ := connectFakes(t, engA, engB)
	require.Equal(t, StateConnected, ctrlA.State())

	chA.fireClose()
	assert.Equal(t, StateDisconnected, ctrlA.State())
}
