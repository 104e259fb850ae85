package engine

import (
	"context"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/qrlink/internal/token"
	"github.com/1ureka/qrlink/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the tool is designed
// for direct P2P connectivity with zero infrastructure cost.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// webrtcEngine implements Engine over a pion PeerConnection.
type webrtcEngine struct {
	pc           *webrtc.PeerConnection
	gatherSignal <-chan struct{}
	done         chan struct{}
	doneOnce     sync.Once

	mu             sync.Mutex
	candidateIndex int // foundation counter for remote candidate lines
	onCand         func(token.Candidate)
	onGather       func()
}

// NewWebRTC creates the pion-backed engine. It satisfies Factory.
func NewWebRTC() (Engine, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, err
	}

	e := &webrtcEngine{
		pc: pc,
		// Armed before gathering can start; fires once all candidates
		// are in.
		gatherSignal: webrtc.GatheringCompletePromise(pc),
		done:         make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		tc, ok := fromICE(c)
		if !ok {
			util.LogDebug("skipping non-IPv4 candidate %s:%d", c.Address, c.Port)
			return
		}
		e.mu.Lock()
		fn := e.onCand
		e.mu.Unlock()
		if fn != nil {
			fn(tc)
		}
	})

	go func() {
		select {
		case <-e.gatherSignal:
		case <-e.done:
			return
		}
		e.mu.Lock()
		fn := e.onGather
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	}()

	return e, nil
}

func (e *webrtcEngine) CreateChannel(label string) (Channel, error) {
	dc, err := e.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return newDataChannel(dc), nil
}

func (e *webrtcEngine) OnChannel(fn func(Channel)) {
	e.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(newDataChannel(dc))
	})
}

func (e *webrtcEngine) OnCandidate(fn func(token.Candidate)) {
	e.mu.Lock()
	e.onCand = fn
	e.mu.Unlock()
}

func (e *webrtcEngine) OnGatheringComplete(fn func()) {
	e.mu.Lock()
	e.onGather = fn
	e.mu.Unlock()
}

func (e *webrtcEngine) OnStateChange(fn func(PathState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(mapPathState(s))
	})
}

func (e *webrtcEngine) LocalDescription(ctx context.Context) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if e.pc.RemoteDescription() == nil {
		desc, err = e.pc.CreateOffer(nil)
	} else {
		desc, err = e.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", err
	}

	// Committing the local description starts ICE gathering; candidate
	// events begin arriving after this point.
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return "", err
	}
	return desc.SDP, nil
}

func (e *webrtcEngine) SetRemoteDescription(doc *token.Document) error {
	sdpType := webrtc.SDPTypeOffer
	if doc.Role == token.RoleAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  doc.SDP(),
	})
}

func (e *webrtcEngine) AddCandidate(c token.Candidate) error {
	e.mu.Lock()
	idx := e.candidateIndex
	e.candidateIndex++
	e.mu.Unlock()

	mid := "0"
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate: c.SDPLine(idx),
		SDPMid:    &mid,
	})
}

func (e *webrtcEngine) Close() error {
	e.doneOnce.Do(func() { close(e.done) })
	return e.pc.Close()
}

// fromICE converts a pion candidate into the packed token form. IPv6 and
// mDNS (.local hostname) candidates do not fit the 4-octet slot and are
// reported as unusable for the token.
func fromICE(c *webrtc.ICECandidate) (token.Candidate, bool) {
	ip := net.ParseIP(c.Address)
	if ip == nil {
		return token.Candidate{}, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return token.Candidate{}, false
	}

	kind := token.KindHost
	switch c.Typ {
	case webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
		kind = token.KindSrflx
	case webrtc.ICECandidateTypeRelay:
		kind = token.KindRelay
	}

	tc := token.Candidate{Port: c.Port, Kind: kind}
	copy(tc.Addr[:], v4)
	return tc, true
}

// mapPathState reduces pion's connection state to the engine boundary's
// path vocabulary.
func mapPathState(s webrtc.PeerConnectionState) PathState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return PathNew
	case webrtc.PeerConnectionStateConnecting:
		return PathChecking
	case webrtc.PeerConnectionStateConnected:
		return PathUsable
	case webrtc.PeerConnectionStateDisconnected:
		return PathDisconnected
	case webrtc.PeerConnectionStateFailed:
		return PathFailed
	}
	return PathClosed
}
