// Package token defines the compact negotiation token that crosses the
// out-of-band QR channel, and the minimal negotiation document it unpacks
// into. A token carries the only five things a peer actually needs to
// complete a handshake: role, ICE credentials, DTLS fingerprint, and a
// bounded list of candidate network paths.
package token

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// Role tag constants. The tag is the first logical field of the token and
// disambiguates offer from answer.
const (
	RoleOffer  Role = 'o'
	RoleAnswer Role = 'a'
)

// Role identifies which side of the handshake produced a token.
type Role byte

func (r Role) String() string {
	switch r {
	case RoleOffer:
		return "offer"
	case RoleAnswer:
		return "answer"
	}
	return "unknown"
}

// Candidate kind tags, carried both inside the packed candidate bytes and
// as the suffix character of each candidate entry.
const (
	KindHost  CandidateKind = 'h' // directly reachable host address
	KindSrflx CandidateKind = 's' // server-reflexive (STUN-discovered) address
	KindRelay CandidateKind = 'r' // relayed (TURN) address
)

// CandidateKind classifies how a candidate address was discovered.
type CandidateKind byte

// typ returns the SDP candidate type string for the kind.
func (k CandidateKind) typ() string {
	switch k {
	case KindSrflx:
		return "srflx"
	case KindRelay:
		return "relay"
	}
	return "host"
}

// Candidate is one network path a peer may be reachable at. Only IPv4
// survives the token: 4 address octets + 2 port bytes + 1 kind tag pack
// into 7 bytes, which is what keeps 5 candidates inside a QR symbol.
type Candidate struct {
	Addr [4]byte
	Port uint16
	Kind CandidateKind
}

// candidate priorities for the synthesized SDP lines, matching the usual
// type-preference ordering (host > srflx > relay).
const (
	priorityHost  = 2130706431
	prioritySrflx = 1694498815
	priorityRelay = 16777215
)

// SDPLine renders the candidate as an a=candidate attribute value the
// engine accepts. The foundation is synthesized from the index; it only
// needs to be unique within one reconstructed document.
func (c Candidate) SDPLine(index int) string {
	priority := priorityHost
	switch c.Kind {
	case KindSrflx:
		priority = prioritySrflx
	case KindRelay:
		priority = priorityRelay
	}
	return fmt.Sprintf("candidate:%d 1 udp %d %d.%d.%d.%d %d typ %s",
		index+1, priority,
		c.Addr[0], c.Addr[1], c.Addr[2], c.Addr[3],
		c.Port, c.Kind.typ(),
	)
}

func (c Candidate) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d/%s",
		c.Addr[0], c.Addr[1], c.Addr[2], c.Addr[3], c.Port, c.Kind.typ())
}

// Document is the minimal negotiation document reconstructed from a token.
// It is functionally equivalent to the original session description — same
// role, credentials, and fingerprint — but none of the boilerplate fields
// survive the round trip; SDP() re-synthesizes them with fixed values.
type Document struct {
	Role        Role
	Username    string   // ICE username fragment
	Password    string   // ICE password
	Fingerprint [32]byte // sha-256 digest of the DTLS certificate
}

// SDP renders the document as a full session description with a single
// application media section. The origin, session, and timing lines are
// placeholders; the engine only cares about the ICE credentials, the
// fingerprint, and the DTLS setup direction derived from the role.
func (d *Document) SDP() string {
	setup := "actpass"
	if d.Role == RoleAnswer {
		setup = "active"
	}

	desc := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{}},
		Attributes: []sdp.Attribute{
			sdp.NewAttribute("group", "BUNDLE 0"),
		},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "application",
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "DTLS", "SCTP"},
				Formats: []string{"webrtc-datachannel"},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
			Attributes: []sdp.Attribute{
				sdp.NewAttribute("setup", setup),
				sdp.NewAttribute("mid", "0"),
				sdp.NewAttribute("ice-ufrag", d.Username),
				sdp.NewAttribute("ice-pwd", d.Password),
				sdp.NewAttribute("fingerprint", "sha-256 "+formatFingerprint(d.Fingerprint)),
				sdp.NewAttribute("sctp-port", "5000"),
				sdp.NewAttribute("max-message-size", "262144"),
			},
		}},
	}

	out, err := desc.Marshal()
	if err != nil {
		// Marshal on a fully populated in-memory description cannot fail.
		panic(fmt.Sprintf("token: SDP marshal: %v", err))
	}
	return string(out)
}

// formatFingerprint renders a packed digest in the colon-separated
// uppercase hex form used by a=fingerprint lines.
func formatFingerprint(fp [32]byte) string {
	var b strings.Builder
	for i, octet := range fp {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String()
}
