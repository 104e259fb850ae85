package token

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pion/sdp/v3"
)

// MaxCandidates is the hard cap on candidates that survive compression.
// Anything beyond it is silently dropped: QR payload size is the binding
// constraint, and append order approximates "cheapest path first", so the
// dropped tail is the least likely to succeed anyway.
const MaxCandidates = 5

var (
	// ErrMalformedDescription reports a session description missing one of
	// the fields without which no reconstruction is possible (ICE
	// credentials or fingerprint). A caller bug, not retryable.
	ErrMalformedDescription = errors.New("negotiation data missing required fields")

	// ErrInvalidToken reports a token that failed to parse. Usually a bad
	// scan or a protocol mismatch; retryable by rescanning.
	ErrInvalidToken = errors.New("invalid token")
)

// record is the structured form of the token, CBOR-encoded and then
// base64'd. Single-letter keys keep the overhead per field to three bytes.
type record struct {
	Tag         byte     `cbor:"t"`
	Username    string   `cbor:"u"`
	Password    string   `cbor:"p"`
	Fingerprint string   `cbor:"f"`           // base64 of the packed 32-byte digest
	Candidates  []string `cbor:"c,omitempty"` // packed-and-base64'd, kind-suffixed
}

// CBOR modes configured once at init. Deterministic encoding keeps the
// same logical record producing identical token bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

// tokenEncoding is the outer base64 alphabet. URL-safe without padding:
// every output character survives QR alphanumeric handling and copy-paste.
var tokenEncoding = base64.RawURLEncoding

// fieldEncoding is the inner base64 alphabet for the packed fingerprint
// and candidate fields.
var fieldEncoding = base64.RawStdEncoding

// Compress packs the essential fields of a session description plus the
// gathered candidates into a compact token. Candidates beyond
// MaxCandidates are dropped in insertion order. Returns
// ErrMalformedDescription if the description lacks ICE credentials or a
// sha-256 fingerprint.
func Compress(role Role, sdpText string, candidates []Candidate) (string, error) {
	if role != RoleOffer && role != RoleAnswer {
		return "", fmt.Errorf("%w: unknown role tag %q", ErrMalformedDescription, byte(role))
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(sdpText)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}

	ufrag, ok := findAttribute(&desc, "ice-ufrag")
	if !ok || ufrag == "" {
		return "", fmt.Errorf("%w: no ice-ufrag", ErrMalformedDescription)
	}
	pwd, ok := findAttribute(&desc, "ice-pwd")
	if !ok || pwd == "" {
		return "", fmt.Errorf("%w: no ice-pwd", ErrMalformedDescription)
	}
	fpAttr, ok := findAttribute(&desc, "fingerprint")
	if !ok {
		return "", fmt.Errorf("%w: no fingerprint", ErrMalformedDescription)
	}
	fp, err := parseFingerprint(fpAttr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}

	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}

	rec := record{
		Tag:         byte(role),
		Username:    ufrag,
		Password:    pwd,
		Fingerprint: fieldEncoding.EncodeToString(fp[:]),
	}
	for _, c := range candidates {
		rec.Candidates = append(rec.Candidates, packCandidate(c))
	}

	raw, err := encMode.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode token record: %w", err)
	}
	return tokenEncoding.EncodeToString(raw), nil
}

// Decompress reverses Compress. The returned document carries exactly the
// role, credentials, and fingerprint that went in; everything else is
// synthesized by Document.SDP. Individually malformed candidate entries
// are skipped rather than failing the whole token.
func Decompress(tok string) (*Document, []Candidate, error) {
	raw, err := tokenEncoding.DecodeString(strings.TrimSpace(tok))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	var rec record
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	role := Role(rec.Tag)
	if role != RoleOffer && role != RoleAnswer {
		return nil, nil, fmt.Errorf("%w: unknown role tag %q", ErrInvalidToken, rec.Tag)
	}
	if rec.Username == "" || rec.Password == "" {
		return nil, nil, fmt.Errorf("%w: missing credentials", ErrInvalidToken)
	}

	fpBytes, err := fieldEncoding.DecodeString(rec.Fingerprint)
	if err != nil || len(fpBytes) != 32 {
		return nil, nil, fmt.Errorf("%w: bad fingerprint field", ErrInvalidToken)
	}

	doc := &Document{
		Role:     role,
		Username: rec.Username,
		Password: rec.Password,
	}
	copy(doc.Fingerprint[:], fpBytes)

	var candidates []Candidate
	for _, entry := range rec.Candidates {
		c, ok := unpackCandidate(entry)
		if !ok {
			continue
		}
		candidates = append(candidates, c)
	}
	return doc, candidates, nil
}

// packCandidate encodes a candidate as base64(addr[4] + port[2] + kind[1])
// followed by the kind character, so the entry can be split from the end
// without a delimiter inside the packed part.
func packCandidate(c Candidate) string {
	var buf [7]byte
	copy(buf[:4], c.Addr[:])
	binary.BigEndian.PutUint16(buf[4:6], c.Port)
	buf[6] = byte(c.Kind)
	return fieldEncoding.EncodeToString(buf[:]) + string(byte(c.Kind))
}

// unpackCandidate reverses packCandidate. A mismatched suffix or short
// packed body marks the entry as unusable.
func unpackCandidate(entry string) (Candidate, bool) {
	if len(entry) < 2 {
		return Candidate{}, false
	}
	kind := CandidateKind(entry[len(entry)-1])
	if kind != KindHost && kind != KindSrflx && kind != KindRelay {
		return Candidate{}, false
	}

	buf, err := fieldEncoding.DecodeString(entry[:len(entry)-1])
	if err != nil || len(buf) != 7 || CandidateKind(buf[6]) != kind {
		return Candidate{}, false
	}

	c := Candidate{Port: binary.BigEndian.Uint16(buf[4:6]), Kind: kind}
	copy(c.Addr[:], buf[:4])
	return c, true
}

// findAttribute returns the first occurrence of the named attribute at the
// session level or inside any media section. WebRTC implementations differ
// on where they place ice-ufrag/ice-pwd/fingerprint, so both are checked.
func findAttribute(desc *sdp.SessionDescription, name string) (string, bool) {
	for _, a := range desc.Attributes {
		if a.Key == name {
			return a.Value, true
		}
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == name {
				return a.Value, true
			}
		}
	}
	return "", false
}

// parseFingerprint converts an a=fingerprint value ("sha-256 AA:BB:…")
// into the packed 32-byte digest. Only sha-256 fits the fixed-size slot.
func parseFingerprint(value string) ([32]byte, error) {
	var fp [32]byte

	algo, digest, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok {
		return fp, fmt.Errorf("fingerprint %q has no digest", value)
	}
	if !strings.EqualFold(algo, "sha-256") {
		return fp, fmt.Errorf("unsupported fingerprint algorithm %q", algo)
	}

	raw, err := hex.DecodeString(strings.ReplaceAll(digest, ":", ""))
	if err != nil {
		return fp, fmt.Errorf("fingerprint digest: %v", err)
	}
	if len(raw) != 32 {
		return fp, fmt.Errorf("fingerprint digest is %d bytes, want 32", len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}
