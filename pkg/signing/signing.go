// Package signing produces the envelope backend nodes verify to trust that a
// request went through this gateway. The wire format is fixed: the JSON body
// is base64url encoded and padded with '=' to a multiple of four, the
// signature is a Schnorr signature over the SHA-256 digest of that padded
// string, hex encoded. Nodes re-derive the exact same bytes, so none of this
// may change independently.
package signing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// Envelope is the signed wrapper sent in place of the raw request body.
type Envelope struct {
	Payload   string `json:"Payload"`
	Signature string `json:"Signature"`
}

// Signer holds the gateway's static keypair, loaded once at startup.
type Signer struct {
	private kyber.Scalar
	public  kyber.Point
}

// NewSigner loads the hex-encoded scalar and point of the gateway keypair.
func NewSigner(privateHex, publicHex string) (*Signer, error) {
	privRaw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	pubRaw, err := hex.DecodeString(publicHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	private := suite.Scalar()
	if err := private.UnmarshalBinary(privRaw); err != nil {
		return nil, fmt.Errorf("unmarshal private key: %w", err)
	}
	public := suite.Point()
	if err := public.UnmarshalBinary(pubRaw); err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}
	return &Signer{private: private, public: public}, nil
}

// NewRandomSigner generates an ephemeral keypair.
func NewRandomSigner() *Signer {
	private := suite.Scalar().Pick(suite.RandomStream())
	return &Signer{
		private: private,
		public:  suite.Point().Mul(private, nil),
	}
}

func (s *Signer) Public() kyber.Point {
	return s.public
}

// EncodePayload renders the body in the envelope's payload format: unpadded
// base64url, then '=' appended until the length is a multiple of four.
func EncodePayload(body []byte) string {
	payload := base64.RawURLEncoding.EncodeToString(body)
	for len(payload)%4 != 0 {
		payload += "="
	}
	return payload
}

// Seal signs the body and builds the envelope. The digest is computed over
// the padded base64 string, not over the raw JSON.
func (s *Signer) Seal(body []byte) (Envelope, error) {
	payload := EncodePayload(body)
	digest := sha256.Sum256([]byte(payload))
	sig, err := schnorr.Sign(suite, s.private, digest[:])
	if err != nil {
		return Envelope{}, fmt.Errorf("schnorr sign: %w", err)
	}
	return Envelope{
		Payload:   payload,
		Signature: hex.EncodeToString(sig),
	}, nil
}

// Verify checks an envelope against a public key the way a backend node does.
func Verify(public kyber.Point, env Envelope) error {
	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(env.Payload))
	return schnorr.Verify(suite, public, digest[:], sig)
}
