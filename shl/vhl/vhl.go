// Package vhl produces Verifiable Health Link signatures: a claims map over
// an SHL access URL, signed as a COSE_Sign1 (ES256), deflated, and
// Base45-encoded per the digital green certificate encoding.
package vhl

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zlib"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/base45"
)

// CWT claim keys used in the payload.
const (
	claimIssuer = 1
	claimHCert  = -260
	hcertLinks  = 5
)

// COSE header parameters and the ES256 algorithm identifier.
const (
	headerAlg = 1
	headerKid = 4
	algES256  = -7
)

// CoseSign1Tag is the CBOR tag for a COSE_Sign1 message.
const coseSign1Tag = 18

// Signer signs URLs with a fixed issuer, key id, and P-256 private key.
type Signer struct {
	key    *ecdsa.PrivateKey
	issuer string
	kid    string
}

// NewSigner parses a PEM-encoded EC private key. Keys on any curve other
// than P-256 are rejected with an UnsupportedKey error.
func NewSigner(issuer, kid string, keyPEM []byte) (*Signer, error) {
	const op = `vhl.NewSigner`
	blk, _ := pem.Decode(keyPEM)
	if blk == nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrUnsupportedKey, Op: op, Message: "no PEM block in key material"}
	}
	var key any
	var err error
	switch blk.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(blk.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(blk.Bytes)
	default:
		return nil, &fhirhub.Error{Kind: fhirhub.ErrUnsupportedKey, Op: op, Message: fmt.Sprintf("unexpected PEM block %q", blk.Type)}
	}
	if err != nil {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrUnsupportedKey, Op: op, Inner: err}
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrUnsupportedKey, Op: op, Message: fmt.Sprintf("key type %T, want EC", key)}
	}
	if ec.Curve != elliptic.P256() {
		return nil, &fhirhub.Error{Kind: fhirhub.ErrUnsupportedKey, Op: op, Message: fmt.Sprintf("curve %s, want P-256", ec.Curve.Params().Name)}
	}
	return &Signer{key: ec, issuer: issuer, kid: kid}, nil
}

// Public returns the verification half of the signing key.
func (s *Signer) Public() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign wraps the URL in the claims map, signs it as COSE_Sign1, deflates
// the tagged message, and returns it Base45-encoded.
func (s *Signer) Sign(url string) (string, error) {
	const op = `vhl.Signer.Sign`
	payload, err := cbor.Marshal(map[int]any{
		claimIssuer: s.issuer,
		claimHCert:  map[int]any{hcertLinks: []string{url}},
	})
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrSignFailure, Op: op, Inner: err}
	}
	protected, err := cbor.Marshal(map[int]any{
		headerAlg: algES256,
		headerKid: s.kid,
	})
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrSignFailure, Op: op, Inner: err}
	}
	sig, err := s.sign(protected, payload)
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrSignFailure, Op: op, Inner: err}
	}

	msg, err := cbor.Marshal(cbor.Tag{
		Number:  coseSign1Tag,
		Content: []any{protected, map[any]any{}, payload, sig},
	})
	if err != nil {
		return "", &fhirhub.Error{Kind: fhirhub.ErrSignFailure, Op: op, Inner: err}
	}
	return base45.Encode(deflate(msg)), nil
}

// Sign computes the ES256 signature over the COSE Sig_structure, returned
// in the raw r||s form, each half left-padded to 32 bytes.
func (s *Signer) sign(protected, payload []byte) ([]byte, error) {
	sigStruct, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(sigStruct)
	r, sv, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sv.FillBytes(sig[32:])
	return sig, nil
}

func deflate(buf []byte) []byte {
	var out bytes.Buffer
	w, _ := zlib.NewWriterLevel(&out, zlib.BestCompression)
	w.Write(buf)
	w.Close()
	return out.Bytes()
}
