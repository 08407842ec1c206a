package vhl

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zlib"

	"github.com/fhir-infra/fhirhub"
	"github.com/fhir-infra/fhirhub/internal/base45"
)

func testKeyPEM(t *testing.T, curve elliptic.Curve) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// TestSignRoundtrip walks the signature back through every pipeline stage:
// Base45, zlib inflate, the tagged COSE_Sign1 layout, the protected header,
// the claims payload, and finally the ECDSA verification.
func TestSignRoundtrip(t *testing.T) {
	t.Parallel()
	const url = "https://example.org/shl/access/abc"
	s, err := NewSigner("XX", "11", testKeyPEM(t, elliptic.P256()))
	if err != nil {
		t.Fatal(err)
	}
	out, err := s.Sign(url)
	if err != nil {
		t.Fatal(err)
	}
	if out == "" {
		t.Fatal("empty signature")
	}

	compressed, err := base45.Decode(out)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}

	var tag cbor.RawTag
	if err := cbor.Unmarshal(msg, &tag); err != nil {
		t.Fatal(err)
	}
	if tag.Number != 18 {
		t.Fatalf("tag: got: %d, want: 18", tag.Number)
	}
	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(tag.Content, &parts); err != nil {
		t.Fatal(err)
	}
	if len(parts) != 4 {
		t.Fatalf("COSE_Sign1 arity: got: %d, want: 4", len(parts))
	}

	var protected, payload, sig []byte
	for i, dst := range []*[]byte{&protected, nil, &payload, &sig} {
		if dst == nil {
			continue
		}
		if err := cbor.Unmarshal(parts[i], dst); err != nil {
			t.Fatal(err)
		}
	}

	var hdr struct {
		Alg int64  `cbor:"1,keyasint"`
		Kid string `cbor:"4,keyasint"`
	}
	if err := cbor.Unmarshal(protected, &hdr); err != nil {
		t.Fatal(err)
	}
	if hdr.Alg != -7 || hdr.Kid != "11" {
		t.Errorf("protected header: got: %+v", hdr)
	}

	var claims struct {
		Issuer string `cbor:"1,keyasint"`
		HCert  struct {
			Links []string `cbor:"5,keyasint"`
		} `cbor:"-260,keyasint"`
	}
	if err := cbor.Unmarshal(payload, &claims); err != nil {
		t.Fatal(err)
	}
	if claims.Issuer != "XX" {
		t.Errorf("issuer: got: %q, want: %q", claims.Issuer, "XX")
	}
	if want := []string{url}; !cmp.Equal(claims.HCert.Links, want) {
		t.Error(cmp.Diff(claims.HCert.Links, want))
	}

	// Rebuild the Sig_structure and verify against the public key.
	sigStruct, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		t.Fatal(err)
	}
	if len(sig) != 64 {
		t.Fatalf("signature length: got: %d, want: 64", len(sig))
	}
	digest := sha256.Sum256(sigStruct)
	r := new(big.Int).SetBytes(sig[:32])
	sv := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(s.Public(), digest[:], r, sv) {
		t.Error("signature did not verify")
	}
}

func TestUnsupportedKeys(t *testing.T) {
	t.Parallel()
	tt := []struct {
		Name string
		PEM  []byte
	}{
		{"WrongCurve", nil}, // filled below
		{"Garbage", []byte("not a key")},
		{"WrongBlock", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30}})},
	}
	tt[0].PEM = testKeyPEM(t, elliptic.P384())
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			if _, err := NewSigner("XX", "11", tc.PEM); !errors.Is(err, fhirhub.ErrUnsupportedKey) {
				t.Errorf("got: %v, want unsupported key", err)
			}
		})
	}
}
