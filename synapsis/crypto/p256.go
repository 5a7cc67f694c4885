package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/minio/sha256-simd"
	"github.com/mr-tron/base58"
)

var ErrInvalidSignature = errors.New("crypto: invalid signature")

// multicodec p256-pub, code 0x1200, varint-encoded bytes: [0x80, 0x24]
var multicodecP256Pub = []byte{0x80, 0x24}

// NIST P-256 / secp256r1 private key, used both for user actions and node announcements.
// Secret key material is naively stored in memory.
type PrivateKeyP256 struct {
	privP256ecdh *ecdh.PrivateKey
	privP256     ecdsa.PrivateKey
}

// NIST P-256 / secp256r1 public key.
type PublicKeyP256 struct {
	pubP256 ecdsa.PublicKey
}

// Creates a secure new cryptographic key from scratch.
func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	skECDSA, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256/secp256r1 key generation failed: %w", err)
	}
	skECDH, err := skECDSA.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unexpected internal error converting P-256 key from ecdsa to ecdh: %w", err)
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

// Loads a [PrivateKeyP256] from raw 32-byte scalar bytes, as exported by [PrivateKeyP256.Bytes].
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	// the 'data' bytes format is *not* x509 PKCS8; round-trip through it to get an ecdsa key
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	sk, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	skECDSA, ok := sk.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected internal error parsing own private P-256 x509 key")
	}
	return &PrivateKeyP256{privP256: *skECDSA, privP256ecdh: skECDH}, nil
}

// Wraps an existing ecdsa key, eg one loaded from a JWK file.
func PrivateKeyFromECDSA(sk *ecdsa.PrivateKey) (*PrivateKeyP256, error) {
	if sk == nil || sk.Curve != elliptic.P256() {
		return nil, fmt.Errorf("not a P-256 private key")
	}
	skECDH, err := sk.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	return &PrivateKeyP256{privP256: *sk, privP256ecdh: skECDH}, nil
}

func (k *PrivateKeyP256) Equal(other *PrivateKeyP256) bool {
	if other == nil {
		return false
	}
	return k.privP256.Equal(&other.privP256)
}

// Serializes the secret key material in to the 32-byte "compact" encoding.
func (k *PrivateKeyP256) Bytes() []byte {
	return k.privP256ecdh.Bytes()
}

func (k *PrivateKeyP256) ECDSA() *ecdsa.PrivateKey {
	return &k.privP256
}

func (k *PrivateKeyP256) PublicKey() *PublicKeyP256 {
	return &PublicKeyP256{pubP256: k.privP256.PublicKey}
}

var (
	p256Order     = elliptic.P256().Params().N
	p256HalfOrder = new(big.Int).Rsh(p256Order, 1)
)

// Of the two valid S values for a signature (s and N-s), only the lower one is accepted.
func isLowS(s *big.Int) bool {
	return s.Cmp(p256HalfOrder) <= 0
}

// First hashes the raw bytes with SHA-256, then signs the digest, returning a 64-byte r||s signature.
//
// This method always returns a "low-S" signature, the only form [PublicKeyP256.HashAndVerify] accepts.
func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, &k.privP256, hash[:])
	if err != nil {
		return nil, fmt.Errorf("crypto error signing with P-256/secp256r1 private key: %w", err)
	}
	if !isLowS(s) {
		s.Sub(p256Order, s)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Signs and returns the signature as padded standard base64, the wire encoding for the 'sig' and 'signature' fields.
func (k *PrivateKeyP256) SignBase64(content []byte) (string, error) {
	sig, err := k.HashAndSign(content)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Loads a [PublicKeyP256] from "compressed" curve bytes.
func ParsePublicBytesP256(data []byte) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 public key (x==nil)")
	}
	if !curve.Params().IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid P-256 public key (not on curve)")
	}
	return &PublicKeyP256{pubP256: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

// Parses a public key in multibase encoding: 'z' prefix, base58btc, p256-pub multicodec, compressed bytes.
//
// A "did:key:" prefix is tolerated.
func ParsePublicMultibase(encoded string) (*PublicKeyP256, error) {
	encoded = strings.TrimPrefix(encoded, "did:key:")
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("crypto: not a multibase base58btc string")
	}
	kbytes, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: multibase decode: %w", err)
	}
	if len(kbytes) < 3 || kbytes[0] != multicodecP256Pub[0] || kbytes[1] != multicodecP256Pub[1] {
		return nil, fmt.Errorf("crypto: unsupported multicodec (expected p256-pub)")
	}
	return ParsePublicBytesP256(kbytes[2:])
}

func (k *PublicKeyP256) Equal(other *PublicKeyP256) bool {
	if other == nil {
		return false
	}
	return k.pubP256.Equal(&other.pubP256)
}

// Serializes the key in to "compressed" binary format.
func (k *PublicKeyP256) Bytes() []byte {
	return elliptic.MarshalCompressed(k.pubP256.Curve, k.pubP256.X, k.pubP256.Y)
}

// Multibase string encoding of the public key, including a multicodec indicator and compressed curve bytes serialization
func (k *PublicKeyP256) Multibase() string {
	kbytes := append(append([]byte{}, multicodecP256Pub...), k.Bytes()...)
	return "z" + base58.Encode(kbytes)
}

func (k *PublicKeyP256) DIDKey() string {
	return "did:key:" + k.Multibase()
}

func (k *PublicKeyP256) ECDSA() *ecdsa.PublicKey {
	return &k.pubP256
}

// Hashes the raw bytes using SHA-256, then verifies a 64-byte r||s signature against the digest.
//
// High-S signatures, and any other length or encoding (eg ASN.1 DER), are rejected.
func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("%w: P-256 signatures must be 64 bytes, got len=%d", ErrInvalidSignature, len(sig))
	}
	hash := sha256.Sum256(content)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	if !ecdsa.Verify(&k.pubP256, hash[:], r, s) {
		return ErrInvalidSignature
	}
	if !isLowS(s) {
		return ErrInvalidSignature
	}
	return nil
}

// Decodes a padded standard base64 signature, then calls [PublicKeyP256.HashAndVerify].
func (k *PublicKeyP256) VerifyBase64(content []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.Strict().DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64: %v", ErrInvalidSignature, err)
	}
	return k.HashAndVerify(content, sig)
}
