package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyBasics(t *testing.T) {
	assert := assert.New(t)

	// try signing/verifying a couple different message sizes. these all just get hashed.
	msg := []byte("test-message")
	bigMsg := make([]byte, 1024*1024)
	_, err := rand.Read(bigMsg)
	assert.NoError(err)

	priv, err := GeneratePrivateKeyP256()
	assert.NoError(err)
	privFromBytes, err := ParsePrivateBytesP256(priv.Bytes())
	assert.NoError(err)
	assert.True(priv.Equal(privFromBytes))

	pub := priv.PublicKey()
	sig, err := priv.HashAndSign(msg)
	assert.NoError(err)
	assert.Equal(64, len(sig))
	assert.NoError(pub.HashAndVerify(msg, sig))
	assert.Error(pub.HashAndVerify([]byte("other-message"), sig))

	bigSig, err := priv.HashAndSign(bigMsg)
	assert.NoError(err)
	assert.NoError(pub.HashAndVerify(bigMsg, bigSig))

	pubFromBytes, err := ParsePublicBytesP256(pub.Bytes())
	assert.NoError(err)
	assert.True(pub.Equal(pubFromBytes))

	pubFromMB, err := ParsePublicMultibase(pub.Multibase())
	assert.NoError(err)
	assert.True(pub.Equal(pubFromMB))
	assert.Equal("z", pub.Multibase()[:1])

	pubFromDK, err := ParsePublicMultibase(pub.DIDKey())
	assert.NoError(err)
	assert.True(pub.Equal(pubFromDK))

	other, err := GeneratePrivateKeyP256()
	assert.NoError(err)
	assert.Error(other.PublicKey().HashAndVerify(msg, sig))
	assert.False(pub.Equal(other.PublicKey()))

	fromECDSA, err := PrivateKeyFromECDSA(priv.ECDSA())
	assert.NoError(err)
	assert.True(priv.Equal(fromECDSA))
}

func TestParsePublicMultibaseErrors(t *testing.T) {
	assert := assert.New(t)

	for _, bad := range []string{"", "z", "abc", "zzzzz", "z0OIl", "did:key:"} {
		_, err := ParsePublicMultibase(bad)
		assert.Error(err, bad)
	}
}

// this does a large number of sign/verify cycles, to try and hit any bad high-S signatures
func TestLowSMany(t *testing.T) {
	assert := assert.New(t)

	msg := make([]byte, 1024)
	for i := 0; i < 128; i++ {
		priv, err := GeneratePrivateKeyP256()
		assert.NoError(err)
		pub := priv.PublicKey()

		_, err = rand.Read(msg)
		assert.NoError(err)

		sig, err := priv.HashAndSign(msg)
		assert.NoError(err)
		assert.NoError(pub.HashAndVerify(msg, sig))
	}
}

func TestSignatureEncodings(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	msg := []byte("single accepted encoding")
	priv, err := GeneratePrivateKeyP256()
	require.NoError(err)
	pub := priv.PublicKey()

	sigB64, err := priv.SignBase64(msg)
	require.NoError(err)
	assert.NoError(pub.VerifyBase64(msg, sigB64))

	// url-safe or unpadded base64 is not accepted
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	require.NoError(err)
	assert.ErrorIs(pub.VerifyBase64(msg, base64.RawStdEncoding.EncodeToString(raw)), ErrInvalidSignature)

	// high-S form of the same signature is a valid ECDSA signature, but rejected
	s := new(big.Int).SetBytes(raw[32:])
	highS := new(big.Int).Sub(p256Order, s)
	mangled := make([]byte, 64)
	copy(mangled[:32], raw[:32])
	highS.FillBytes(mangled[32:])
	assert.ErrorIs(pub.HashAndVerify(msg, mangled), ErrInvalidSignature)

	// wrong length (eg, DER)
	assert.ErrorIs(pub.HashAndVerify(msg, raw[:63]), ErrInvalidSignature)
	assert.ErrorIs(pub.HashAndVerify(msg, append(raw, 0)), ErrInvalidSignature)
}

type canonicalVectors struct {
	Valid []struct {
		Name   string `json:"name"`
		Input  string `json:"input"`
		Output string `json:"output"`
	} `json:"valid"`
	Invalid []struct {
		Name  string `json:"name"`
		Input string `json:"input"`
	} `json:"invalid"`
	Actions []struct {
		Name      string   `json:"name"`
		Input     string   `json:"input"`
		Exclude   []string `json:"exclude"`
		Canonical string   `json:"canonical"`
		ActionID  string   `json:"actionId"`
	} `json:"actions"`
}

func loadVectors(t *testing.T) canonicalVectors {
	b, err := os.ReadFile("testdata/canonical_vectors.json")
	require.NoError(t, err)
	var vecs canonicalVectors
	require.NoError(t, json.Unmarshal(b, &vecs))
	return vecs
}

func TestCanonicalVectors(t *testing.T) {
	assert := assert.New(t)
	vecs := loadVectors(t)

	assert.NotEmpty(vecs.Valid)
	for _, v := range vecs.Valid {
		out, err := CanonicalizeJSON([]byte(v.Input))
		if !assert.NoError(err, v.Name) {
			continue
		}
		assert.Equal(v.Output, string(out), v.Name)

		// canonical form is a fixed point
		again, err := CanonicalizeJSON(out)
		assert.NoError(err, v.Name)
		assert.Equal(string(out), string(again), v.Name)
	}

	for _, v := range vecs.Invalid {
		_, err := CanonicalizeJSON([]byte(v.Input))
		assert.Error(err, v.Name)
	}

	for _, v := range vecs.Actions {
		out, err := CanonicalizeJSONWithout([]byte(v.Input), v.Exclude...)
		if !assert.NoError(err, v.Name) {
			continue
		}
		assert.Equal(v.Canonical, string(out), v.Name)
		assert.Equal(v.ActionID, ActionID(out), v.Name)
	}
}

func TestCanonicalizeErrors(t *testing.T) {
	assert := assert.New(t)

	_, err := CanonicalizeJSON([]byte("{\"a\":\"\xff\"}"))
	assert.ErrorIs(err, ErrInvalidUTF8)

	_, err = CanonicalizeJSON([]byte(`{"a":1,"a":1}`))
	assert.ErrorIs(err, ErrDuplicateKey)

	_, err = CanonicalizeJSONWithout([]byte(`[1,2]`), "sig")
	assert.ErrorIs(err, ErrNotObject)
}

func TestCanonicalizeStruct(t *testing.T) {
	assert := assert.New(t)

	type payload struct {
		Zeta  string         `json:"zeta"`
		Alpha int            `json:"alpha"`
		Inner map[string]any `json:"inner"`
	}
	out, err := Canonicalize(payload{Zeta: "<b>", Alpha: 7, Inner: map[string]any{"y": 1.0, "x": false}})
	assert.NoError(err)
	assert.Equal(`{"alpha":7,"inner":{"x":false,"y":1},"zeta":"<b>"}`, string(out))
}

func TestSignCanonicalRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	priv, err := GeneratePrivateKeyP256()
	require.NoError(err)

	canon, err := CanonicalizeJSONWithout([]byte(`{"b":1,"a":2,"sig":"ignored"}`), "sig")
	require.NoError(err)
	sig, err := priv.SignBase64(canon)
	require.NoError(err)

	// key order and whitespace in transit do not matter
	recanon, err := CanonicalizeJSONWithout([]byte(`{ "sig":"other", "a":2, "b":1 }`), "sig")
	require.NoError(err)
	assert.NoError(priv.PublicKey().VerifyBase64(recanon, sig))
	assert.Equal(ActionID(canon), ActionID(recanon))
	assert.Equal(64, len(ActionID(canon)))
}
