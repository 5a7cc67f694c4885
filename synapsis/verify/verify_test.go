package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
)

type MockKeyResolver struct {
	Keys map[syntax.DID]*ResolvedKey
	Err  error
}

func (m *MockKeyResolver) ResolveKey(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*ResolvedKey, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	rk, ok := m.Keys[did]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rk, nil
}

type verifyFixture struct {
	priv     *crypto.PrivateKeyP256
	resolver *MockKeyResolver
	verifier *Verifier
	now      time.Time
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	priv, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	resolver := &MockKeyResolver{Keys: map[syntax.DID]*ResolvedKey{
		"did:synapsis:alice": {
			PublicKey:  priv.PublicKey(),
			Handle:     "alice",
			NodeDomain: "alpha.example",
		},
	}}
	v := NewVerifier(resolver)
	v.Now = func() time.Time { return now }
	return &verifyFixture{priv: priv, resolver: resolver, verifier: v, now: now}
}

func (f *verifyFixture) like(t *testing.T, ts time.Time) *SignedAction {
	inter := &LikeAction{Routing: Routing{ActorNodeDomain: "alpha.example", TargetNodeDomain: "beta.example"}}
	inter.PostID = "post-1"
	sa, err := NewSignedAction(inter, "did:synapsis:alice", "alice", ts)
	require.NoError(t, err)
	require.NoError(t, sa.Sign(f.priv))
	return sa
}

func TestVerifyValid(t *testing.T) {
	assert := assert.New(t)
	f := newVerifyFixture(t)
	ctx := context.Background()

	sa := f.like(t, f.now)
	out, err := f.verifier.Verify(ctx, sa)
	require.NoError(t, err)
	assert.Equal(syntax.DID("did:synapsis:alice"), out.Actor.DID)
	assert.Equal(syntax.Handle("alice"), out.Actor.Handle)
	assert.Equal(syntax.Domain("alpha.example"), out.Actor.NodeDomain)
	assert.Equal("alice@alpha.example", out.Actor.String())
	assert.Equal(KindLike, out.Interaction.Kind())
	assert.Equal("post-1", TargetPost(out.Interaction))
	assert.Equal(crypto.ActionID(out.Canonical), out.ActionID)
	assert.NotContains(string(out.Canonical), `"sig"`)
}

func TestVerifyWireRoundTrip(t *testing.T) {
	assert := assert.New(t)
	f := newVerifyFixture(t)

	sa := f.like(t, f.now)
	b, err := sa.Bytes()
	require.NoError(t, err)

	// re-encode through a map, which changes key order; canonical bytes are unaffected
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	reordered, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)

	parsed, err := ParseSignedAction(reordered)
	require.NoError(t, err)
	out, err := f.verifier.Verify(context.Background(), parsed)
	require.NoError(t, err)

	orig, err := sa.CanonicalBytes()
	require.NoError(t, err)
	assert.Equal(crypto.ActionID(orig), out.ActionID)

	again, err := parsed.Bytes()
	assert.NoError(err)
	assert.Equal(reordered, again)
}

type freshnessFixture struct {
	Offset time.Duration
	Valid  bool
}

func TestVerifyFreshnessBoundary(t *testing.T) {
	assert := assert.New(t)
	f := newVerifyFixture(t)
	ctx := context.Background()

	fixtures := []freshnessFixture{
		{Offset: 0, Valid: true},
		{Offset: -5 * time.Minute, Valid: true},
		{Offset: 5 * time.Minute, Valid: true},
		{Offset: -5*time.Minute + time.Second, Valid: true},
		{Offset: 5*time.Minute - time.Second, Valid: true},
		{Offset: -5*time.Minute - time.Second, Valid: false},
		{Offset: 5*time.Minute + time.Second, Valid: false},
		{Offset: -time.Hour, Valid: false},
	}

	for _, fix := range fixtures {
		sa := f.like(t, f.now.Add(fix.Offset))
		_, err := f.verifier.Verify(ctx, sa)
		if fix.Valid {
			assert.NoError(err, fix.Offset.String())
		} else {
			assert.Equal(CodeInvalidTimestamp, CodeOf(err), fix.Offset.String())
		}
	}
}

func TestVerifyRejections(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	{
		// tampered payload after signing
		f := newVerifyFixture(t)
		sa := f.like(t, f.now)
		sa.Data = json.RawMessage(`{"actorNodeDomain":"alpha.example","targetNodeDomain":"beta.example","postId":"post-2"}`)
		_, err := f.verifier.Verify(ctx, sa)
		assert.Equal(CodeInvalidSignature, CodeOf(err))
		verr, ok := AsError(err)
		assert.True(ok)
		assert.True(verr.IsSecurity())
		assert.Equal(RetryNever, verr.Retry())
	}
	{
		// signed by a different key
		f := newVerifyFixture(t)
		other, err := crypto.GeneratePrivateKeyP256()
		require.NoError(t, err)
		sa := f.like(t, f.now)
		require.NoError(t, sa.Sign(other))
		_, err = f.verifier.Verify(ctx, sa)
		assert.Equal(CodeInvalidSignature, CodeOf(err))
	}
	{
		// unknown actor
		f := newVerifyFixture(t)
		sa := f.like(t, f.now)
		sa.DID = "did:synapsis:mallory"
		require.NoError(t, sa.Sign(f.priv))
		_, err := f.verifier.Verify(ctx, sa)
		assert.Equal(CodeUserNotFound, CodeOf(err))
	}
	{
		// claimed handle does not match directory
		f := newVerifyFixture(t)
		sa := f.like(t, f.now)
		sa.Handle = "bob"
		require.NoError(t, sa.Sign(f.priv))
		_, err := f.verifier.Verify(ctx, sa)
		assert.Equal(CodeHandleMismatch, CodeOf(err))
	}
	{
		// claimed node does not match directory
		f := newVerifyFixture(t)
		inter := &LikeAction{Routing: Routing{ActorNodeDomain: "gamma.example"}}
		inter.PostID = "post-1"
		sa, err := NewSignedAction(inter, "did:synapsis:alice", "alice", f.now)
		require.NoError(t, err)
		require.NoError(t, sa.Sign(f.priv))
		_, err = f.verifier.Verify(ctx, sa)
		assert.Equal(CodeHandleMismatch, CodeOf(err))
	}
	{
		// resolver refuses with a structured error (eg, strict key conflict)
		f := newVerifyFixture(t)
		f.resolver.Err = Reject(CodeKeyConflict, "pending key change")
		_, err := f.verifier.Verify(ctx, f.like(t, f.now))
		assert.Equal(CodeKeyConflict, CodeOf(err))
		verr, _ := AsError(err)
		assert.Equal(RetryLater, verr.Retry())
	}
	{
		// remote node unreachable while fetching key
		f := newVerifyFixture(t)
		f.resolver.Err = fmt.Errorf("dial tcp: %w", errors.New("connection refused"))
		_, err := f.verifier.Verify(ctx, f.like(t, f.now))
		assert.Equal(CodePeerUnavailable, CodeOf(err))
	}
	{
		f := newVerifyFixture(t)
		_, err := f.verifier.Verify(ctx, nil)
		assert.Equal(CodeMalformed, CodeOf(err))
	}
}

type interactionFixture struct {
	Action string
	Data   string
	Valid  bool
	Kind   Kind
}

func TestParseInteraction(t *testing.T) {
	assert := assert.New(t)

	fixtures := []interactionFixture{
		{Action: "like", Data: `{"actorNodeDomain":"a.example","postId":"p1"}`, Valid: true, Kind: KindLike},
		{Action: "unlike", Data: `{"actorNodeDomain":"a.example","postId":"p1"}`, Valid: true, Kind: KindUnlike},
		{Action: "repost", Data: `{"actorNodeDomain":"a.example","postId":"p1","targetNodeDomain":"b.example"}`, Valid: true, Kind: KindRepost},
		{Action: "unrepost", Data: `{"actorNodeDomain":"a.example","postId":"p1"}`, Valid: true, Kind: KindUnrepost},
		{Action: "follow", Data: `{"actorNodeDomain":"a.example","targetHandle":"bob"}`, Valid: true, Kind: KindFollow},
		{Action: "unfollow", Data: `{"actorNodeDomain":"a.example","targetHandle":"@bob"}`, Valid: true, Kind: KindUnfollow},
		{Action: "mention", Data: `{"actorNodeDomain":"a.example","targetHandle":"bob","postId":"p9","excerpt":"hi @bob"}`, Valid: true, Kind: KindMention},
		{Action: "like", Data: `{"actorNodeDomain":"a.example"}`},
		{Action: "like", Data: `{"postId":"p1"}`},
		{Action: "like", Data: `{"actorNodeDomain":"a.example","postId":"p1","extra":true}`},
		{Action: "follow", Data: `{"actorNodeDomain":"a.example","targetHandle":"bob@c.example"}`},
		{Action: "mention", Data: `{"actorNodeDomain":"a.example","targetHandle":"bob"}`},
		{Action: "like", Data: `null`},
		{Action: "like", Data: ``},
		{Action: "like", Data: `[1]`},
		{Action: "boost", Data: `{"actorNodeDomain":"a.example","postId":"p1"}`},
	}

	for _, f := range fixtures {
		inter, err := ParseInteraction(f.Action, json.RawMessage(f.Data))
		if !f.Valid {
			assert.Equal(CodeMalformed, CodeOf(err), f.Action+" "+f.Data)
			continue
		}
		if assert.NoError(err, f.Data) {
			assert.Equal(f.Kind, inter.Kind())
			assert.Equal("a.example", inter.Route().ActorNodeDomain)
		}
	}
}

func TestParseSignedAction(t *testing.T) {
	assert := assert.New(t)

	good := `{"action":"like","data":{"actorNodeDomain":"a.example","postId":"p1"},"did":"did:synapsis:x","handle":"x","ts":1700000000000,"nonce":"n","sig":"AA=="}`
	_, err := ParseSignedAction([]byte(good))
	assert.NoError(err)

	bad := []string{
		`{}`,
		`not json`,
		`{"action":"like","data":{},"did":"did:synapsis:x","handle":"x","ts":1700000000000,"nonce":"n","sig":"AA==","extra":1}`,
		`{"action":"like","data":{},"did":"nope","handle":"x","ts":1700000000000,"nonce":"n","sig":"AA=="}`,
		`{"action":"like","data":{},"did":"did:synapsis:x","handle":"x y","ts":1700000000000,"nonce":"n","sig":"AA=="}`,
		`{"action":"like","data":{},"did":"did:synapsis:x","handle":"x","ts":1700000000000,"nonce":"","sig":"AA=="}`,
		`{"action":"like","data":{},"did":"did:synapsis:x","handle":"x","ts":1700000000000,"nonce":"n","sig":""}`,
	}
	for _, b := range bad {
		_, err := ParseSignedAction([]byte(b))
		assert.Equal(CodeMalformed, CodeOf(err), b)
	}
}

func TestChainResolver(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	priv, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	local := &MockKeyResolver{Keys: map[syntax.DID]*ResolvedKey{"did:synapsis:a": {PublicKey: priv.PublicKey(), Local: true}}}
	remote := &MockKeyResolver{Keys: map[syntax.DID]*ResolvedKey{"did:synapsis:b": {PublicKey: priv.PublicKey(), FirstUse: true}}}
	chain := &ChainResolver{Resolvers: []KeyResolver{local, remote}}

	rk, err := chain.ResolveKey(ctx, "did:synapsis:a", "a.example")
	assert.NoError(err)
	assert.True(rk.Local)

	rk, err = chain.ResolveKey(ctx, "did:synapsis:b", "b.example")
	assert.NoError(err)
	assert.True(rk.FirstUse)

	_, err = chain.ResolveKey(ctx, "did:synapsis:c", "c.example")
	assert.ErrorIs(err, ErrKeyNotFound)

	// hard errors stop the chain
	local.Err = errors.New("database down")
	_, err = chain.ResolveKey(ctx, "did:synapsis:b", "b.example")
	assert.EqualError(err, "database down")
}

func TestErrorDispositions(t *testing.T) {
	assert := assert.New(t)

	replay := Reject(CodeReplayedNonce, "seen")
	assert.Equal(ClassReplay, replay.Class())
	assert.Equal(RetryApplied, replay.Retry())
	assert.Equal(200, replay.HTTPStatus())

	rl := RateLimited(3 * time.Second)
	assert.Equal(RetryLater, rl.Retry())
	assert.Equal(429, rl.HTTPStatus())
	assert.Equal(3*time.Second, rl.RetryAfter)

	assert.Equal(400, Reject(CodeMalformed, "x").HTTPStatus())
	assert.Equal(403, Reject(CodeInvalidSignature, "x").HTTPStatus())
	assert.Equal(404, Reject(CodeNotFound, "x").HTTPStatus())

	wrapped := fmt.Errorf("delivering: %w", Reject(CodeNotFound, "no such post"))
	assert.Equal(CodeNotFound, CodeOf(wrapped))
	assert.Equal(Code(""), CodeOf(errors.New("plain")))
}
