package swarm

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, mutate func(*NodeRegistryConfig)) *NodeRegistry {
	t.Helper()
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "nodes.sqlite"), 1)
	require.NoError(t, err)
	config := DefaultNodeRegistryConfig()
	config.LocalDomain = "local.example"
	if mutate != nil {
		mutate(&config)
	}
	n := NewNodeRegistry(db, config)
	require.NoError(t, n.Migrate())
	return n
}

func signedAnnounce(t *testing.T, domain string, key *crypto.PrivateKeyP256) *Announce {
	t.Helper()
	a := &Announce{Domain: domain, Name: "Some Node", Capabilities: []string{"gossip", "Handles", "teleport"}}
	require.NoError(t, a.Sign(key, time.Now()))
	b, err := a.Bytes()
	require.NoError(t, err)
	parsed, err := ParseAnnounce(b)
	require.NoError(t, err)
	return parsed
}

func TestAnnounceSignature(t *testing.T) {
	assert := assert.New(t)
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	a := signedAnnounce(t, "beta.example", key)
	pub, err := a.VerifySignature()
	require.NoError(t, err)
	assert.Equal(key.PublicKey().Multibase(), pub.Multibase())

	b, err := a.Bytes()
	require.NoError(t, err)
	tampered, err := ParseAnnounce(bytes.Replace(b, []byte("Some Node"), []byte("Evil Node"), 1))
	require.NoError(t, err)
	_, err = tampered.VerifySignature()
	assert.Error(err)

	// unknown fields are covered by the signature
	withExtra, err := ParseAnnounce(append([]byte(`{"future":"field",`), b[1:]...))
	require.NoError(t, err)
	_, err = withExtra.VerifySignature()
	assert.Error(err)

	unsigned := &Announce{Domain: "beta.example"}
	_, err = unsigned.VerifySignature()
	assert.ErrorIs(err, ErrBadAnnounce)
}

func TestAnnounceValidate(t *testing.T) {
	assert := assert.New(t)

	d, noSSL, err := (&Announce{Domain: "http://Beta.Example"}).Validate()
	require.NoError(t, err)
	assert.Equal(syntax.Domain("beta.example"), d)
	assert.True(noSSL)

	bad := []*Announce{
		{Domain: ""},
		{Domain: "no_underscores.example"},
		{Domain: "beta.example", UserCount: -1},
		{Domain: "beta.example", LogoURL: "ftp://beta.example/logo.png"},
		{Domain: "beta.example", PublicKey: "zNotAKey"},
		{Domain: "beta.example", Name: string(bytes.Repeat([]byte("n"), 65))},
	}
	for _, a := range bad {
		_, _, err := a.Validate()
		assert.ErrorIs(err, ErrBadAnnounce, a.Domain)
	}

	caps := (&Announce{Capabilities: []string{"gossip", "Handles", "teleport", "gossip"}}).NormalizedCapabilities()
	assert.Equal([]string{"handles", "gossip"}, caps)
}

func TestUpsertFromAnnounce(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg := testRegistry(t, nil)

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	node, err := reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", key))
	require.NoError(t, err)
	assert.Equal("beta.example", node.Domain)
	assert.Equal("Some Node", node.Name)
	assert.Equal(key.PublicKey().Multibase(), node.PublicKey)
	assert.Equal([]string{"handles", "gossip"}, node.CapabilityList())
	assert.True(node.IsActive(time.Now(), reg.Config.StaleAfter))

	// failures are cleared by the next announce
	require.NoError(t, reg.MarkFailure(ctx, "beta.example"))
	node, err = reg.GetNode(ctx, "beta.example")
	require.NoError(t, err)
	assert.Equal(1, node.FailureCount)
	node, err = reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", key))
	require.NoError(t, err)
	assert.Equal(0, node.FailureCount)

	_, err = reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "local.example", key))
	assert.ErrorIs(err, ErrSelfAnnounce)

	tampered := signedAnnounce(t, "gamma.example", key)
	b, err := tampered.Bytes()
	require.NoError(t, err)
	bad, err := ParseAnnounce(bytes.Replace(b, []byte("Some Node"), []byte("Evil Node"), 1))
	require.NoError(t, err)
	_, err = reg.UpsertFromAnnounce(ctx, bad)
	assert.ErrorIs(err, ErrBadAnnounce)
	_, err = reg.GetNode(ctx, "gamma.example")
	assert.ErrorIs(err, ErrNodeNotFound)
}

func TestNodeKeyPinning(t *testing.T) {
	ctx := context.Background()
	first, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	second, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	t.Run("strict", func(t *testing.T) {
		assert := assert.New(t)
		reg := testRegistry(t, func(c *NodeRegistryConfig) {
			c.KeyPolicy = identity.PolicyStrict
		})
		_, err := reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", first))
		require.NoError(t, err)

		_, err = reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", second))
		assert.ErrorIs(err, ErrNodeKeyPinned)
		_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "beta.example"})
		assert.ErrorIs(err, ErrNodeKeyPinned)

		// an operator reset allows the new key to be pinned
		require.NoError(t, reg.ResetNodeKey(ctx, "beta.example"))
		node, err := reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", second))
		require.NoError(t, err)
		assert.Equal(second.PublicKey().Multibase(), node.PublicKey)

		assert.ErrorIs(reg.ResetNodeKey(ctx, "nope.example"), ErrNodeNotFound)
	})

	t.Run("warn", func(t *testing.T) {
		assert := assert.New(t)
		reg := testRegistry(t, nil)
		_, err := reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", first))
		require.NoError(t, err)

		node, err := reg.UpsertFromAnnounce(ctx, signedAnnounce(t, "beta.example", second))
		require.NoError(t, err)
		assert.Equal(second.PublicKey().Multibase(), node.PublicKey)

		// unsigned announcements keep the pinned key
		node, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "beta.example"})
		require.NoError(t, err)
		assert.Equal(second.PublicKey().Multibase(), node.PublicKey)
	})
}

func TestDomainBans(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg := testRegistry(t, nil)

	require.NoError(t, reg.CreateDomainBan(ctx, "Spam.Example"))

	for _, d := range []string{"spam.example", "node.spam.example", "a.b.spam.example"} {
		banned, err := reg.DomainIsBanned(ctx, syntax.Domain(d))
		require.NoError(t, err)
		assert.True(banned, d)
	}
	for _, d := range []string{"notspam.example", "spam.example.org", "example"} {
		banned, err := reg.DomainIsBanned(ctx, syntax.Domain(d))
		require.NoError(t, err)
		assert.False(banned, d)
	}

	banned, err := reg.DomainIsBanned(ctx, "localhost:2470")
	require.NoError(t, err)
	assert.True(banned)

	_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "node.spam.example"})
	assert.ErrorIs(err, ErrDomainBanned)
	learned, err := reg.Learn(ctx, "other.spam.example", "beta.example")
	require.NoError(t, err)
	assert.False(learned)

	bans, err := reg.ListDomainBans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal("spam.example", bans[0].Domain)

	require.NoError(t, reg.RemoveDomainBan(ctx, "spam.example"))
	banned, err = reg.DomainIsBanned(ctx, "node.spam.example")
	require.NoError(t, err)
	assert.False(banned)

	local := testRegistry(t, func(c *NodeRegistryConfig) {
		c.AllowLocalhost = true
	})
	banned, err = local.DomainIsBanned(ctx, "localhost:2470")
	require.NoError(t, err)
	assert.False(banned)
}

func TestNewNodeDailyLimit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg := testRegistry(t, func(c *NodeRegistryConfig) {
		c.NewNodesPerDayLimit = 2
		c.TrustedDomains = []string{"trusted.example"}
	})

	_, err := reg.UpsertFromAnnounce(ctx, &Announce{Domain: "one.example"})
	require.NoError(t, err)
	learned, err := reg.Learn(ctx, "two.example", "one.example")
	require.NoError(t, err)
	assert.True(learned)

	_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "three.example"})
	assert.ErrorIs(err, ErrNewNodesLimit)
	_, err = reg.Learn(ctx, "four.example", "one.example")
	assert.ErrorIs(err, ErrNewNodesLimit)

	// known nodes and trusted domains are not limited
	_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "one.example"})
	assert.NoError(err)
	_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "trusted.example"})
	assert.NoError(err)

	nodes, err := reg.ListNodes(ctx, NodeQuery{})
	require.NoError(t, err)
	assert.Len(nodes, 3)
}

func TestActiveAndInactiveNodes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	reg := testRegistry(t, nil)

	now := time.Now()
	reg.Now = func() time.Time { return now.Add(-48 * time.Hour) }
	_, err := reg.UpsertFromAnnounce(ctx, &Announce{Domain: "stale.example"})
	require.NoError(t, err)
	reg.Now = func() time.Time { return now }
	_, err = reg.UpsertFromAnnounce(ctx, &Announce{Domain: "fresh.example"})
	require.NoError(t, err)
	_, err = reg.Learn(ctx, "heard.example", "fresh.example")
	require.NoError(t, err)
	require.NoError(t, reg.MarkFailure(ctx, "stale.example"))

	active, err := reg.ActiveNodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal("fresh.example", active[0].Domain)

	inactive, err := reg.InactiveNodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, inactive, 2)
	// fewest failures first
	assert.Equal("heard.example", inactive[0].Domain)
	assert.Equal("stale.example", inactive[1].Domain)

	// a successful timeline fetch makes a node active again
	require.NoError(t, reg.MarkSeen(ctx, "stale.example"))
	active, err = reg.ActiveNodes(ctx, 10)
	require.NoError(t, err)
	assert.Len(active, 2)

	q := NodeQuery{ActiveOnly: true}
	listed, err := reg.ListNodes(ctx, q)
	require.NoError(t, err)
	assert.Len(listed, 2)
}
