package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/handles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGossipRound(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	net := newTestNetwork()

	alpha := net.addNode(t, "alpha.example", func(c *SwarmConfig) {
		c.Gossip.Seeds = []string{"beta.example", "delta.example"}
	})
	beta := net.addNode(t, "beta.example", nil)
	gamma := net.addNode(t, "gamma.example", nil)
	introduce(t, gamma, beta)

	carol := addUser(t, gamma, "carol")
	require.NoError(t, beta.Handles.Observe(ctx, "carol", "did:synapsis:carol.gamma.example", "gamma.example", time.Now()))

	res, err := alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal([]string{"beta.example"}, res.Successful)
	require.Len(t, res.Failed, 1)
	assert.Equal("delta.example", res.Failed[0].Domain)
	assert.Equal(1, res.Learned)

	// beta now knows alpha, from its announcement
	_, err = beta.Nodes.GetNode(ctx, "alpha.example")
	assert.NoError(err)

	// gamma was learned through beta, but not contacted yet
	node, err := alpha.Nodes.GetNode(ctx, "gamma.example")
	require.NoError(t, err)
	assert.Equal("beta.example", node.DiscoveredVia)
	assert.True(node.LastSeenAt.IsZero())

	e, err := alpha.Handles.Lookup(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(carol.user.DID, e.DID)
	assert.Equal("gamma.example", e.NodeDomain)

	// the next round probes gamma directly, which makes it active
	res, err = alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal([]string{"beta.example", "gamma.example"}, res.Successful)

	active, err := alpha.Nodes.ActiveNodes(ctx, 10)
	require.NoError(t, err)
	var domains []string
	for _, n := range active {
		domains = append(domains, n.Domain)
	}
	assert.ElementsMatch([]string{"beta.example", "gamma.example"}, domains)
	node, err = alpha.Nodes.GetNode(ctx, "gamma.example")
	require.NoError(t, err)
	assert.False(node.LastSeenAt.IsZero())
	assert.NotEmpty(node.PublicKey)
}

func TestGossipSkipsBannedNodes(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	net := newTestNetwork()

	alpha := net.addNode(t, "alpha.example", nil)
	beta := net.addNode(t, "beta.example", nil)
	introduce(t, beta, alpha)
	require.NoError(t, alpha.Nodes.CreateDomainBan(ctx, "beta.example"))

	res, err := alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(0, res.Peers)
	assert.Empty(res.Successful)
}

func TestHandleGossip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	net := newTestNetwork()

	alpha := net.addNode(t, "alpha.example", nil)
	beta := net.addNode(t, "beta.example", nil)

	msg := &GossipMessage{
		From:  "beta.example",
		Nodes: []string{"gamma.example", "not a domain", "alpha.example"},
	}
	// senders must have announced first
	_, err := alpha.Gossiper.HandleGossip(ctx, msg)
	assert.ErrorIs(err, ErrNodeNotFound)

	introduce(t, beta, alpha)
	since := time.Time{}
	msg.HandlesSince = &since
	msg.Handles = []handles.Entry{
		{Handle: "dave", DID: "did:synapsis:dave.gamma.example", NodeDomain: "gamma.example", UpdatedAt: time.Now().Add(-time.Minute)},
		{Handle: "!!", DID: "did:synapsis:x", NodeDomain: "gamma.example", UpdatedAt: time.Now()},
	}
	reply, err := alpha.Gossiper.HandleGossip(ctx, msg)
	require.NoError(t, err)
	assert.Equal("alpha.example", reply.From)
	assert.Equal([]string{"beta.example"}, reply.Nodes)
	require.Len(t, reply.Handles, 1)
	assert.Equal("dave", reply.Handles[0].Handle)

	node, err := alpha.Nodes.GetNode(ctx, "gamma.example")
	require.NoError(t, err)
	assert.Equal("beta.example", node.DiscoveredVia)
}

func TestGossipCarriesOlderOwnerCorrection(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	net := newTestNetwork()

	alpha := net.addNode(t, "alpha.example", func(c *SwarmConfig) {
		c.Gossip.Seeds = []string{"delta.example"}
	})
	delta := net.addNode(t, "delta.example", nil)

	at := time.Now().UTC()
	for _, s := range []*Swarm{alpha, delta} {
		require.NoError(t, s.Handles.Observe(ctx, "carol", "did:synapsis:carol.gamma.example", "gamma.example", at))
	}

	res, err := alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"delta.example"}, res.Successful)

	// carol moves to delta, whose clock is behind the assertion alpha already synced
	require.NoError(t, delta.Handles.Observe(ctx, "carol", "did:synapsis:carol.delta.example", "delta.example", at.Add(-time.Hour)))

	res, err = alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"delta.example"}, res.Successful)

	e, err := alpha.Handles.Lookup(ctx, "carol")
	require.NoError(t, err)
	assert.Equal("delta.example", e.NodeDomain)
	assert.Equal("did:synapsis:carol.delta.example", e.DID)

	// and the echo of alpha's own copy does not undo it on delta
	_, err = alpha.Gossiper.RunRound(ctx)
	require.NoError(t, err)
	e, err = delta.Handles.Lookup(ctx, "carol")
	require.NoError(t, err)
	assert.Equal("delta.example", e.NodeDomain)
}

func TestHandleGossipAfterCursor(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	net := newTestNetwork()

	alpha := net.addNode(t, "alpha.example", nil)
	beta := net.addNode(t, "beta.example", nil)
	introduce(t, beta, alpha)

	at := time.Now().UTC()
	require.NoError(t, alpha.Handles.Observe(ctx, "dave", "did:synapsis:dave.gamma.example", "gamma.example", at))
	require.NoError(t, alpha.Handles.Observe(ctx, "erin", "did:synapsis:erin.gamma.example", "gamma.example", at))

	var zero uint64
	reply, err := alpha.Gossiper.HandleGossip(ctx, &GossipMessage{From: "beta.example", HandlesAfter: &zero})
	require.NoError(t, err)
	require.Len(t, reply.Handles, 2)

	cursor := reply.Handles[1].Seq
	require.NoError(t, alpha.Handles.Observe(ctx, "dave", "did:synapsis:dave.delta.example", "delta.example", at.Add(-time.Hour)))
	reply, err = alpha.Gossiper.HandleGossip(ctx, &GossipMessage{From: "beta.example", HandlesAfter: &cursor})
	require.NoError(t, err)
	require.Len(t, reply.Handles, 1)
	assert.Equal("dave", reply.Handles[0].Handle)
	assert.Equal("delta.example", reply.Handles[0].NodeDomain)
}
