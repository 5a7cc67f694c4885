package swarm

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm/models"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/identity"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"
	"github.com/synapsis-social/synapsis/util/cliutil"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("connection refused")

// In-process swarm: routes peer client calls and identity fetches straight to the target node's handlers, by base URL.
type testNetwork struct {
	lk    sync.Mutex
	nodes map[string]*Swarm
	// hosts which accept connections but never answer
	hang map[string]bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		nodes: map[string]*Swarm{},
		hang:  map[string]bool{},
	}
}

var _ PeerClient = (*testNetwork)(nil)
var _ identity.Fetcher = (*testNetwork)(nil)

func (n *testNetwork) setHanging(host string) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.hang[host] = true
}

func (n *testNetwork) lookup(ctx context.Context, host string) (*Swarm, error) {
	n.lk.Lock()
	s, ok := n.nodes[host]
	hang := n.hang[host]
	n.lk.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("dial %s: %w", host, errConnRefused)
	}
	return s, nil
}

func (n *testNetwork) Announce(ctx context.Context, host string, self *Announce) (*Announce, error) {
	target, err := n.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	b, err := self.Bytes()
	if err != nil {
		return nil, err
	}
	in, err := ParseAnnounce(b)
	if err != nil {
		return nil, err
	}
	reply, err := target.AcceptAnnounce(ctx, in)
	if err != nil {
		return nil, err
	}
	out, err := reply.Bytes()
	if err != nil {
		return nil, err
	}
	return ParseAnnounce(out)
}

func (n *testNetwork) Gossip(ctx context.Context, host string, msg *GossipMessage) (*GossipMessage, error) {
	target, err := n.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	return target.Gossiper.HandleGossip(ctx, msg)
}

func (n *testNetwork) FetchTimeline(ctx context.Context, host string, q TimelineQuery) (*TimelinePage, error) {
	target, err := n.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	return target.Aggregator.LocalPage(ctx, q)
}

func (n *testNetwork) DeliverAction(ctx context.Context, host string, sa *verify.SignedAction) (*Receipt, error) {
	target, err := n.lookup(ctx, host)
	if err != nil {
		return nil, verify.RejectErr(verify.CodePeerUnavailable, err, "peer unreachable")
	}
	b, err := sa.Bytes()
	if err != nil {
		return nil, err
	}
	in, err := verify.ParseSignedAction(b)
	if err != nil {
		return nil, err
	}
	return target.Dispatcher.Receive(ctx, in, "test")
}

func (n *testNetwork) FetchIdentity(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*identity.RemoteIdentity, error) {
	target, err := n.lookup(ctx, nodeDomain.BaseURL())
	if err != nil {
		return nil, err
	}
	ri, err := target.LocalIdentity(ctx, did)
	if errors.Is(err, ErrUserNotFound) {
		return nil, identity.ErrIdentityNotFound
	}
	return ri, err
}

func testConfig(domain string) *SwarmConfig {
	c := DefaultSwarmConfig()
	c.Domain = domain
	c.Name = strings.Split(domain, ".")[0]
	c.Timeline.CacheTTL = 0
	c.Timeline.FetchTimeout = 200 * time.Millisecond
	return c
}

func (n *testNetwork) addNode(t *testing.T, domain string, mutate func(*SwarmConfig)) *Swarm {
	t.Helper()
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "swarm.sqlite"), 1)
	require.NoError(t, err)
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	config := testConfig(domain)
	if mutate != nil {
		mutate(config)
	}
	s, err := NewSwarm(db, key, n, n, config)
	require.NoError(t, err)
	require.NoError(t, s.MigrateDatabase())
	t.Cleanup(s.Close)

	n.lk.Lock()
	n.nodes[s.Domain.BaseURL()] = s
	n.lk.Unlock()
	return s
}

type testUser struct {
	user *models.User
	key  *crypto.PrivateKeyP256
	node *Swarm
}

func addUser(t *testing.T, s *Swarm, handle string) *testUser {
	t.Helper()
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	u := &models.User{
		DID:       fmt.Sprintf("did:synapsis:%s.%s", handle, s.Domain),
		Handle:    handle,
		PublicKey: key.PublicKey().Multibase(),
	}
	require.NoError(t, s.Store.CreateUser(context.Background(), u))
	return &testUser{user: u, key: key, node: s}
}

func addPost(t *testing.T, s *Swarm, author *testUser) *models.Post {
	t.Helper()
	p := &models.Post{
		AuthorID: author.user.ID,
		Content:  gofakeit.Sentence(8),
	}
	require.NoError(t, s.Store.CreatePost(context.Background(), p))
	return p
}

// Signs an interaction as the user, and returns it as parsed off the wire.
func (u *testUser) sign(t *testing.T, inter verify.Interaction, at time.Time) *verify.SignedAction {
	t.Helper()
	sa, err := verify.NewSignedAction(inter, syntax.DID(u.user.DID), syntax.Handle(u.user.Handle), at)
	require.NoError(t, err)
	require.NoError(t, sa.Sign(u.key))
	b, err := sa.Bytes()
	require.NoError(t, err)
	parsed, err := verify.ParseSignedAction(b)
	require.NoError(t, err)
	return parsed
}

func (u *testUser) routing(target *Swarm) verify.Routing {
	return verify.Routing{
		ActorNodeDomain:  u.node.Domain.String(),
		TargetNodeDomain: target.Domain.String(),
	}
}

func (u *testUser) like(t *testing.T, post *models.Post, target *Swarm) *verify.SignedAction {
	inter := &verify.LikeAction{Routing: u.routing(target)}
	inter.PostID = post.ID
	return u.sign(t, inter, time.Now())
}

func (u *testUser) unlike(t *testing.T, post *models.Post, target *Swarm) *verify.SignedAction {
	inter := &verify.UnlikeAction{Routing: u.routing(target)}
	inter.PostID = post.ID
	return u.sign(t, inter, time.Now())
}

func (u *testUser) follow(t *testing.T, handle string, target *Swarm) *verify.SignedAction {
	inter := &verify.FollowAction{Routing: u.routing(target)}
	inter.TargetHandle = handle
	return u.sign(t, inter, time.Now())
}

func (u *testUser) unfollow(t *testing.T, handle string, target *Swarm) *verify.SignedAction {
	inter := &verify.UnfollowAction{Routing: u.routing(target)}
	inter.TargetHandle = handle
	return u.sign(t, inter, time.Now())
}

func (u *testUser) mention(t *testing.T, handle string, target *Swarm) *verify.SignedAction {
	inter := &verify.MentionAction{Routing: u.routing(target), PostID: "remote-post-1", Excerpt: "hey @" + handle}
	inter.TargetHandle = handle
	return u.sign(t, inter, time.Now())
}

// registers 'from' with 'to' as an active node, as an announce would
func introduce(t *testing.T, from, to *Swarm) {
	t.Helper()
	ctx := context.Background()
	a, err := from.SelfAnnounce(ctx)
	require.NoError(t, err)
	b, err := a.Bytes()
	require.NoError(t, err)
	parsed, err := ParseAnnounce(b)
	require.NoError(t, err)
	_, err = to.Nodes.UpsertFromAnnounce(ctx, parsed)
	require.NoError(t, err)
}
