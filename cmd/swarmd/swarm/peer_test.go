package swarm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPeerClient() *HTTPPeerClient {
	// httptest servers listen on loopback, which the SSRF-protected clients refuse
	return &HTTPPeerClient{
		Client:       &http.Client{Timeout: 5 * time.Second},
		FanoutClient: &http.Client{Timeout: 5 * time.Second},
		UserAgent:    "synapsis-test",
		LocalDomain:  "alpha.example",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPeerClientAnnounce(t *testing.T) {
	assert := assert.New(t)
	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(http.MethodPost, r.Method)
		assert.Equal(AnnouncePath, r.URL.Path)
		assert.Equal("alpha.example", r.Header.Get(NodeHeader))
		assert.Equal("synapsis-test", r.Header.Get("User-Agent"))
		in, err := io.ReadAll(r.Body)
		assert.NoError(err)
		a, err := ParseAnnounce(in)
		assert.NoError(err)
		assert.Equal("alpha.example", a.Domain)

		reply := &Announce{Domain: "beta.example", Name: "Beta"}
		assert.NoError(reply.Sign(key, time.Now()))
		b, _ := reply.Bytes()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	reply, err := testPeerClient().Announce(context.Background(), srv.URL, &Announce{Domain: "alpha.example"})
	require.NoError(t, err)
	assert.Equal("beta.example", reply.Domain)
	// the raw reply bytes are kept, so the signature still verifies
	_, err = reply.VerifySignature()
	assert.NoError(err)
}

func TestPeerClientTimeline(t *testing.T) {
	assert := assert.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(TimelinePath, r.URL.Path)
		assert.Equal("5", r.URL.Query().Get("limit"))
		assert.Equal("2024-01-01T00:00:00Z", r.URL.Query().Get("cursor"))
		writeJSON(w, http.StatusOK, &TimelinePage{
			Posts:      []SwarmPost{{ID: "p1", Content: "hello", CreatedAt: "2024-01-01T00:00:00Z"}},
			NodeDomain: "beta.example",
		})
	}))
	defer srv.Close()

	page, err := testPeerClient().FetchTimeline(context.Background(), srv.URL, TimelineQuery{Limit: 5, Cursor: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Len(t, page.Posts, 1)
	assert.Equal("p1", page.Posts[0].ID)
	assert.Equal("beta.example", page.NodeDomain)
}

func TestPeerClientDeliveryErrors(t *testing.T) {
	assert := assert.New(t)

	var status int
	var body any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(InteractionsPath, r.URL.Path)
		if body == nil {
			w.WriteHeader(status)
			return
		}
		writeJSON(w, status, body)
	}))
	defer srv.Close()

	key, err := crypto.GeneratePrivateKeyP256()
	require.NoError(t, err)
	inter := &verify.LikeAction{Routing: verify.Routing{ActorNodeDomain: "alpha.example", TargetNodeDomain: "beta.example"}}
	inter.PostID = "p1"
	sa, err := verify.NewSignedAction(inter, "did:synapsis:alice.alpha.example", "alice", time.Now())
	require.NoError(t, err)
	require.NoError(t, sa.Sign(key))

	pc := testPeerClient()
	ctx := context.Background()

	status, body = http.StatusOK, &Receipt{Status: ReceiptAccepted, ActionID: "abc", Changed: true}
	rcpt, err := pc.DeliverAction(ctx, srv.URL, sa)
	require.NoError(t, err)
	assert.Equal("abc", rcpt.ActionID)
	assert.True(rcpt.Changed)

	// replays are reported as success, with a duplicate status
	status, body = http.StatusOK, map[string]any{"status": ReceiptDuplicate, "error": verify.CodeReplayedNonce, "retry": verify.RetryApplied}
	rcpt, err = pc.DeliverAction(ctx, srv.URL, sa)
	require.NoError(t, err)
	assert.Equal(ReceiptDuplicate, rcpt.Status)

	status, body = http.StatusUnauthorized, &GenericError{Error: string(verify.CodeInvalidSignature), Message: "bad sig"}
	_, err = pc.DeliverAction(ctx, srv.URL, sa)
	assert.Equal(verify.CodeInvalidSignature, verify.CodeOf(err))
	verr, ok := verify.AsError(err)
	require.True(t, ok)
	assert.Equal(verify.RetryNever, verr.Retry())

	status, body = http.StatusServiceUnavailable, nil
	_, err = pc.DeliverAction(ctx, srv.URL, sa)
	assert.Equal(verify.CodePeerUnavailable, verify.CodeOf(err))

	status, body = http.StatusForbidden, nil
	_, err = pc.DeliverAction(ctx, srv.URL, sa)
	assert.Equal(verify.CodeForbidden, verify.CodeOf(err))

	srv.Close()
	_, err = pc.DeliverAction(ctx, srv.URL, sa)
	assert.Equal(verify.CodePeerUnavailable, verify.CodeOf(err))
}
