package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/synapsis-social/synapsis/pkg/robusthttp"
	"github.com/synapsis-social/synapsis/synapsis/handles"
	"github.com/synapsis-social/synapsis/synapsis/verify"

	"github.com/google/go-querystring/query"
)

// Header carrying the sending node's domain on node-to-node requests.
const NodeHeader = "X-Synapsis-Node"

const (
	AnnouncePath     = "/swarm/announce"
	GossipPath       = "/swarm/gossip"
	TimelinePath     = "/swarm/timeline"
	InteractionsPath = "/swarm/interactions"
)

// HTTP-level error from a peer node, with the structured rejection body if the peer sent one.
type PeerError struct {
	StatusCode int
	Body       GenericError
}

func (e *PeerError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("peer HTTP %d: %s: %s", e.StatusCode, e.Body.Error, e.Body.Message)
	}
	return fmt.Sprintf("peer HTTP %d", e.StatusCode)
}

// JSON error body used by every swarm endpoint.
type GenericError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Retry   string `json:"retry,omitempty"`
}

// Network operations against other swarm nodes.
//
// The main reason this is an interface is to make testing/mocking easy. host is a base URL: scheme, hostname (and optional port), no path segment.
type PeerClient interface {
	Announce(ctx context.Context, host string, self *Announce) (*Announce, error)
	Gossip(ctx context.Context, host string, msg *GossipMessage) (*GossipMessage, error)
	FetchTimeline(ctx context.Context, host string, q TimelineQuery) (*TimelinePage, error)
	DeliverAction(ctx context.Context, host string, sa *verify.SignedAction) (*Receipt, error)
}

var _ PeerClient = (*HTTPPeerClient)(nil)

type HTTPPeerClient struct {
	// used for announce, gossip and delivery; retries on server errors
	Client *http.Client
	// used for timeline fan-out; short timeout, no retries
	FanoutClient *http.Client
	UserAgent    string
	// sent in the NodeHeader
	LocalDomain string
}

// Peer client with SSRF protection on both underlying HTTP clients.
func NewHTTPPeerClient(localDomain, userAgent string, fanoutTimeout time.Duration) *HTTPPeerClient {
	return &HTTPPeerClient{
		Client:       robusthttp.NewClient(robusthttp.WithSSRFProtection(), robusthttp.WithTimeout(20*time.Second)),
		FanoutClient: robusthttp.NewFanoutClient(fanoutTimeout, robusthttp.WithSSRFProtection()),
		UserAgent:    userAgent,
		LocalDomain:  localDomain,
	}
}

// Endpoints on a swarm node which return bounded JSON bodies.
const maxPeerResponseBytes = 4 * 1024 * 1024

func (pc *HTTPPeerClient) do(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		var b []byte
		switch v := body.(type) {
		case []byte:
			b = v
		default:
			enc, err := json.Marshal(body)
			if err != nil {
				return err
			}
			b = enc
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if pc.UserAgent != "" {
		req.Header.Set("User-Agent", pc.UserAgent)
	}
	if pc.LocalDomain != "" {
		req.Header.Set(NodeHeader, pc.LocalDomain)
	}

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	lr := io.LimitReader(resp.Body, maxPeerResponseBytes)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := &PeerError{StatusCode: resp.StatusCode}
		// body is best-effort
		_ = json.NewDecoder(lr).Decode(&perr.Body)
		return perr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(lr).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return nil
}

func (pc *HTTPPeerClient) Announce(ctx context.Context, host string, self *Announce) (*Announce, error) {
	b, err := self.Bytes()
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := pc.do(ctx, pc.Client, http.MethodPost, host+AnnouncePath, b, &raw); err != nil {
		return nil, err
	}
	return ParseAnnounce(raw)
}

func (pc *HTTPPeerClient) Gossip(ctx context.Context, host string, msg *GossipMessage) (*GossipMessage, error) {
	var out GossipMessage
	if err := pc.do(ctx, pc.Client, http.MethodPost, host+GossipPath, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (pc *HTTPPeerClient) FetchTimeline(ctx context.Context, host string, q TimelineQuery) (*TimelinePage, error) {
	params, err := query.Values(q)
	if err != nil {
		return nil, err
	}
	var page TimelinePage
	if err := pc.do(ctx, pc.FanoutClient, http.MethodGet, host+TimelinePath+"?"+params.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Sends a signed action to the target node's inbox. A duplicate response from the peer counts as delivered.
func (pc *HTTPPeerClient) DeliverAction(ctx context.Context, host string, sa *verify.SignedAction) (*Receipt, error) {
	b, err := sa.Bytes()
	if err != nil {
		return nil, err
	}
	var rcpt Receipt
	if err := pc.do(ctx, pc.Client, http.MethodPost, host+InteractionsPath, b, &rcpt); err != nil {
		return nil, peerRejection(err)
	}
	return &rcpt, nil
}

// Converts a peer's structured rejection back in to a [verify.Error], so callers see the same retry dispositions as for local rejections.
func peerRejection(err error) error {
	var perr *PeerError
	if !errors.As(err, &perr) {
		return verify.RejectErr(verify.CodePeerUnavailable, err, "peer unreachable")
	}
	if perr.Body.Error == "" {
		if perr.StatusCode >= 500 {
			return verify.RejectErr(verify.CodePeerUnavailable, err, "peer error")
		}
		return verify.RejectErr(verify.CodeForbidden, err, "peer rejected action")
	}
	return verify.RejectErr(verify.Code(perr.Body.Error), err, "%s", perr.Body.Message)
}

// Exchanged on POST /swarm/gossip, in both directions.
type GossipMessage struct {
	// sending node's domain
	From string `json:"from"`
	// domains of nodes the sender has recently contacted directly
	Nodes []string `json:"nodes"`
	// handle registry entries the sender has learned since the receiver last synced with it
	Handles []handles.Entry `json:"handles,omitempty"`
	// asks the receiver for entries past this point in its change log (zero for all); nil skips handle sync
	HandlesAfter *uint64 `json:"handlesAfter,omitempty"`
	// Deprecated: asserted-time cursor sent by older nodes. It misses corrections asserted with an older time; use HandlesAfter.
	HandlesSince *time.Time `json:"handlesSince,omitempty"`
}

// Query parameters for GET /swarm/timeline.
type TimelineQuery struct {
	Limit int `url:"limit,omitempty"`
	// opaque; returned as 'cursor' by the previous page
	Cursor string `url:"cursor,omitempty"`
}

// Response of GET /swarm/timeline: one page of a node's recent local posts.
type TimelinePage struct {
	Posts      []SwarmPost `json:"posts"`
	NodeDomain string      `json:"nodeDomain"`
	NodeIsNSFW bool        `json:"nodeIsNsfw"`
	Timestamp  string      `json:"timestamp"`
	Cursor     string      `json:"cursor,omitempty"`
}

type PostAuthor struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsNSFW      bool   `json:"isNsfw,omitempty"`
	IsBot       bool   `json:"isBot,omitempty"`
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Image       string `json:"image,omitempty"`
}

// A post with its author summary and provenance, as exchanged between nodes and returned by aggregation.
type SwarmPost struct {
	ID           string       `json:"id"`
	Content      string       `json:"content"`
	LinkURL      string       `json:"linkUrl,omitempty"`
	CreatedAt    string       `json:"createdAt"`
	IsNSFW       bool         `json:"isNsfw"`
	LikesCount   int64        `json:"likesCount"`
	RepostsCount int64        `json:"repostsCount"`
	Author       PostAuthor   `json:"author"`
	NodeDomain   string       `json:"nodeDomain"`
	NodeIsNSFW   bool         `json:"nodeIsNsfw"`
	Preview      *LinkPreview `json:"preview,omitempty"`
}

// Result of accepting an inbound interaction.
type Receipt struct {
	// "accepted" or "duplicate"
	Status   string `json:"status"`
	ActionID string `json:"actionId"`
	// false when the action was valid but had no effect (eg, unlike of a post which was not liked)
	Changed bool `json:"changed"`
}
