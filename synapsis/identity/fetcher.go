package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/go-querystring/query"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
)

// Path of the identity document served by every node, for its own users.
const WellKnownIdentityPath = "/.well-known/synapsis-identity"

// Returned by a [Fetcher] when the node answered, but does not know the DID.
var ErrIdentityNotFound = errors.New("identity: DID not found on node")

// Identity document for a user, as served by the user's own node.
type RemoteIdentity struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	NodeDomain string `json:"nodeDomain"`
	// multibase-encoded compressed P-256 public key
	PublicKey string `json:"publicKey"`
}

// Fetches an identity document from the node which claims to own the DID.
type Fetcher interface {
	FetchIdentity(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*RemoteIdentity, error)
}

type HTTPFetcher struct {
	// should be SSRF-protected in production; tests can pass a plain client
	Client    *http.Client
	UserAgent string
	// overrides the https://<nodeDomain> base, for tests
	BaseURLFunc func(syntax.Domain) string
}

type identityQuery struct {
	DID string `url:"did"`
}

func (f *HTTPFetcher) baseURL(d syntax.Domain) string {
	if f.BaseURLFunc != nil {
		return f.BaseURLFunc(d)
	}
	return d.BaseURL()
}

func (f *HTTPFetcher) FetchIdentity(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*RemoteIdentity, error) {
	params, err := query.Values(identityQuery{DID: did.String()})
	if err != nil {
		return nil, err
	}
	u := f.baseURL(nodeDomain) + WellKnownIdentityPath + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching identity from %s: %w", nodeDomain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrIdentityNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching identity from %s: HTTP %d", nodeDomain, resp.StatusCode)
	}

	var ri RemoteIdentity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&ri); err != nil {
		return nil, fmt.Errorf("invalid identity document from %s: %w", nodeDomain, err)
	}
	return &ri, nil
}
