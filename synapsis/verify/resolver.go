package verify

import (
	"context"
	"errors"

	"github.com/synapsis-social/synapsis/synapsis/crypto"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
)

// Returned by a [KeyResolver] which does not know the DID. A [ChainResolver] moves on to the next resolver.
var ErrKeyNotFound = errors.New("verify: signing key not found")

// Current signing key for an actor, along with how it was obtained.
type ResolvedKey struct {
	PublicKey  *crypto.PublicKeyP256
	Handle     syntax.Handle
	NodeDomain syntax.Domain

	// the key came from a local directory, not a remote node
	Local bool
	// first time this DID was seen (trust-on-first-use)
	FirstUse bool
	// served from cache; a background refresh may be in progress
	FromCache bool
	// the key differs from an earlier cached key for the same DID
	KeyChanged bool
}

// Resolves a DID to its current signing key. nodeDomain is the node claimed to own the DID, used to fetch unknown keys.
type KeyResolver interface {
	ResolveKey(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*ResolvedKey, error)
}

// Tries each resolver in order, moving to the next on [ErrKeyNotFound]. Any other error stops resolution.
//
// The typical chain is the local user directory first, then the cross-node TOFU cache.
type ChainResolver struct {
	Resolvers []KeyResolver
}

func (c *ChainResolver) ResolveKey(ctx context.Context, did syntax.DID, nodeDomain syntax.Domain) (*ResolvedKey, error) {
	for _, r := range c.Resolvers {
		rk, err := r.ResolveKey(ctx, did, nodeDomain)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rk, nil
	}
	return nil, ErrKeyNotFound
}
