package syntax

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHandle(t *testing.T) {
	assert := assert.New(t)

	valid := []string{"alice", "@alice", "Alice_99", "a", strings.Repeat("x", 32)}
	for _, v := range valid {
		_, err := ParseHandle(v)
		assert.NoError(err, v)
	}

	invalid := []string{"", "@", "al ice", "alice@node.example", "alice.bob", strings.Repeat("x", 33), "@@alice"}
	for _, v := range invalid {
		_, err := ParseHandle(v)
		assert.Error(err, v)
	}
}

func TestNormalizeHandle(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("alice", NormalizeHandle("@Alice"))
	assert.Equal("alice", NormalizeHandle("ALICE"))
	assert.Equal("alice", NormalizeHandle(" @alice "))
	assert.Equal(Handle("bob"), Handle("BoB").Normalize())
	assert.Equal("bob@node.example", Handle("Bob").Qualified(Domain("node.example")))
}

type QualifiedFixture struct {
	Val    string
	Error  bool
	Handle Handle
	Domain Domain
}

func TestSplitQualified(t *testing.T) {
	assert := assert.New(t)

	fixtures := []QualifiedFixture{
		QualifiedFixture{Val: "@alice@node.example", Handle: "alice", Domain: "node.example"},
		QualifiedFixture{Val: "Alice@Node.Example", Handle: "alice", Domain: "node.example"},
		QualifiedFixture{Val: "alice", Handle: "alice", Domain: ""},
		QualifiedFixture{Val: "alice@localhost:8080", Handle: "alice", Domain: "localhost:8080"},
		QualifiedFixture{Val: "alice@8.8.8.8", Error: true},
		QualifiedFixture{Val: "@@node.example", Error: true},
	}

	for _, f := range fixtures {
		h, d, err := SplitQualified(f.Val)
		if f.Error {
			assert.Error(err, f.Val)
			continue
		}
		assert.NoError(err, f.Val)
		assert.Equal(f.Handle, h)
		assert.Equal(f.Domain, d)
	}
}

type DomainFixture struct {
	Val    string
	Error  bool
	Domain Domain
	NoSSL  bool
}

func TestParseDomain(t *testing.T) {
	assert := assert.New(t)

	fixtures := []DomainFixture{
		DomainFixture{Val: "asdf", Error: true},
		DomainFixture{Val: "https://node.example.com", Domain: "node.example.com"},
		DomainFixture{Val: "http://node.example.com", Domain: "node.example.com", NoSSL: true},
		DomainFixture{Val: "Node.Example.COM", Domain: "node.example.com"},
		DomainFixture{Val: "https://node.example.com/", Domain: "node.example.com"},
		DomainFixture{Val: "https://node.example.com/path", Error: true},
		DomainFixture{Val: "localhost:8080", Domain: "localhost:8080", NoSSL: true},
		DomainFixture{Val: "https://localhost:8080", Domain: "localhost:8080"},
		DomainFixture{Val: "localhost", Error: true},
		DomainFixture{Val: "https://8.8.8.8", Error: true},
		DomainFixture{Val: "https://node.example.com:8443", Error: true},
		DomainFixture{Val: "ftp://node.example.com", Error: true},
		DomainFixture{Val: "", Error: true},
	}

	for _, f := range fixtures {
		d, noSSL, err := ParseDomain(f.Val)
		if f.Error {
			assert.Error(err, f.Val)
			continue
		}
		assert.NoError(err, f.Val)
		assert.Equal(f.Domain, d)
		assert.Equal(f.NoSSL, noSSL)
	}
}

func TestDomainHelpers(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("https://node.example.com", Domain("node.example.com").BaseURL())
	assert.Equal("http://localhost:2480", Domain("localhost:2480").BaseURL())

	assert.True(Domain("a.node.example.com").MatchesAny([]string{"*.example.com"}))
	assert.False(Domain("example.com").MatchesAny([]string{"*.example.com"}))
	assert.True(Domain("example.com").MatchesAny([]string{"other.com", "example.com"}))
}

func TestParseDID(t *testing.T) {
	assert := assert.New(t)

	d, err := ParseDID("did:synapsis:ABC123")
	assert.NoError(err)
	assert.Equal("synapsis", d.Method())
	assert.Equal("ABC123", d.Identifier())
	assert.Equal(DID("did:synapsis:abc123"), d.Normalize())
	assert.Equal(DID("did:other:ABC"), DID("did:other:ABC").Normalize())

	for _, bad := range []string{"", "did", "did:", "did:web:", "DID:web:example.com", "did:web:example.com#"} {
		_, err := ParseDID(bad)
		assert.Error(err, bad)
	}
}
