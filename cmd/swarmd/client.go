package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/cmd/swarmd/swarm"
	"github.com/synapsis-social/synapsis/pkg/robusthttp"
	"github.com/synapsis-social/synapsis/synapsis/syntax"
	"github.com/synapsis-social/synapsis/synapsis/verify"
	"github.com/synapsis-social/synapsis/util/cliutil"

	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var cmdKeygen = &cli.Command{
	Name:      "keygen",
	Usage:     "generates a P-256 signing key, saved as JWK",
	ArgsUsage: `<path>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "kid",
			Usage: "key ID recorded in the JWK",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "overwrite an existing key file",
		},
	},
	Action: runKeygen,
}

func runKeygen(cctx *cli.Context) error {
	fpath := cctx.Args().First()
	if fpath == "" {
		var err error
		fpath, err = cliutil.DefaultKeyPath()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(fpath); err == nil && !cctx.Bool("force") {
		return fmt.Errorf("key file already exists (use --force to overwrite): %s", fpath)
	}
	priv, err := cliutil.GenerateKeyToFile(fpath, cctx.String("kid"))
	if err != nil {
		return err
	}
	fmt.Printf("Secret key written to: %s\n", fpath)
	fmt.Printf("Public Key (Multibase Syntax): share or publish this\n\t%s\n", priv.PublicKey().Multibase())
	return nil
}

var cmdSignAction = &cli.Command{
	Name:      "sign-action",
	Usage:     "signs a user action envelope, and optionally submits it to a node",
	ArgsUsage: `<action> <data-json>`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "key",
			Usage:    "path to the user's JWK secret key",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "did",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "handle",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "nonce",
			Usage: "nonce for the envelope (random UUID if not set)",
		},
		&cli.BoolFlag{
			Name:  "submit",
			Usage: "POST the signed envelope to the node's /api/actions endpoint",
		},
	},
	Action: runSignAction,
}

func runSignAction(cctx *cli.Context) error {
	if cctx.Args().Len() != 2 {
		return fmt.Errorf("expected action and data arguments")
	}
	inter, err := verify.ParseInteraction(cctx.Args().Get(0), json.RawMessage(cctx.Args().Get(1)))
	if err != nil {
		return err
	}
	did, err := syntax.ParseDID(cctx.String("did"))
	if err != nil {
		return err
	}
	handle, err := syntax.ParseHandle(cctx.String("handle"))
	if err != nil {
		return err
	}
	priv, err := cliutil.LoadKeyFromFile(cctx.String("key"))
	if err != nil {
		return fmt.Errorf("loading user key: %w", err)
	}

	sa, err := verify.NewSignedAction(inter, did, handle, time.Now())
	if err != nil {
		return err
	}
	sa.Nonce = cctx.String("nonce")
	if sa.Nonce == "" {
		sa.Nonce = uuid.NewString()
	}
	if err := sa.Sign(priv); err != nil {
		return err
	}
	b, err := sa.Bytes()
	if err != nil {
		return err
	}
	if !cctx.Bool("submit") {
		fmt.Println(string(b))
		return nil
	}

	host := strings.TrimSuffix(cctx.String("host"), "/")
	req, err := http.NewRequestWithContext(cctx.Context, http.MethodPost, host+"/api/actions", bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := clientHTTP().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("HTTP %d\n%s\n", resp.StatusCode, string(out))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("action rejected by node")
	}
	return nil
}

var cmdPeers = &cli.Command{
	Name:  "peers",
	Usage: "lists the nodes known to a swarm node, grouped by how they were discovered",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "active",
			Usage: "only show active nodes",
		},
	},
	Action: runPeers,
}

type listNodesParams struct {
	Active bool   `url:"active,omitempty"`
	Limit  int    `url:"limit,omitempty"`
	Cursor string `url:"cursor,omitempty"`
}

func fetchJSON(cctx *cli.Context, path string, params any, out any) error {
	host := strings.TrimSuffix(cctx.String("host"), "/")
	u := host + path
	if params != nil {
		v, err := query.Values(params)
		if err != nil {
			return err
		}
		if enc := v.Encode(); enc != "" {
			u += "?" + enc
		}
	}
	req, err := http.NewRequestWithContext(cctx.Context, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := clientHTTP().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var gerr swarm.GenericError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&gerr)
		return fmt.Errorf("HTTP %d from %s: %s %s", resp.StatusCode, u, gerr.Error, gerr.Message)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func clientHTTP() *http.Client {
	return robusthttp.NewClient(robusthttp.WithMaxRetries(2), robusthttp.WithTimeout(30*time.Second))
}

func describeNode(n NodeView) string {
	status := "inactive"
	if n.Active {
		status = "active"
	}
	desc := fmt.Sprintf("%s [%s]", n.Domain, status)
	if n.Name != "" {
		desc += fmt.Sprintf(" %q", n.Name)
	}
	if len(n.Capabilities) > 0 {
		desc += " " + strings.Join(n.Capabilities, ",")
	}
	return desc
}

func runPeers(cctx *cli.Context) error {
	var nodes []NodeView
	params := listNodesParams{Active: cctx.Bool("active"), Limit: 1000}
	for {
		var page ListNodesResponse
		if err := fetchJSON(cctx, "/swarm/nodes", &params, &page); err != nil {
			return err
		}
		nodes = append(nodes, page.Nodes...)
		if page.Cursor == "" || len(page.Nodes) == 0 {
			break
		}
		params.Cursor = page.Cursor
	}

	// nodes learned through gossip hang off the node which told us about them
	children := map[string][]NodeView{}
	known := map[string]bool{}
	for _, n := range nodes {
		known[n.Domain] = true
	}
	var roots []NodeView
	for _, n := range nodes {
		if n.DiscoveredVia != "" && known[n.DiscoveredVia] && n.DiscoveredVia != n.Domain {
			children[n.DiscoveredVia] = append(children[n.DiscoveredVia], n)
			continue
		}
		roots = append(roots, n)
	}

	tree := treeprint.NewWithRoot(fmt.Sprintf("%s (%d nodes)", cctx.String("host"), len(nodes)))
	seen := map[string]bool{}
	var walk func(t treeprint.Tree, n NodeView)
	walk = func(t treeprint.Tree, n NodeView) {
		if seen[n.Domain] {
			return
		}
		seen[n.Domain] = true
		kids := children[n.Domain]
		if len(kids) == 0 {
			t.AddNode(describeNode(n))
			return
		}
		branch := t.AddBranch(describeNode(n))
		for _, k := range kids {
			walk(branch, k)
		}
	}
	for _, n := range roots {
		walk(tree, n)
	}
	// discovery cycles have no root
	for _, n := range nodes {
		walk(tree, n)
	}
	fmt.Println(tree.String())
	return nil
}

var cmdResolveHandle = &cli.Command{
	Name:      "resolve-handle",
	Usage:     "looks up a handle in a node's handle registry",
	ArgsUsage: `<handle>`,
	Action:    runResolveHandle,
}

type exportParams struct {
	Handle string `url:"handle"`
	Limit  int    `url:"limit,omitempty"`
}

func runResolveHandle(cctx *cli.Context) error {
	raw := cctx.Args().First()
	if raw == "" {
		return fmt.Errorf("need to provide handle as an argument")
	}
	handle, _, err := syntax.SplitQualified(raw)
	if err != nil {
		return err
	}

	var body HandlesBody
	if err := fetchJSON(cctx, wellKnownHandlesPath, &exportParams{Handle: handle.String(), Limit: 1}, &body); err != nil {
		return err
	}
	if len(body.Handles) == 0 {
		return fmt.Errorf("handle not found in registry: %s", handle)
	}
	e := body.Handles[0]
	fmt.Printf("handle:     %s\n", e.Handle)
	fmt.Printf("did:        %s\n", e.DID)
	fmt.Printf("nodeDomain: %s\n", e.NodeDomain)
	fmt.Printf("updatedAt:  %s\n", e.UpdatedAt.Format(time.RFC3339))
	return nil
}
