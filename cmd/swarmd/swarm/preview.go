package swarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synapsis-social/synapsis/pkg/robusthttp"

	"github.com/PuerkitoBio/purell"
	"github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

var (
	ErrNoPreview          = errors.New("no link preview available")
	ErrPreviewRateLimited = errors.New("link preview fetch rate exceeded")
)

type PreviewConfig struct {
	Timeout   time.Duration
	PerSecond float64
	Burst     int
	CacheSize int
	// HTML read before giving up on finding OpenGraph tags
	MaxBodyBytes int64
	UserAgent    string
}

func DefaultPreviewConfig() PreviewConfig {
	return PreviewConfig{
		Timeout:      3 * time.Second,
		PerSecond:    5,
		Burst:        10,
		CacheSize:    5000,
		MaxBodyBytes: 512 * 1024,
	}
}

type previewEntry struct {
	preview *LinkPreview
	// negative entries are cached too, so dead links are not re-fetched
	failed bool
}

// Fetches OpenGraph metadata for links in posts. Best-effort: bounded rate, short timeout, and only public addresses.
type PreviewFetcher struct {
	Client *http.Client
	Config PreviewConfig
	Logger *slog.Logger

	limiter *rate.Limiter
	cache   *arc.ARCCache[string, previewEntry]
}

func NewPreviewFetcher(config PreviewConfig) (*PreviewFetcher, error) {
	c, err := arc.NewARC[string, previewEntry](max(1, config.CacheSize))
	if err != nil {
		return nil, err
	}
	return &PreviewFetcher{
		Client:  robusthttp.NewFanoutClient(config.Timeout, robusthttp.WithSSRFProtection()),
		Config:  config,
		Logger:  slog.Default().With("system", "previews"),
		limiter: rate.NewLimiter(rate.Limit(config.PerSecond), max(1, config.Burst)),
		cache:   c,
	}, nil
}

// Normalizes a link for fetching and cache lookup. Only absolute http(s) URLs are accepted.
func NormalizeLinkURL(raw string) (string, error) {
	clean, err := purell.NormalizeURLString(strings.TrimSpace(raw), purell.FlagsSafe|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagSortQuery)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("unsupported link: %s", raw)
	}
	return u.String(), nil
}

func (pf *PreviewFetcher) Lookup(ctx context.Context, raw string) (*LinkPreview, error) {
	link, err := NormalizeLinkURL(raw)
	if err != nil {
		previewFetches.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if e, ok := pf.cache.Get(link); ok {
		previewFetches.WithLabelValues("cached").Inc()
		if e.failed {
			return nil, ErrNoPreview
		}
		return e.preview, nil
	}
	if !pf.limiter.Allow() {
		previewFetches.WithLabelValues("rate_limited").Inc()
		return nil, ErrPreviewRateLimited
	}

	pv, err := pf.fetch(ctx, link)
	if err != nil {
		previewFetches.WithLabelValues("failed").Inc()
		// don't remember failures caused by the caller going away
		if ctx.Err() == nil {
			pf.cache.Add(link, previewEntry{failed: true})
		}
		return nil, err
	}
	previewFetches.WithLabelValues("ok").Inc()
	pf.cache.Add(link, previewEntry{preview: pv})
	return pv, nil
}

func (pf *PreviewFetcher) fetch(ctx context.Context, link string) (*LinkPreview, error) {
	if pf.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pf.Config.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")
	if pf.Config.UserAgent != "" {
		req.Header.Set("User-Agent", pf.Config.UserAgent)
	}
	resp, err := pf.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrNoPreview, resp.StatusCode)
	}
	mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mt != "text/html" && mt != "application/xhtml+xml" {
		return nil, fmt.Errorf("%w: content type %q", ErrNoPreview, mt)
	}
	limit := pf.Config.MaxBodyBytes
	if limit <= 0 {
		limit = 512 * 1024
	}
	pv := ParseOpenGraph(io.LimitReader(resp.Body, limit))
	if pv.Title == "" && pv.Description == "" && pv.Image == "" {
		return nil, ErrNoPreview
	}
	pv.URL = link
	return pv, nil
}

// Extracts og:title, og:description and og:image from an HTML document, falling back to <title> and the description meta tag. Stops at </head>.
func ParseOpenGraph(r io.Reader) *LinkPreview {
	pv := &LinkPreview{}
	var title, description string
	z := html.NewTokenizer(r)
	inTitle := false
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return finishPreview(pv, title, description)
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "head":
				return finishPreview(pv, title, description)
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if inTitle && title == "" {
				title = strings.TrimSpace(string(z.Text()))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = tt == html.StartTagToken
			case "meta":
				if !hasAttr {
					continue
				}
				var key, content string
				for {
					k, v, more := z.TagAttr()
					switch string(k) {
					case "property", "name":
						key = strings.ToLower(string(v))
					case "content":
						content = strings.TrimSpace(string(v))
					}
					if !more {
						break
					}
				}
				switch key {
				case "og:title":
					pv.Title = content
				case "og:description":
					pv.Description = content
				case "og:image":
					pv.Image = content
				case "description":
					description = content
				}
			}
		}
	}
}

func finishPreview(pv *LinkPreview, title, description string) *LinkPreview {
	if pv.Title == "" {
		pv.Title = title
	}
	if pv.Description == "" {
		pv.Description = description
	}
	if pv.Image != "" {
		if _, err := NormalizeLinkURL(pv.Image); err != nil {
			pv.Image = ""
		}
	}
	return pv
}
