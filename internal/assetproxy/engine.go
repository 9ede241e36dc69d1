package assetproxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxDepth bounds redirects plus nested stylesheet references below one
// top-level resolve.
const DefaultMaxDepth = 8

type EngineConfig struct {
	MaxDepth      int
	IgnoreHosts   []string
	PublicBaseURL string
	PathPrefix    string
}

// Engine mirrors origin assets into a BlobStore and hands back proxy URIs.
// Stylesheets are rewritten so their own references point at proxy URIs too.
type Engine struct {
	maxDepth   int
	ignore     hostMatcher
	publicBase string
	pathPrefix string

	fetcher Fetcher
	index   *AssetIndex
	blobs   BlobStore

	log      *slog.Logger
	depthLog *rateLimitedLogger
	metrics  *Metrics
	stats    *statsCollector
	tracer   trace.Tracer
	now      func() time.Time
}

func NewEngine(cfg EngineConfig, fetcher Fetcher, index *AssetIndex, blobs BlobStore, logger *slog.Logger, metrics *Metrics) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		maxDepth:   cfg.MaxDepth,
		ignore:     newHostMatcher(cfg.IgnoreHosts),
		publicBase: strings.TrimRight(cfg.PublicBaseURL, "/"),
		pathPrefix: strings.Trim(cfg.PathPrefix, "/"),
		fetcher:    fetcher,
		index:      index,
		blobs:      blobs,
		log:        logger,
		depthLog:   newRateLimitedLogger(logger, 10*time.Second),
		metrics:    metrics,
		stats:      newStatsCollector(),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
}

// Resolve mirrors originURL and returns its proxy URI. It never fails: every
// problem ends in a result whose ProxyURI is the best reference available,
// usually originURL itself.
func (e *Engine) Resolve(ctx context.Context, originURL, cookie, userAgent string, includeBody bool) ResolutionResult {
	start := time.Now()
	defer func() { e.metrics.observeDuration(time.Since(start).Seconds()) }()

	origin, err := ParseOrigin(originURL)
	if err != nil {
		e.log.Debug("not resolving malformed origin", "origin", originURL, "err", err)
		e.metrics.outcome(outcomeInvalidURL)
		return passthrough(originURL)
	}
	req := ResolutionRequest{
		Origin:      origin,
		Cookie:      cookie,
		UserAgent:   userAgent,
		IncludeBody: includeBody,
	}
	return e.resolve(ctx, req, 0, map[string]ResolutionResult{})
}

// resolve runs one step of the resolution state machine. memo lives for one
// top-level Resolve call.
func (e *Engine) resolve(ctx context.Context, req ResolutionRequest, depth int, memo map[string]ResolutionResult) (res ResolutionResult) {
	origin := req.Origin.String()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("resolve panicked", "origin", origin, "depth", depth, "panic", r)
			e.metrics.outcome(outcomeUnknownError)
			res = failed(origin)
		}
	}()

	ctx, span := e.tracer.Start(ctx, "assetproxy.resolve", trace.WithAttributes(
		attribute.String("assetproxy.origin", origin),
		attribute.Int("assetproxy.depth", depth),
	))
	defer span.End()

	if depth >= e.maxDepth {
		e.depthLog.Log(slog.LevelError, "resolve depth limit reached, passing origin through", "origin", origin, "depth", depth)
		e.metrics.outcome(outcomeDepthExceeded)
		return passthrough(origin)
	}
	if e.ignore.Match(req.Origin.Host()) {
		e.log.Debug("origin host ignored", "origin", origin)
		e.metrics.outcome(outcomeIgnored)
		return passthrough(origin)
	}

	rec, ok, err := e.index.Lookup(ctx, origin)
	if err != nil {
		e.log.Error("record lookup failed", "origin", origin, "err", err)
		e.metrics.outcome(outcomeUnknownError)
		return failed(origin)
	}
	if ok {
		return e.cached(ctx, rec, req.IncludeBody)
	}

	header := http.Header{}
	if req.Cookie != "" {
		header.Set("Cookie", req.Cookie)
	}
	if req.UserAgent != "" {
		header.Set("User-Agent", req.UserAgent)
	}
	resp, err := e.fetcher.Fetch(ctx, req.Origin, header)
	if err != nil {
		e.log.Warn("fetch failed", "origin", origin, "err", err)
		e.metrics.outcome(outcomeFetchFailed)
		return failed(origin)
	}

	switch {
	case isRedirect(resp.Status):
		loc := strings.TrimSpace(resp.Header.Get("Location"))
		if loc == "" {
			e.log.Warn("redirect without location", "origin", origin, "status", resp.Status)
			e.metrics.outcome(outcomeRedirectNoTarget)
			return failed(origin)
		}
		target, err := ResolveReference(loc, req.Origin)
		if err != nil {
			e.log.Warn("redirect to unusable location", "origin", origin, "location", loc, "err", err)
			e.metrics.outcome(outcomeFetchFailed)
			return failed(origin)
		}
		e.metrics.outcome(outcomeRedirect)
		return e.resolve(ctx, req.withOrigin(target), depth+1, memo)

	case resp.Status >= 200 && resp.Status < 300 && resp.Body != nil:
		return e.persist(ctx, req, resp, depth, memo)

	default:
		e.log.Warn("origin answered without usable content", "origin", origin, "status", resp.Status, "client", resp.Client)
		e.metrics.outcome(outcomeFetchFailed)
		return failed(origin)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isCSS(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "css")
}

func (e *Engine) persist(ctx context.Context, req ResolutionRequest, resp *FetchResponse, depth int, memo map[string]ResolutionResult) ResolutionResult {
	origin := req.Origin.String()
	body := resp.Body
	contentType := resp.Header.Get("Content-Type")
	contentEncoding := resp.Header.Get("Content-Encoding")

	if isCSS(contentType) && contentEncoding == "" {
		css := rewriteCSS(string(body), req.Origin, func(ref OriginAddress) ResolutionResult {
			return e.resolve(ctx, req.withOrigin(ref), depth+1, memo)
		})
		body = []byte(css)
	}

	// The same origin may have been persisted while its own references were
	// being resolved (a stylesheet that imports itself, for instance).
	hash := HashOrigin(origin)
	if m, ok := memo[hash]; ok {
		e.metrics.outcome(outcomeMemoHit)
		return m
	}

	meta := map[string]string{MetaOriginURL: origin}
	if contentType != "" {
		meta[MetaContentType] = contentType
	}
	if contentEncoding != "" {
		meta[MetaContentEncoding] = contentEncoding
	}

	rec, created, err := e.index.ReserveOrGet(ctx, origin, func(hash string) (ProxiedAsset, error) {
		p := storedPathFor(e.pathPrefix, hash, req.Origin)
		stored, err := e.blobs.Upload(ctx, p, body, meta)
		if err != nil {
			return ProxiedAsset{}, fmt.Errorf("upload %s: %w", p, err)
		}
		return ProxiedAsset{
			StoredPath:  stored,
			HTTPStatus:  resp.Status,
			ContentType: contentType,
			StoredAt:    e.now().Unix(),
		}, nil
	})
	if err != nil {
		e.log.Error("persist failed", "origin", origin, "err", err)
		e.metrics.outcome(outcomeUnknownError)
		return failed(origin)
	}

	var res ResolutionResult
	if created {
		e.metrics.stored(len(body))
		e.stats.Observe(len(body))
		e.log.Debug("origin stored", "origin", origin, "path", rec.StoredPath, "size", len(body), "depth", depth)
		res = ResolutionResult{ProxyURI: e.proxyURI(rec.StoredPath)}
		if req.IncludeBody {
			res.Content = body
		}
	} else {
		res = e.cached(ctx, rec, req.IncludeBody)
	}
	e.metrics.outcome(outcomeStored)
	memo[hash] = res
	return res
}

// cached builds the result for an existing record. A blob read failure keeps
// the proxy URI but flags the result.
func (e *Engine) cached(ctx context.Context, rec ProxiedAsset, includeBody bool) ResolutionResult {
	res := ResolutionResult{ProxyURI: e.proxyURI(rec.StoredPath)}
	if !includeBody {
		e.metrics.outcome(outcomeCacheHit)
		return res
	}
	b, err := e.blobs.Read(ctx, rec.StoredPath)
	if err != nil {
		e.log.Warn("cached blob unreadable", "origin", rec.OriginURL, "path", rec.StoredPath, "err", err)
		e.metrics.outcome(outcomeCacheReadFailed)
		res.HasError = true
		return res
	}
	e.metrics.outcome(outcomeCacheHit)
	res.Content = b.Data
	return res
}

func (e *Engine) proxyURI(storedPath string) string {
	return e.publicBase + "/" + strings.TrimLeft(storedPath, "/")
}
