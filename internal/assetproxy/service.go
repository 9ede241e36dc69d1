package assetproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const headerAssetProxy = "X-Asset-Proxy"

// Service wires the configured stores into an Engine and exposes it over HTTP.
type Service struct {
	cfg Config
	log *slog.Logger

	registry *prometheus.Registry
	metrics  *Metrics

	records RecordStore
	blobs   *CachedBlobStore
	redis   *redis.Client
	index   *AssetIndex
	engine  *Engine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(ctx context.Context, cfg Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(reg)

	records, err := openRecordStore(cfg.Storage.Records)
	if err != nil {
		return nil, err
	}
	backing, err := openBlobStore(ctx, cfg.Storage.Blobs, logger)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	blobs := NewCachedBlobStore(backing, cfg.Storage.Blobs.ramCacheBytes, logger)

	var (
		locker Locker
		rdb    *redis.Client
	)
	switch cfg.Storage.Lock.Driver {
	case "redis":
		rdb = newRedisClient(cfg.Storage.Lock.Redis)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			_ = records.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Storage.Lock.Redis.Address, err)
		}
		locker = NewRedisLocker(rdb, cfg.Storage.Lock.ttlDur, cfg.Storage.Lock.waitDur)
	default:
		locker = NewLocalLocker()
	}

	clients, err := newChainClients(cfg.Fetch.Clients)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	chain, err := NewClientChain(clients, cfg.Fetch.maxBodyBytes, logger, metrics)
	if err != nil {
		_ = records.Close()
		return nil, err
	}

	index := NewAssetIndex(records, locker, logger)
	engine := NewEngine(EngineConfig{
		MaxDepth:      cfg.Resolve.MaxDepth,
		IgnoreHosts:   cfg.Resolve.IgnoreHosts,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		PathPrefix:    cfg.Storage.Blobs.PathPrefix,
	}, chain, index, blobs, logger, metrics)

	s := &Service{
		cfg:      cfg,
		log:      logger,
		registry: reg,
		metrics:  metrics,
		records:  records,
		blobs:    blobs,
		redis:    rdb,
		index:    index,
		engine:   engine,
		stopCh:   make(chan struct{}),
	}

	if cfg.Logging.statsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.statsEvery)
		}()
	}
	return s, nil
}

func openRecordStore(cfg RecordsConfig) (RecordStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLiteRecordStore(cfg.Path)
	default:
		return OpenLevelRecordStore(cfg.Path)
	}
}

func openBlobStore(ctx context.Context, cfg BlobsConfig, logger *slog.Logger) (BlobStore, error) {
	switch cfg.Driver {
	case "s3":
		return NewS3BlobStore(ctx, cfg.S3, logger)
	default:
		return NewFileBlobStore(cfg.Dir, cfg.compression)
	}
}

// Engine exposes the resolver for in-process callers such as the CLI.
func (s *Service) Engine() *Engine { return s.engine }

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.records.Close(); err != nil {
		s.log.Warn("close record store", "err", err)
	}
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /resolve", s.handleResolvePost)
	mux.HandleFunc("GET /resolve", s.handleResolveGet)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /"+s.cfg.Storage.Blobs.PathPrefix+"/", s.handleBlob)
	return mux
}

type resolveRequestBody struct {
	OriginURL   string `json:"originUrl"`
	Cookie      string `json:"cookie,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	IncludeBody bool   `json:"includeBody,omitempty"`
}

func (s *Service) handleResolvePost(w http.ResponseWriter, r *http.Request) {
	var body resolveRequestBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.OriginURL) == "" {
		writeJSONError(w, http.StatusBadRequest, "originUrl is required")
		return
	}
	res := s.engine.Resolve(r.Context(), body.OriginURL, body.Cookie, body.UserAgent, body.IncludeBody)
	writeResult(w, res)
}

func (s *Service) handleResolveGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin := strings.TrimSpace(q.Get("url"))
	if origin == "" {
		writeJSONError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	includeBody, _ := strconv.ParseBool(q.Get("includeBody"))
	res := s.engine.Resolve(r.Context(), origin, "", r.Header.Get("User-Agent"), includeBody)
	writeResult(w, res)
}

func writeResult(w http.ResponseWriter, res ResolutionResult) {
	state := "resolved"
	if res.HasError {
		state = "error"
	}
	setAssetProxyHeaders(w.Header(), state)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	setAssetProxyHeaders(w.Header(), "bad-request")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.index.Count(r.Context()); err != nil {
		http.Error(w, "record store unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok\n"))
}

// handleBlob serves stored assets. Stored paths are content-addressed by
// origin, so responses are immutable.
func (s *Service) handleBlob(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	b, err := s.blobs.Read(r.Context(), p)
	if errors.Is(err, ErrNotFound) {
		setAssetProxyHeaders(w.Header(), "miss")
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Warn("blob read failed", "path", p, "err", err)
		setAssetProxyHeaders(w.Header(), "error")
		http.Error(w, "blob unavailable", http.StatusBadGateway)
		return
	}

	h := w.Header()
	if v := b.Metadata[MetaContentType]; v != "" {
		h.Set("Content-Type", v)
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if v := b.Metadata[MetaContentEncoding]; v != "" {
		h.Set("Content-Encoding", v)
	}
	h.Set("Content-Length", strconv.Itoa(len(b.Data)))
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	h.Set("Access-Control-Allow-Origin", "*")
	setAssetProxyHeaders(h, "hit")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(b.Data)
	}
}

func setAssetProxyHeaders(h http.Header, state string) {
	if state != "" {
		h.Set(headerAssetProxy, state)
	}
	// Custom headers are unreadable from browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, headerAssetProxy)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.engine.stats.Snapshot()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			assets, err := s.index.Count(ctx)
			cancel()
			if err != nil {
				s.log.Warn("count records", "err", err)
			}
			s.log.Info(fmt.Sprintf(
				"Proxied: Assets: %d, Stored this run: %d (%s), RAM cache: %s, Stored min/avg/max %s/%s/%s",
				assets,
				ss.Stored,
				formatBytes(ss.TotalBytes),
				formatBytes(uint64(s.blobs.TotalSize())),
				formatBytes(ss.MinBytes),
				formatBytes(ss.AvgBytes),
				formatBytes(ss.MaxBytes),
			))
		}
	}
}
