package assetproxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FetchResponse is a fully read origin response.
type FetchResponse struct {
	Status int
	Header http.Header
	// Body is nil when the origin sent no bytes.
	Body   []byte
	Client string
}

// Fetcher performs a single GET against an origin. Redirects are returned to
// the caller, never followed.
type Fetcher interface {
	Fetch(ctx context.Context, origin OriginAddress, header http.Header) (*FetchResponse, error)
}

// ChainClient is one entry of a ClientChain.
type ChainClient struct {
	Name string
	HTTP *http.Client
}

// ClientChain tries its clients in order. A 400 answer moves on to the next
// client while one remains; any other status, or a transport error, ends the
// attempt.
type ClientChain struct {
	clients []ChainClient
	maxBody int64

	log         *slog.Logger
	fallbackLog *rateLimitedLogger
	metrics     *Metrics
	tracer      trace.Tracer
}

func NewClientChain(clients []ChainClient, maxBody int64, logger *slog.Logger, metrics *Metrics) (*ClientChain, error) {
	if len(clients) == 0 {
		return nil, errors.New("fetch chain needs at least one client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]ChainClient, 0, len(clients))
	for i, c := range clients {
		if c.HTTP == nil {
			return nil, fmt.Errorf("fetch chain client %d (%q) has no http client", i, c.Name)
		}
		if c.Name == "" {
			c.Name = "client-" + strconv.Itoa(i)
		}
		hc := *c.HTTP
		hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
		out = append(out, ChainClient{Name: c.Name, HTTP: &hc})
	}
	return &ClientChain{
		clients:     out,
		maxBody:     maxBody,
		log:         logger,
		fallbackLog: newRateLimitedLogger(logger, time.Minute),
		metrics:     metrics,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

func (ch *ClientChain) Fetch(ctx context.Context, origin OriginAddress, header http.Header) (*FetchResponse, error) {
	last := len(ch.clients) - 1
	for i, c := range ch.clients {
		resp, err := ch.fetchOnce(ctx, c, origin, header)
		if err != nil {
			ch.metrics.fetchAttempt(c.Name, "error")
			return nil, fmt.Errorf("fetch %s via %s: %w", origin, c.Name, err)
		}
		ch.metrics.fetchAttempt(c.Name, strconv.Itoa(resp.Status))
		if resp.Status != http.StatusBadRequest {
			return resp, nil
		}
		if i == last {
			return nil, &StatusError{Client: c.Name, Status: resp.Status}
		}
		ch.fallbackLog.Log(slog.LevelWarn, "origin rejected request, trying next client",
			"origin", origin.String(), "client", c.Name, "next", ch.clients[i+1].Name)
	}
	// unreachable: the loop returns on the last client
	return nil, ErrChainExhausted
}

func (ch *ClientChain) fetchOnce(ctx context.Context, c ChainClient, origin OriginAddress, header http.Header) (*FetchResponse, error) {
	ctx, span := ch.tracer.Start(ctx, "assetproxy.fetch", trace.WithAttributes(
		attribute.String("http.url", origin.String()),
		attribute.String("assetproxy.client", c.Name),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin.String(), nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, k := range []string{"Cookie", "User-Agent"} {
		if v := header.Get(k); v != "" {
			req.Header.Set(k, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := ch.readBody(resp.Body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	out := &FetchResponse{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Client: c.Name,
	}
	out.Header.Del("Content-Length")
	if len(body) > 0 {
		out.Body = body
	}
	return out, nil
}

func (ch *ClientChain) readBody(r io.Reader) ([]byte, error) {
	if ch.maxBody <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, ch.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > ch.maxBody {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, ch.maxBody)
	}
	return b, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// newChainClients builds the configured fetch chain.
func newChainClients(cfgs []ClientConfig) ([]ChainClient, error) {
	out := make([]ChainClient, 0, len(cfgs))
	for i, cc := range cfgs {
		hc, err := newHTTPClient(cc)
		if err != nil {
			return nil, fmt.Errorf("fetch.clients[%d]: %w", i, err)
		}
		out = append(out, ChainClient{Name: cc.Name, HTTP: hc})
	}
	return out, nil
}

func newHTTPClient(cc ClientConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cc.CAFile != "" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(cc.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read caFile: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("caFile %s: no certificates found", cc.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	if cc.InsecureSkipVerify {
		tlsCfg.InsecureSkipVerify = true
	}
	tr.TLSClientConfig = tlsCfg
	tr.DisableCompression = true
	return &http.Client{Transport: tr, Timeout: cc.timeoutDur}, nil
}
