package assetproxy

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidURL     = errors.New("invalid url")
	ErrNotFound       = errors.New("not found")
	ErrChainExhausted = errors.New("fetch chain exhausted")
	ErrBodyTooLarge   = errors.New("response body too large")
	ErrLockTimeout    = errors.New("lock wait timed out")
)

// ProxiedAsset is the durable record of one mirrored origin. There is at most
// one per distinct OriginURL; it is never mutated after creation.
type ProxiedAsset struct {
	OriginHash string `cbor:"1,keyasint"`
	OriginURL  string `cbor:"2,keyasint"`
	StoredPath string `cbor:"3,keyasint"`
	HTTPStatus int    `cbor:"4,keyasint"`

	// Informational only.
	ContentType string `cbor:"5,keyasint,omitempty"`
	StoredAt    int64  `cbor:"6,keyasint,omitempty"` // unix seconds
}

type ResolutionRequest struct {
	Origin      OriginAddress
	Cookie      string
	UserAgent   string
	IncludeBody bool
}

// withOrigin returns a copy of the request pointing at a new origin. Used when
// following redirects and nested stylesheet references.
func (r ResolutionRequest) withOrigin(o OriginAddress) ResolutionRequest {
	r.Origin = o
	return r
}

type ResolutionResult struct {
	ProxyURI string `json:"proxyUri"`
	Content  []byte `json:"content,omitempty"`
	HasError bool   `json:"hasError,omitempty"`
}

func passthrough(origin string) ResolutionResult {
	return ResolutionResult{ProxyURI: origin}
}

func failed(origin string) ResolutionResult {
	return ResolutionResult{ProxyURI: origin, HasError: true}
}

// StatusError is returned by the fetch chain when every client answered with a
// status that allows no further fallback.
type StatusError struct {
	Client string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: client %q answered %d", ErrChainExhausted, e.Client, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrChainExhausted }
