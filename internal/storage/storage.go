// Package storage addresses proof documents by content and retrieves them through a
// list of redundant gateways.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"civicledger/pkg/circuitbreaker"
	"civicledger/pkg/logger"
	"civicledger/pkg/metrics"
)

const refPrefix = "sha256-"

var (
	ErrInvalidRef        = errors.New("invalid content reference")
	ErrIntegrity         = errors.New("content does not match reference")
	ErrAllGatewaysFailed = errors.New("all storage gateways failed")
)

// ContentRef returns the stable reference of data.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

// ValidateRef checks that ref is a well-formed content reference.
func ValidateRef(ref string) error {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// Verify reports whether data hashes to ref.
func Verify(ref string, data []byte) bool {
	return ContentRef(data) == ref
}

type Config struct {
	Gateways       []string              `yaml:"gateways"`
	RequestTimeout time.Duration         `yaml:"request_timeout"`
	MaxSize        int64                 `yaml:"max_size"`
	Breaker        circuitbreaker.Config `yaml:"breaker"`
}

type gateway struct {
	base    string
	breaker *circuitbreaker.CircuitBreaker
}

// Client resolves and fetches content from the configured gateways in order.
type Client struct {
	gateways []gateway
	http     *http.Client
	maxSize  int64
	logger   *zap.Logger
}

// NewClient 创建存储网关客户端，每个网关拥有独立的熔断器
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	if len(cfg.Gateways) == 0 {
		return nil, errors.New("storage: at least one gateway is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 32 << 20
	}

	c := &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		maxSize: cfg.MaxSize,
		logger:  log,
	}
	for _, base := range cfg.Gateways {
		base = strings.TrimRight(base, "/")
		cb := circuitbreaker.NewCircuitBreaker(base, cfg.Breaker)
		cb.OnStateChange(func(name string, from, to circuitbreaker.State) {
			log.Warn("Storage gateway circuit changed",
				zap.String("gateway", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
		c.gateways = append(c.gateways, gateway{base: base, breaker: cb})
	}
	return c, nil
}

// Resolve returns the primary fetch URL for ref followed by the ordered fallbacks.
func (c *Client) Resolve(ref string) (string, []string, error) {
	if err := ValidateRef(ref); err != nil {
		return "", nil, err
	}
	urls := make([]string, len(c.gateways))
	for i, g := range c.gateways {
		urls[i] = g.base + "/" + ref
	}
	return urls[0], urls[1:], nil
}

// Fetch retrieves ref from the first gateway that returns intact content. Gateways
// whose circuit is open are skipped.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, c.logger)

	var errs []error
	for _, g := range c.gateways {
		var data []byte
		err := g.breaker.Execute(func() error {
			var err error
			data, err = c.get(ctx, g.base+"/"+ref)
			if err != nil {
				return err
			}
			if !Verify(ref, data) {
				return ErrIntegrity
			}
			return nil
		})
		if err == nil {
			metrics.IncrementGatewayFetch(g.base, "success")
			return data, nil
		}

		status := "failed"
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			status = "circuit_open"
		}
		metrics.IncrementGatewayFetch(g.base, status)
		log.Warn("Storage gateway fetch failed",
			zap.String("gateway", g.base),
			zap.String("ref", ref),
			zap.Error(err),
		)
		errs = append(errs, fmt.Errorf("%s: %w", g.base, err))

		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllGatewaysFailed, errors.Join(errs...))
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxSize {
		return nil, fmt.Errorf("content exceeds %d bytes", c.maxSize)
	}
	return data, nil
}
