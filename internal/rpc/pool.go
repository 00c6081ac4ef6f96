package rpc

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/wnt/subledger/internal/metrics"
	"golang.org/x/time/rate"
)

// Caller is the part of an ethclient used for contract reads
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Pool manages a pool of RPC endpoints with load balancing and rate limiting
type Pool struct {
	endpoints []*Endpoint
	current   int
	mutex     sync.Mutex
	logger    zerolog.Logger
}

// Endpoint represents a single RPC endpoint with its own rate limiter
type Endpoint struct {
	URL           string
	client        Caller
	limiter       *rate.Limiter
	healthy       bool
	cooldownUntil time.Time
	mutex         sync.RWMutex
}

// EndpointStats is a point-in-time view of one endpoint
type EndpointStats struct {
	URL           string    `json:"url"`
	Healthy       bool      `json:"healthy"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// NewPool dials every endpoint. ratePerSecond bounds requests per endpoint.
func NewPool(ctx context.Context, urls []string, ratePerSecond int, logger zerolog.Logger) (*Pool, error) {
	clients := make(map[string]Caller, len(urls))
	for _, url := range urls {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial RPC endpoint %s: %w", url, err)
		}
		clients[url] = client
	}
	return newPool(urls, clients, ratePerSecond, logger)
}

func newPool(urls []string, clients map[string]Caller, ratePerSecond int, logger zerolog.Logger) (*Pool, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}
	if ratePerSecond < 1 {
		ratePerSecond = 1
	}

	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:     url,
			client:  clients[url],
			limiter: rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
			healthy: true,
		}
		metrics.SetRPCEndpointHealth(url, true)
	}

	return &Pool{
		endpoints: endpoints,
		current:   rand.Intn(len(endpoints)),
		logger:    logger.With().Str("component", "rpc_pool").Logger(),
	}, nil
}

// GetClient returns the next available client using round-robin
func (p *Pool) GetClient(ctx context.Context) (Caller, string, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	startIndex := p.current
	for attempts := 0; attempts < len(p.endpoints); attempts++ {
		endpoint := p.endpoints[p.current]
		p.current = (p.current + 1) % len(p.endpoints)

		if !endpoint.available(time.Now()) {
			continue
		}
		if endpoint.limiter.Allow() {
			return endpoint.client, endpoint.URL, nil
		}
	}

	// Everything is limited or unhealthy, wait on the first endpoint we tried
	endpoint := p.endpoints[startIndex]
	p.logger.Debug().Str("endpoint", endpoint.URL).Msg("All endpoints busy, waiting for availability")

	reservation := endpoint.limiter.Reserve()
	if !reservation.OK() {
		return nil, "", fmt.Errorf("rate limiter failed to make reservation")
	}
	if delay := reservation.Delay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			reservation.Cancel()
			return nil, "", ctx.Err()
		}
	}
	return endpoint.client, endpoint.URL, nil
}

func (e *Endpoint) available(now time.Time) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.healthy && !now.Before(e.cooldownUntil)
}

func (p *Pool) find(url string) *Endpoint {
	for _, endpoint := range p.endpoints {
		if endpoint.URL == url {
			return endpoint
		}
	}
	return nil
}

// MarkUnhealthy marks an endpoint as unhealthy
func (p *Pool) MarkUnhealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	changed := endpoint.healthy
	endpoint.healthy = false
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, false)
	if changed {
		p.logger.Warn().Str("endpoint", url).Msg("Marked endpoint as unhealthy")
	}
}

// MarkHealthy marks an endpoint as healthy and clears its cooldown
func (p *Pool) MarkHealthy(url string) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	changed := !endpoint.healthy
	endpoint.healthy = true
	endpoint.cooldownUntil = time.Time{}
	endpoint.mutex.Unlock()

	metrics.SetRPCEndpointHealth(url, true)
	if changed {
		p.logger.Info().Str("endpoint", url).Msg("Marked endpoint as healthy")
	}
}

// SetCooldown puts an endpoint in cooldown for the specified duration
func (p *Pool) SetCooldown(url string, duration time.Duration) {
	endpoint := p.find(url)
	if endpoint == nil {
		return
	}
	endpoint.mutex.Lock()
	endpoint.cooldownUntil = time.Now().Add(duration)
	endpoint.mutex.Unlock()

	p.logger.Warn().Str("endpoint", url).Dur("duration", duration).Msg("Set endpoint cooldown")
}

// HealthyEndpointCount returns the number of endpoints ready to serve
func (p *Pool) HealthyEndpointCount() int {
	now := time.Now()
	count := 0
	for _, endpoint := range p.endpoints {
		if endpoint.available(now) {
			count++
		}
	}
	return count
}

// Stats returns per-endpoint state
func (p *Pool) Stats() []EndpointStats {
	now := time.Now()
	stats := make([]EndpointStats, len(p.endpoints))
	for i, endpoint := range p.endpoints {
		endpoint.mutex.RLock()
		stats[i] = EndpointStats{
			URL:           endpoint.URL,
			Healthy:       endpoint.healthy,
			InCooldown:    now.Before(endpoint.cooldownUntil),
			CooldownUntil: endpoint.cooldownUntil,
		}
		endpoint.mutex.RUnlock()
	}
	return stats
}
