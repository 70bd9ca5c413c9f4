// Package pool bounds outbound connections and owns the shared HTTP transport.
package pool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/substack-mirror/internal/metrics"
)

// Config sizes the pool and its transport.
type Config struct {
	MaxTotal       int
	MaxPerHost     int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	KeepAlive      time.Duration
	Proxy          ProxyConfig
}

// ProxyConfig requests proxying through the residential gateway.
type ProxyConfig struct {
	Enabled        bool
	Gateway        string
	Sticky         bool
	SessionMinutes int
	Descriptor     ProxyDescriptor
}

// Pool hands out connection slots under a global and a per-host cap.
type Pool struct {
	cfg       Config
	global    *semaphore.Weighted
	mu        sync.Mutex
	hosts     map[string]*semaphore.Weighted
	transport *http.Transport
	proxy     *url.URL
	inUse     atomic.Int64
	logger    *zap.Logger
}

// New builds a Pool. An unusable proxy configuration disables proxying
// instead of failing.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = 100
	}
	if cfg.MaxPerHost <= 0 {
		cfg.MaxPerHost = 10
	}
	if cfg.MaxPerHost > cfg.MaxTotal {
		cfg.MaxPerHost = cfg.MaxTotal
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	p := &Pool{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.MaxTotal)),
		hosts:  make(map[string]*semaphore.Weighted),
		logger: logger,
	}
	p.proxy = resolveProxy(cfg.Proxy, logger)
	p.transport = newHTTPTransport(cfg, p.proxy)
	return p
}

func resolveProxy(cfg ProxyConfig, logger *zap.Logger) *url.URL {
	if !cfg.Enabled {
		return nil
	}
	d := cfg.Descriptor
	if cfg.Sticky {
		d = d.Sticky(cfg.SessionMinutes)
	}
	if err := d.Validate(); err != nil {
		logger.Warn("proxy requested but credentials are unusable; continuing without proxy", zap.Error(err))
		return nil
	}
	u := d.URL(cfg.Gateway)
	logger.Info("proxy enabled",
		zap.String("gateway", u.Host),
		zap.Bool("sticky", d.SessionID != ""),
		zap.String("country", d.CountryCode),
	)
	return u
}

func newHTTPTransport(cfg Config, proxy *url.URL) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          cfg.MaxTotal,
		MaxIdleConnsPerHost:   cfg.MaxPerHost,
		MaxConnsPerHost:       cfg.MaxPerHost,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}

// Transport is the shared round tripper every fetcher should use.
func (p *Pool) Transport() http.RoundTripper {
	return p.transport
}

// ProxyURL returns the active proxy or nil when proxying is off.
func (p *Pool) ProxyURL() *url.URL {
	return p.proxy
}

// InUse reports currently held slots.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

func (p *Pool) hostSemaphore(host string) *semaphore.Weighted {
	key := strings.ToLower(host)
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.hosts[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(p.cfg.MaxPerHost))
		p.hosts[key] = sem
	}
	return sem
}

// Acquire blocks until a slot for host is free under both caps. The returned
// release func is safe to call more than once.
func (p *Pool) Acquire(ctx context.Context, host string) (func(), error) {
	hostSem := p.hostSemaphore(host)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire host slot %q: %w", host, err)
	}
	if err := p.global.Acquire(ctx, 1); err != nil {
		hostSem.Release(1)
		return nil, fmt.Errorf("acquire pool slot: %w", err)
	}
	metrics.SetPoolInUse(int(p.inUse.Add(1)))

	var once sync.Once
	return func() {
		once.Do(func() {
			p.global.Release(1)
			hostSem.Release(1)
			metrics.SetPoolInUse(int(p.inUse.Add(-1)))
		})
	}, nil
}

// Do runs fn while holding a slot for host.
func (p *Pool) Do(ctx context.Context, host string, fn func() error) error {
	release, err := p.Acquire(ctx, host)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Close drops idle keep-alive connections.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
