// Package balancer picks the least loaded of several voicewire servers by
// keeping a status channel open to each of them.
package balancer

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/voicewire/internal/client"
	"github.com/loqalabs/voicewire/internal/config"
	"github.com/loqalabs/voicewire/internal/protocol"
)

// ErrNoUpstream is returned by Pick when no upstream has fresh status and
// room for another session.
var ErrNoUpstream = errors.New("no upstream available")

// Upstream is the last known state of one server.
type Upstream struct {
	URL            string    `json:"url"`
	Connected      bool      `json:"connected"`
	Utilization    float64   `json:"utilization"`
	MaxUtilization float64   `json:"max_utilization"`
	CanOverload    bool      `json:"can_overload"`
	Updated        time.Time `json:"updated"`
	LastError      string    `json:"last_error,omitempty"`
}

// accepts reports whether the server declared room for one more session.
func (u Upstream) accepts() bool {
	return u.CanOverload || u.Utilization < u.MaxUtilization
}

type statusSource interface {
	Capabilities() protocol.StatusConnectionOpen
	Next(ctx context.Context) (float64, error)
	Close() error
}

type dialFunc func(ctx context.Context, url string) (statusSource, error)

type Balancer struct {
	cfg    config.BalancerConfig
	logger *slog.Logger
	dial   dialFunc
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	upstreams map[string]*Upstream
}

func New(parent context.Context, cfg config.BalancerConfig, codec protocol.Codec, logger *slog.Logger) *Balancer {
	ctx, cancel := context.WithCancel(parent)
	b := &Balancer{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "balancer")),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		upstreams: make(map[string]*Upstream),
	}
	b.dial = func(ctx context.Context, url string) (statusSource, error) {
		return client.DialStatus(ctx, url, codec, client.Options{Logger: b.logger})
	}
	for _, url := range cfg.Upstreams {
		b.upstreams[url] = &Upstream{URL: url}
	}
	return b
}

// Start opens a status channel to every upstream. Channels that fail are
// redialled with exponential backoff until Close.
func (b *Balancer) Start() error {
	if len(b.upstreams) == 0 {
		return errors.New("balancer has no upstreams")
	}
	for url := range b.upstreams {
		b.wg.Add(1)
		go b.watch(url)
	}
	return nil
}

func (b *Balancer) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Balancer) watch(url string) {
	defer b.wg.Done()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second

	for {
		err := b.follow(url, retry)
		if b.ctx.Err() != nil {
			return
		}
		b.update(url, func(u *Upstream) {
			u.Connected = false
			u.LastError = err.Error()
		})
		wait := retry.NextBackOff()
		b.logger.Warn("status channel lost", slog.String("upstream", url), slog.Duration("retry_in", wait), slogError(err))
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// follow reads one status channel until it fails.
func (b *Balancer) follow(url string, retry *backoff.ExponentialBackOff) error {
	src, err := b.dial(b.ctx, url)
	if err != nil {
		return err
	}
	defer src.Close()

	caps := src.Capabilities()
	b.update(url, func(u *Upstream) {
		u.Connected = true
		u.MaxUtilization = caps.MaxUtilization
		u.CanOverload = caps.CanOverload
		u.LastError = ""
	})
	b.logger.Info("status channel open", slog.String("upstream", url),
		slog.Float64("max_utilization", caps.MaxUtilization), slog.Bool("can_overload", caps.CanOverload))
	retry.Reset()

	for {
		utilization, err := src.Next(b.ctx)
		if err != nil {
			return err
		}
		b.update(url, func(u *Upstream) {
			u.Utilization = utilization
			u.Updated = b.now()
		})
	}
}

func (b *Balancer) update(url string, fn func(*Upstream)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.upstreams[url]; ok {
		fn(u)
	}
}

// Pick returns the upstream with the lowest utilization among those with
// fresh status that still accept sessions. Ties go to the URL that sorts
// first.
func (b *Balancer) Pick() (Upstream, error) {
	candidates := slices.DeleteFunc(b.Snapshot(), func(u Upstream) bool {
		return !u.Connected || b.stale(u) || !u.accepts()
	})
	if len(candidates) == 0 {
		return Upstream{}, ErrNoUpstream
	}
	best := slices.MinFunc(candidates, func(x, y Upstream) int {
		return cmp.Compare(x.Utilization, y.Utilization)
	})
	return best, nil
}

// Snapshot returns every upstream sorted by URL.
func (b *Balancer) Snapshot() []Upstream {
	b.mu.RLock()
	out := make([]Upstream, 0, len(b.upstreams))
	for _, u := range b.upstreams {
		out = append(out, *u)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y Upstream) int {
		return strings.Compare(x.URL, y.URL)
	})
	return out
}

func (b *Balancer) stale(u Upstream) bool {
	if u.Updated.IsZero() {
		return true
	}
	if b.cfg.StaleAfterMS <= 0 {
		return false
	}
	return b.now().Sub(u.Updated) > time.Duration(b.cfg.StaleAfterMS)*time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
