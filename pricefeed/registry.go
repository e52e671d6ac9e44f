package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trustgate/config"
	"trustgate/logging"
	"trustgate/metrics"
	"trustgate/resilience"
)

var ErrDuplicateProvider = errors.New("pricefeed: provider already registered")

// Mode records how a quote was produced.
type Mode string

const (
	ModePriority  Mode = "priority"
	ModeConsensus Mode = "consensus"
)

type SourceRate struct {
	Provider string  `json:"provider"`
	Rate     float64 `json:"rate"`
	Weight   float64 `json:"weight"`
}

type Quote struct {
	Rate    float64      `json:"rate"`
	Mode    Mode         `json:"mode"`
	Sources []SourceRate `json:"sources"`
}

type ProviderStatus struct {
	Name      string       `json:"name"`
	Type      ProviderType `json:"type"`
	Priority  int          `json:"priority"`
	Weight    float64      `json:"weight"`
	Enabled   bool         `json:"enabled"`
	Consensus bool         `json:"consensus"`
	Breaker   string       `json:"breaker"`
}

type Stats struct {
	Total         int                  `json:"total_providers"`
	Active        int                  `json:"active_providers"`
	Consensus     int                  `json:"consensus_providers"`
	ByType        map[ProviderType]int `json:"provider_types"`
	ConsensusMode bool                 `json:"consensus_mode_enabled"`
	Providers     []ProviderStatus     `json:"providers"`
}

type entry struct {
	provider  Provider
	priority  int
	enabled   bool
	consensus bool
	breaker   *resilience.CircuitBreaker
}

// Registry selects between providers at runtime. Each provider sits behind
// its own circuit breaker and call timeout.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	breaker config.BreakerConfig
	log     logrus.FieldLogger
}

func NewRegistry(breaker config.BreakerConfig, log logrus.FieldLogger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		breaker: breaker,
		log:     logging.OrDiscard(log),
	}
}

// NewRegistryFromConfig builds a registry from the provider declarations in
// the YAML configuration.
func NewRegistryFromConfig(cfgs []config.ProviderConfig, breaker config.BreakerConfig, client *http.Client, log logrus.FieldLogger) (*Registry, error) {
	r := NewRegistry(breaker, log)
	for _, pc := range cfgs {
		typ, err := ParseProviderType(pc.Type)
		if err != nil {
			return nil, err
		}
		var p Provider
		switch typ {
		case TypeHTTP:
			p = NewHTTPProvider(pc.Name, pc.URL, pc.APIKey, pc.Weight, client)
		case TypeRegionalJSON:
			p = NewFileProvider(pc.Name, pc.FilePath, pc.Weight)
		case TypeMock:
			p = NewMockProvider(pc.Name, pc.BasePrice, pc.Variation, pc.Weight)
		}
		if err := r.Register(p, pc.Priority, pc.Enabled, pc.Consensus); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Provider, priority int, enabled, consensus bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Name())
	}
	log := r.log
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             p.Name(),
		FailureThreshold: r.breaker.FailureThreshold,
		SuccessThreshold: r.breaker.SuccessThreshold,
		Timeout:          r.breaker.OpenTimeout,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			metrics.SetBreakerState(name, int(to))
			log.WithFields(logrus.Fields{"provider": name, "from": from.String(), "to": to.String()}).Warn("pricefeed: breaker state changed")
		},
	})
	r.entries[p.Name()] = &entry{provider: p, priority: priority, enabled: enabled, consensus: consensus, breaker: cb}
	metrics.SetBreakerState(p.Name(), int(resilience.CircuitClosed))
	return nil
}

func (r *Registry) Toggle(name string, enabled bool) error {
	return r.update(name, func(e *entry) { e.enabled = enabled })
}

func (r *Registry) SetPriority(name string, priority int) error {
	return r.update(name, func(e *entry) { e.priority = priority })
}

func (r *Registry) SetConsensus(name string, on bool) error {
	return r.update(name, func(e *entry) { e.consensus = on })
}

func (r *Registry) update(name string, fn func(*entry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	fn(e)
	r.log.WithFields(logrus.Fields{"provider": name, "enabled": e.enabled, "priority": e.priority, "consensus": e.consensus}).Info("pricefeed: provider updated")
	return nil
}

// ConsensusMode is on when more than one enabled provider takes part in consensus.
func (r *Registry) ConsensusMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consensusLocked()) > 1
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{Total: len(r.entries), ByType: make(map[ProviderType]int)}
	for _, e := range r.sortedLocked() {
		s.ByType[e.provider.ProviderType()]++
		if e.enabled {
			s.Active++
			if e.consensus {
				s.Consensus++
			}
		}
		s.Providers = append(s.Providers, ProviderStatus{
			Name:      e.provider.Name(),
			Type:      e.provider.ProviderType(),
			Priority:  e.priority,
			Weight:    e.provider.Weight(),
			Enabled:   e.enabled,
			Consensus: e.consensus,
			Breaker:   e.breaker.State().String(),
		})
	}
	s.ConsensusMode = s.Consensus > 1
	return s
}

// Quote returns the current rate. In consensus mode it is the weighted average
// of every consensus provider that answered; otherwise the enabled providers
// are tried in ascending priority order. Consensus falls back to the priority
// chain when nobody answers.
func (r *Registry) Quote(ctx context.Context, q Query) (Quote, error) {
	r.mu.RLock()
	chain := r.enabledLocked()
	consensus := r.consensusLocked()
	r.mu.RUnlock()

	if len(consensus) > 1 {
		quote, err := r.consensusQuote(ctx, q, consensus)
		if err == nil {
			return quote, nil
		}
		r.log.WithError(err).WithField("segment", q.Key()).Warn("pricefeed: consensus failed, using priority chain")
	}
	return r.priorityQuote(ctx, q, chain)
}

func (r *Registry) priorityQuote(ctx context.Context, q Query, chain []*entry) (Quote, error) {
	var errs []error
	for _, e := range chain {
		if !e.provider.IsAvailable() {
			continue
		}
		rate, err := r.fetch(ctx, e, q)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return Quote{
			Rate:    rate,
			Mode:    ModePriority,
			Sources: []SourceRate{{Provider: e.provider.Name(), Rate: rate, Weight: e.provider.Weight()}},
		}, nil
	}
	return Quote{}, errors.Join(append([]error{ErrNoProviders}, errs...)...)
}

func (r *Registry) consensusQuote(ctx context.Context, q Query, members []*entry) (Quote, error) {
	results := make([]*SourceRate, len(members))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range members {
		if !e.provider.IsAvailable() {
			continue
		}
		g.Go(func() error {
			rate, err := r.fetch(gctx, e, q)
			if err != nil {
				return nil
			}
			results[i] = &SourceRate{Provider: e.provider.Name(), Rate: rate, Weight: e.provider.Weight()}
			return nil
		})
	}
	_ = g.Wait()

	var sources []SourceRate
	for _, s := range results {
		if s != nil {
			sources = append(sources, *s)
		}
	}
	if len(sources) == 0 {
		return Quote{}, ErrNoProviders
	}
	return Quote{Rate: WeightedAverage(sources), Mode: ModeConsensus, Sources: sources}, nil
}

func (r *Registry) fetch(ctx context.Context, e *entry, q Query) (float64, error) {
	name := e.provider.Name()
	guard := resilience.Guard[float64]{Breaker: e.breaker, Timeout: r.breaker.CallTimeout}

	start := time.Now()
	rate, _, err := guard.Do(ctx, func(ctx context.Context) (float64, error) {
		var rate float64
		err := resilience.Retry(ctx, r.retryConfig(), transient, func(ctx context.Context) error {
			var err error
			rate, err = e.provider.FetchCurrentRate(ctx, q)
			return err
		})
		return rate, err
	})
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		metrics.ObserveProviderFetch(name, "open")
	case err != nil:
		metrics.ObserveProviderFetch(name, "error")
		r.log.WithError(err).WithFields(logrus.Fields{"provider": name, "segment": q.Key()}).Warn("pricefeed: fetch failed")
	default:
		metrics.ObserveProviderFetch(name, "ok")
		r.log.WithFields(logrus.Fields{"provider": name, "rate": rate, "took": time.Since(start)}).Debug("pricefeed: fetched rate")
	}
	return rate, err
}

func (r *Registry) retryConfig() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.MaxRetries = r.breaker.RetryAttempts
	if r.breaker.RetryBackoff > 0 {
		cfg.InitialBackoff = r.breaker.RetryBackoff
	}
	return cfg
}

// transient failures are worth another attempt within the same call.
func transient(err error) bool { return errors.Is(err, ErrUnavailable) }

// WeightedAverage averages the rates by provider weight, falling back to a
// plain mean when every weight is zero.
func WeightedAverage(sources []SourceRate) float64 {
	if len(sources) == 0 {
		return 0
	}
	var sum, weights float64
	for _, s := range sources {
		sum += s.Rate * s.Weight
		weights += s.Weight
	}
	if weights > 0 {
		return sum / weights
	}
	sum = 0
	for _, s := range sources {
		sum += s.Rate
	}
	return sum / float64(len(sources))
}

func (r *Registry) sortedLocked() []*entry {
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].provider.Name() < out[j].provider.Name()
	})
	return out
}

func (r *Registry) enabledLocked() []*entry {
	var out []*entry
	for _, e := range r.sortedLocked() {
		if e.enabled {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) consensusLocked() []*entry {
	var out []*entry
	for _, e := range r.enabledLocked() {
		if e.consensus {
			out = append(out, e)
		}
	}
	return out
}
