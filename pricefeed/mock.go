package pricefeed

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// MockProvider generates a rate around a base price. It is always
// available and serves as the last-resort entry in priority mode.
type MockProvider struct {
	name      string
	base      float64
	variation float64
	weight    float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockProvider(name string, base, variation, weight float64) *MockProvider {
	return &MockProvider{
		name:      name,
		base:      base,
		variation: variation,
		weight:    weight,
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSeed makes the generated sequence deterministic.
func (p *MockProvider) WithSeed(seed int64) *MockProvider {
	p.mu.Lock()
	p.rnd = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

func (p *MockProvider) Name() string               { return p.name }
func (p *MockProvider) Weight() float64            { return p.weight }
func (p *MockProvider) ProviderType() ProviderType { return TypeMock }
func (p *MockProvider) IsAvailable() bool          { return true }

func (p *MockProvider) FetchCurrentRate(ctx context.Context, _ Query) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if p.variation <= 0 {
		return p.base, nil
	}
	p.mu.Lock()
	f := p.rnd.Float64()*2 - 1
	p.mu.Unlock()
	return p.base * (1 + f*p.variation), nil
}
