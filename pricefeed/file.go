package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FileProvider reads rates from a local JSON snapshot shaped as
//
//	{"<region>": {"<category>": {"price": 1200}}}
//
// Lookups fall back to the "*" category and then the "*" region.
// The file is re-read on every call so operators can drop in a new snapshot.
type FileProvider struct {
	name   string
	path   string
	weight float64
}

func NewFileProvider(name, path string, weight float64) *FileProvider {
	return &FileProvider{name: name, path: path, weight: weight}
}

func (p *FileProvider) Name() string               { return p.name }
func (p *FileProvider) Weight() float64            { return p.weight }
func (p *FileProvider) ProviderType() ProviderType { return TypeRegionalJSON }

func (p *FileProvider) IsAvailable() bool {
	if p.path == "" {
		return false
	}
	_, err := os.Stat(p.path)
	return err == nil
}

type fileEntry struct {
	Price float64 `json:"price"`
}

func (p *FileProvider) FetchCurrentRate(ctx context.Context, q Query) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("pricefeed: %s: read snapshot: %w", p.name, err)
	}
	var doc map[string]map[string]fileEntry
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("pricefeed: %s: parse snapshot: %w", p.name, err)
	}

	for _, region := range []string{q.Region, "*"} {
		byCategory, ok := lookupFold(doc, region)
		if !ok {
			continue
		}
		for _, category := range []string{q.Category, "*"} {
			if e, ok := lookupFold(byCategory, category); ok && e.Price > 0 {
				return e.Price, nil
			}
		}
	}
	return 0, fmt.Errorf("pricefeed: %s: %w (%s)", p.name, ErrNoRate, q.Key())
}

func lookupFold[V any](m map[string]V, key string) (V, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	var zero V
	return zero, false
}
