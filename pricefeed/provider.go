package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoProviders     = errors.New("pricefeed: no provider returned a rate")
	ErrUnavailable     = errors.New("pricefeed: provider unavailable")
	ErrUnknownProvider = errors.New("pricefeed: unknown provider")
	ErrNoRate          = errors.New("pricefeed: no rate for query")
)

// ProviderType enumerates the supported feed kinds.
type ProviderType string

const (
	TypeHTTP         ProviderType = "HTTP_API"
	TypeRegionalJSON ProviderType = "REGIONAL_JSON"
	TypeMock         ProviderType = "MOCK"
)

func ParseProviderType(s string) (ProviderType, error) {
	switch t := ProviderType(strings.ToUpper(strings.TrimSpace(s))); t {
	case TypeHTTP, TypeRegionalJSON, TypeMock:
		return t, nil
	default:
		return "", fmt.Errorf("pricefeed: unsupported provider type %q", s)
	}
}

// Query selects the market segment a rate is requested for.
type Query struct {
	Category string
	Region   string
}

func (q Query) Key() string {
	return strings.ToLower(q.Category) + ":" + strings.ToLower(q.Region)
}

// Provider is a single market price source.
type Provider interface {
	Name() string
	FetchCurrentRate(ctx context.Context, q Query) (float64, error)
	IsAvailable() bool
	Weight() float64
	ProviderType() ProviderType
}
