package carrier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustgate/events"
	"trustgate/geo"
)

func TestRegisterValidates(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	for _, p := range []Profile{
		{},
		{ID: "c1", Rating: 7},
		{ID: "c1", TotalOrders: 2, CompletedOrders: 3},
		{ID: "c1", Location: &geo.Point{Lat: 200}},
	} {
		_, err := svc.Register(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidProfile)
	}
}

func TestTrackRecord(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()

	_, err := svc.Register(ctx, Profile{ID: "c1", Name: "Northwind", Rating: 4.5})
	require.NoError(t, err)
	p, err := svc.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, p.CompletionRate())

	_, err = svc.RecordDelivery(ctx, "c1", true)
	require.NoError(t, err)
	p, err = svc.RecordDelivery(ctx, "c1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalOrders)
	assert.Equal(t, 0.5, p.CompletionRate())

	require.NoError(t, svc.ReportLocation(ctx, "c1", geo.Point{Lat: 50, Lon: 8}))
	p, err = svc.GetByID(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, p.Location)
	assert.Equal(t, 50.0, p.Location.Lat)

	assert.ErrorIs(t, svc.ReportLocation(ctx, "ghost", geo.Point{}), ErrNotFound)
	_, err = svc.RecordDelivery(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleEscrowReleased(t *testing.T) {
	svc := NewService(NewMemoryRepository())
	ctx := context.Background()
	_, err := svc.Register(ctx, Profile{ID: "c1", Rating: 4})
	require.NoError(t, err)

	svc.HandleEscrowReleased(ctx, events.Event{Topic: events.TopicEscrowReleased, Key: "k1", Payload: map[string]any{"carrier_id": "c1", "refunded": false}})
	svc.HandleEscrowReleased(ctx, events.Event{Topic: events.TopicEscrowReleased, Key: "k2", Payload: map[string]any{"carrier_id": "c1", "refunded": true}})
	svc.HandleEscrowReleased(ctx, events.Event{Topic: events.TopicEscrowReleased, Key: "k3", Payload: map[string]any{"carrier_id": "ghost"}})

	p, err := svc.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalOrders)
	assert.Equal(t, 1, p.CompletedOrders)
}
