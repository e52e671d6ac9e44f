package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"trustgate/config"
	"trustgate/events"
	"trustgate/geo"
	"trustgate/worm"
)

// Zone is a circular permitted area.
type Zone struct {
	Name     string
	Center   geo.Point
	RadiusKm float64
}

func ZonesFromConfig(cfg []config.GeofenceZone) []Zone {
	zones := make([]Zone, 0, len(cfg))
	for _, z := range cfg {
		zones = append(zones, Zone{Name: z.Name, Center: geo.Point{Lat: z.Lat, Lon: z.Lon}, RadiusKm: z.RadiusKm})
	}
	return zones
}

type GeofenceCheck struct {
	UserID   string    `json:"user_id"`
	OrderID  string    `json:"order_id"`
	Zone     string    `json:"zone"`
	Location geo.Point `json:"location"`
}

type GeofenceResult struct {
	Zone       string  `json:"zone"`
	DistanceKm float64 `json:"distance_km"`
	Inside     bool    `json:"inside"`
	RecordHash string  `json:"record_hash"`
}

func (e *Engine) zone(name string) (Zone, bool) {
	for _, z := range e.zones {
		if strings.EqualFold(z.Name, name) {
			return z, true
		}
	}
	return Zone{}, false
}

// CheckGeofence records whether the reported location lies within the named
// zone. A position outside the zone is a violation and is published.
func (e *Engine) CheckGeofence(ctx context.Context, c GeofenceCheck) (GeofenceResult, error) {
	if strings.TrimSpace(c.UserID) == "" {
		return GeofenceResult{}, &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if !c.Location.Valid() {
		return GeofenceResult{}, &ValidationError{Field: "location", Reason: "coordinates out of range"}
	}
	z, ok := e.zone(c.Zone)
	if !ok {
		return GeofenceResult{}, &ValidationError{Field: "zone", Reason: fmt.Sprintf("unknown zone %q", c.Zone)}
	}

	dist := geo.DistanceKm(z.Center, c.Location)
	res := GeofenceResult{Zone: z.Name, DistanceKm: dist, Inside: dist <= z.RadiusKm}

	rec, err := e.audit.SaveGeofenceCheck(ctx, worm.GeofenceEntry{
		UserID:     c.UserID,
		OrderID:    c.OrderID,
		Zone:       z.Name,
		Lat:        c.Location.Lat,
		Lon:        c.Location.Lon,
		DistanceKm: dist,
		Violation:  !res.Inside,
	})
	if err != nil {
		return GeofenceResult{}, fmt.Errorf("policy: record geofence check: %w", err)
	}
	res.RecordHash = rec.Hash

	if !res.Inside {
		e.log.WithFields(logrus.Fields{"user_id": c.UserID, "zone": z.Name, "distance_km": dist}).Warn("policy: geofence violation")
		if err := e.publisher.Publish(ctx, events.TopicSecurityGeofenceViolation, c.UserID, map[string]any{
			"user_id":     c.UserID,
			"order_id":    c.OrderID,
			"zone":        z.Name,
			"lat":         c.Location.Lat,
			"lon":         c.Location.Lon,
			"distance_km": dist,
			"record_hash": rec.Hash,
		}); err != nil {
			e.log.WithError(err).Warn("policy: publish geofence violation failed")
		}
	}
	return res, nil
}
