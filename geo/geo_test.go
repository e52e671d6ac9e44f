package geo

import (
	"math"
	"testing"
)

func TestDistanceKm(t *testing.T) {
	berlin := Point{Lat: 52.5200, Lon: 13.4050}
	paris := Point{Lat: 48.8566, Lon: 2.3522}

	if d := DistanceKm(berlin, berlin); d != 0 {
		t.Fatalf("expected zero distance, got %v", d)
	}
	d := DistanceKm(berlin, paris)
	if math.Abs(d-878) > 5 {
		t.Fatalf("berlin-paris distance %v not within 5km of 878", d)
	}
	if math.Abs(DistanceKm(paris, berlin)-d) > 1e-9 {
		t.Fatalf("distance must be symmetric")
	}
}

func TestPointValid(t *testing.T) {
	if !(Point{Lat: 10, Lon: 20}).Valid() {
		t.Fatalf("expected valid point")
	}
	if (Point{Lat: 91, Lon: 0}).Valid() || (Point{Lat: 0, Lon: math.NaN()}).Valid() {
		t.Fatalf("expected invalid point")
	}
}
