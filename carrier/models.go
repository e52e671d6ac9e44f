package carrier

import (
	"time"

	"trustgate/geo"
)

// Profile captures the delivery track record used for bid scoring.
type Profile struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Rating          float64    `json:"rating"`
	TotalOrders     int        `json:"total_orders"`
	CompletedOrders int        `json:"completed_orders"`
	Location        *geo.Point `json:"location,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CompletionRate is completed over total orders, zero without history.
func (p Profile) CompletionRate() float64 {
	if p.TotalOrders <= 0 {
		return 0
	}
	return float64(p.CompletedOrders) / float64(p.TotalOrders)
}
