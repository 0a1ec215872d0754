package nbot

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Task ids and data-store stamps use these so ordering survives sorting.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowStamp returns current time as fractional Unix seconds, the timestamp
// format carried in notebook metadata and evaluation records.
func NowStamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
