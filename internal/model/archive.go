package model

import "time"

// ArchiveDay marks that a cold-storage page of messages exists for one
// calendar day in a room. Days are traversed newest-to-oldest as live
// pagination runs out.
type ArchiveDay struct {
	Year      int       `json:"year"`
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	CreatedAt time.Time `json:"createdAt"`
}

// Date returns the day as a UTC midnight timestamp.
func (d ArchiveDay) Date() time.Time {
	return time.Date(d.Year, time.Month(d.Month), d.Day, 0, 0, 0, 0, time.UTC)
}

// Before reports whether d is an earlier calendar day than other.
func (d ArchiveDay) Before(other ArchiveDay) bool {
	return d.Date().Before(other.Date())
}
