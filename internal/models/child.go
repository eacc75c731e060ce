package models

import "time"

// Child is the subset of a club member that billing reads and writes.
// ExternalID is the provider customer reference; GroupID is nil while the
// child is not enrolled.
type Child struct {
	ID         int64      `json:"id"`
	ParentID   *int64     `json:"parent_id,omitempty"`
	Name       string     `json:"name"`
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	ExternalID *string    `json:"external_id,omitempty"`
	GroupID    *int64     `json:"group_id"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// CustomerRef returns the provider customer reference or "".
func (c *Child) CustomerRef() string {
	if c == nil || c.ExternalID == nil {
		return ""
	}
	return *c.ExternalID
}

// Group is a training group. ExternalID is the provider product/price reference.
type Group struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	ExternalID *string `json:"external_id,omitempty"`
}

// ProductRef returns the provider product reference or "".
func (g *Group) ProductRef() string {
	if g == nil || g.ExternalID == nil {
		return ""
	}
	return *g.ExternalID
}
