package matches

import "time"

// Status is the lifecycle state of a match.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Final reports whether the match can no longer change.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Match is a head to head live battle between two creators.
type Match struct {
	ID          int64     `json:"id"`
	CreatorA    int64     `json:"creator_a"`
	CreatorB    int64     `json:"creator_b"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      Status    `json:"status"`
	WinnerID    *int64    `json:"winner_id,omitempty"`
	CreatedBy   int64     `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Involves reports whether accountID plays in the match.
func (m Match) Involves(accountID int64) bool {
	return m.CreatorA == accountID || m.CreatorB == accountID
}

// ScheduleInput is the payload for planning a match.
type ScheduleInput struct {
	CreatorA    int64     `json:"creator_a" validate:"required,gt=0"`
	CreatorB    int64     `json:"creator_b" validate:"required,gt=0,nefield=CreatorA"`
	ScheduledAt time.Time `json:"scheduled_at" validate:"required"`
}

// ListFilter narrows match listings.
type ListFilter struct {
	Participant *int64
	Status      Status
}
