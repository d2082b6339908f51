package schedules

import "time"

// Platform is the streaming platform a live runs on.
type Platform string

const (
	PlatformTikTok  Platform = "tiktok"
	PlatformYouTube Platform = "youtube"
	PlatformTwitch  Platform = "twitch"
	PlatformOther   Platform = "other"
)

// Status tracks the lifecycle of a scheduled live.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusLive      Status = "live"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// Schedule is a planned live session of a creator.
type Schedule struct {
	ID        int64     `json:"id"`
	CreatorID int64     `json:"creator_id"`
	Title     string    `json:"title"`
	Platform  Platform  `json:"platform"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedBy int64     `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Input carries the editable fields of a schedule.
type Input struct {
	CreatorID int64     `json:"creator_id" validate:"required,gt=0"`
	Title     string    `json:"title" validate:"required,max=120"`
	Platform  Platform  `json:"platform" validate:"required,oneof=tiktok youtube twitch other"`
	StartsAt  time.Time `json:"starts_at" validate:"required"`
	EndsAt    time.Time `json:"ends_at" validate:"required"`
	Status    Status    `json:"status" validate:"omitempty,oneof=planned live done cancelled"`
	Notes     string    `json:"notes" validate:"max=2000"`
}

// ListFilter narrows schedule listings. From and To bound StartsAt.
type ListFilter struct {
	CreatorID *int64
	From      *time.Time
	To        *time.Time
}
