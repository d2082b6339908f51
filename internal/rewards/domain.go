package rewards

import "time"

// PeriodLayout is the layout of a reward period, one calendar month.
const PeriodLayout = "2006-01"

// Entry is a batch of diamonds credited to a creator for a period.
type Entry struct {
	ID         int64     `json:"id"`
	CreatorID  int64     `json:"creator_id"`
	Period     string    `json:"period"`
	Diamonds   int64     `json:"diamonds"`
	Note       string    `json:"note,omitempty"`
	RecordedBy int64     `json:"recorded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordInput is the payload for crediting diamonds.
type RecordInput struct {
	CreatorID int64  `json:"creator_id" validate:"required,gt=0"`
	Period    string `json:"period" validate:"required,datetime=2006-01"`
	Diamonds  int64  `json:"diamonds" validate:"required,gt=0"`
	Note      string `json:"note" validate:"max=500"`
}

// Filter narrows the detailed listing. Zero values match everything.
type Filter struct {
	CreatorID int64
	Period    string
}

// CreatorTotal aggregates one creator's diamonds for a period.
type CreatorTotal struct {
	Rank      int    `json:"rank"`
	CreatorID int64  `json:"creator_id"`
	Username  string `json:"username"`
	Diamonds  int64  `json:"diamonds"`
	Entries   int    `json:"entries"`
}

// Summary is the per-creator leaderboard of a period.
type Summary struct {
	Period   string         `json:"period"`
	Total    int64          `json:"total"`
	Creators []CreatorTotal `json:"creators"`
}

// Dashboard gathers the headline counters of the home screen.
type Dashboard struct {
	Accounts          int      `json:"accounts"`
	UpcomingSchedules int      `json:"upcoming_schedules"`
	PendingDocuments  int      `json:"pending_documents"`
	UnreadMessages    int      `json:"unread_messages"`
	PeriodDiamonds    *int64   `json:"period_diamonds,omitempty"`
	Capabilities      []string `json:"capabilities"`
}
