package messages

import (
	"time"

	"github.com/ultra-agency/ultra/internal/shared"
)

// Message is a direct message between two accounts.
type Message struct {
	ID          int64      `json:"id"`
	SenderID    int64      `json:"sender_id"`
	RecipientID int64      `json:"recipient_id"`
	Body        string     `json:"body"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// SendInput is the payload for sending a message.
type SendInput struct {
	RecipientID int64  `json:"recipient_id" validate:"required,gt=0"`
	Body        string `json:"body" validate:"required,max=4000"`
}

// Query selects a page of messages. With Peer set the page is the
// conversation between Owner and Peer, otherwise Owner's inbox.
type Query struct {
	Owner      int64
	Peer       int64
	UnreadOnly bool
	Page       int
	PerPage    int
}

// Page is a paginated message listing.
type Page struct {
	Messages   []Message         `json:"messages"`
	Pagination shared.Pagination `json:"pagination"`
}
