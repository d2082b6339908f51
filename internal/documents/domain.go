package documents

import "time"

// MaxSize is the largest accepted upload.
const MaxSize = 10 << 20

// Kind classifies a document.
type Kind string

const (
	KindIDCard   Kind = "id_card"
	KindContract Kind = "contract"
	KindTax      Kind = "tax"
	KindOther    Kind = "other"
)

// Status tracks the review of a document.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// Allowed content types, as detected from the file bytes.
var allowedTypes = []string{"application/pdf", "image/png", "image/jpeg"}

// Document is an uploaded file awaiting or past review.
type Document struct {
	ID          int64      `json:"id"`
	OwnerID     int64      `json:"owner_id"`
	Kind        Kind       `json:"kind"`
	FileName    string     `json:"file_name"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	StorageKey  string     `json:"-"`
	Status      Status     `json:"status"`
	ReviewedBy  *int64     `json:"reviewed_by,omitempty"`
	ReviewNote  string     `json:"review_note,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UploadInput describes an incoming file. OwnerID zero means the uploader.
type UploadInput struct {
	OwnerID  int64  `validate:"gte=0"`
	Kind     Kind   `validate:"required,oneof=id_card contract tax other"`
	FileName string `validate:"required,max=255"`
}

// ListFilter narrows document listings.
type ListFilter struct {
	OwnerID *int64
	Status  Status
}

// Review is the outcome of a verification.
type Review struct {
	Status     Status
	ReviewerID int64
	Note       string
	At         time.Time
}
