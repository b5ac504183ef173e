package photos

import (
	"errors"
	"time"
)

// ErrAuth signals that the photo source itself is unusable (bad credentials,
// missing directory). Callers abort the whole poll cycle on it.
var ErrAuth = errors.New("photo source unavailable")

// Photo is a reference to a single captured bill page.
type Photo struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MIMEType   string    `json:"mime_type"`
	CapturedAt time.Time `json:"captured_at"`
}

// Group is an ordered set of photos assumed to be pages of the same bill.
// Its ID is the earliest photo's ID.
type Group struct {
	ID     string
	Photos []Photo
}

// Source defines the interface for a photo provider. ListNew must already
// exclude photos that were marked processed.
type Source interface {
	// ListNew returns unprocessed photos, oldest first
	ListNew() ([]Photo, error)

	// Download returns the raw bytes of a photo
	Download(id string) ([]byte, error)

	// MarkProcessed records that a photo should never be returned again
	MarkProcessed(id string) error
}
