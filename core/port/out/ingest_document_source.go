package out

import (
	"context"
	"time"
)

// SourceDocument is an archived document whose text is scanned for links.
type SourceDocument struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	SourceName  string `json:"source_name"`
}

// DocumentSource reads archived documents. A nil document with a nil error
// means the document does not exist.
type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (*SourceDocument, error)
}

// DocumentURLLists is the classification outcome written back onto a document.
type DocumentURLLists struct {
	AllURLs       []string `json:"all_urls" bson:"all_urls"`
	ContentURLs   []string `json:"content_urls" bson:"content_urls"`
	MarketingURLs []string `json:"marketing_urls" bson:"marketing_urls"`
	BlockedURLs   []string `json:"blocked_urls" bson:"blocked_urls"`
}

// DocumentURLWriter persists URL lists back onto an archived document.
type DocumentURLWriter interface {
	SaveURLLists(ctx context.Context, id string, lists *DocumentURLLists) error
}

// Notifier posts short human-readable messages, e.g. batch summaries.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// RunLock is a best-effort distributed lock used to keep a single batch
// run in flight across instances.
type RunLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}
