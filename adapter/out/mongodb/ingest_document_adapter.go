package mongodb

import (
	"context"
	"errors"
	"time"

	"ingest_server/core/port/out"
	"ingest_server/pkg/apperr"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// =============================================================================
// MongoDB Document Adapter
// =============================================================================

// DefaultCollection holds archived video documents.
const DefaultCollection = "videos"

// DocumentAdapter implements out.DocumentSource and out.DocumentURLWriter.
type DocumentAdapter struct {
	collection *mongo.Collection
	timeout    time.Duration
}

// NewDocumentAdapter creates a document adapter over the named collection.
func NewDocumentAdapter(db *mongo.Database, collection string, timeout time.Duration) *DocumentAdapter {
	if collection == "" {
		collection = DefaultCollection
	}
	return &DocumentAdapter{
		collection: db.Collection(collection),
		timeout:    timeout,
	}
}

var (
	_ out.DocumentSource    = (*DocumentAdapter)(nil)
	_ out.DocumentURLWriter = (*DocumentAdapter)(nil)
)

// EnsureIndexes creates the lookup index on the document id.
func (a *DocumentAdapter) EnsureIndexes(ctx context.Context) error {
	_, err := a.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "video_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// =============================================================================
// Document Model
// =============================================================================

type videoDocument struct {
	VideoID     string `bson:"video_id"`
	Title       string `bson:"title"`
	Description string `bson:"description"`
	ChannelName string `bson:"channel_name"`

	URLLists  *out.DocumentURLLists `bson:"url_lists,omitempty"`
	UpdatedAt time.Time             `bson:"updated_at,omitempty"`
}

func (d *videoDocument) toEntity() *out.SourceDocument {
	return &out.SourceDocument{
		ID:          d.VideoID,
		Title:       d.Title,
		Description: d.Description,
		SourceName:  d.ChannelName,
	}
}

func (a *DocumentAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.timeout)
}

// =============================================================================
// Operations
// =============================================================================

// GetDocument returns nil when no document has the id.
func (a *DocumentAdapter) GetDocument(ctx context.Context, id string) (*out.SourceDocument, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var doc videoDocument
	projection := options.FindOne().SetProjection(bson.M{"url_lists": 0})
	err := a.collection.FindOne(ctx, bson.M{"video_id": id}, projection).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, apperr.DatabaseError("get document", err)
	}
	return doc.toEntity(), nil
}

// SaveURLLists overwrites the url_lists field of an existing document.
func (a *DocumentAdapter) SaveURLLists(ctx context.Context, id string, lists *out.DocumentURLLists) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	update := bson.M{"$set": bson.M{
		"url_lists":  lists,
		"updated_at": time.Now().UTC(),
	}}
	res, err := a.collection.UpdateOne(ctx, bson.M{"video_id": id}, update)
	if err != nil {
		return apperr.DatabaseError("save url lists", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("document")
	}
	return nil
}
