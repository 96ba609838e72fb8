package message

import (
	"context"
	"time"

	"movemsg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("messages"),
	}
}

func (r *Repo) Create(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, msg)
	return err
}

// Page returns one newest-first page for a conversation.
func (r *Repo) Page(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	filter := bson.M{
		"conversation_id": conversationID,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Message
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddDelivered records a delivery receipt. $addToSet keeps the operation
// idempotent under at-least-once event delivery.
func (r *Repo) AddDelivered(ctx context.Context, messageID, identity string) error {
	filter := bson.M{
		"_id": messageID,
	}
	update := bson.M{
		"$addToSet": bson.M{
			"delivered_to": model.NormalizeIdentity(identity),
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}

// MarkConversationRead adds identity to the read set of every message in
// the conversation.
func (r *Repo) MarkConversationRead(ctx context.Context, conversationID, identity string) error {
	filter := bson.M{
		"conversation_id": conversationID,
	}
	update := bson.M{
		"$addToSet": bson.M{
			"read_by": model.NormalizeIdentity(identity),
		},
	}
	_, err := r.collection.UpdateMany(ctx, filter, update)
	return err
}
