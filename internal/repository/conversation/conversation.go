package conversation

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
		collection: db.Collection("conversations"),
	}
}

func (r *Repo) Get(ctx context.Context, id string) (*model.Conversation, error) {
	filter := bson.M{
		"_id": id,
	}

	var conv model.Conversation
	err := r.collection.FindOne(ctx, filter).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// ListForParticipant returns one page of an identity's conversations,
// newest activity first.
func (r *Repo) ListForParticipant(ctx context.Context, identity string, limit, offset int) ([]model.Conversation, error) {
	filter := bson.M{
		"participants": model.NormalizeIdentity(identity),
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Conversation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindDirect looks up an existing 1:1 conversation between two identities.
func (r *Repo) FindDirect(ctx context.Context, a, b string) (*model.Conversation, error) {
	filter := bson.M{
		"is_group": false,
		"participants": bson.M{
			"$all": []string{model.NormalizeIdentity(a), model.NormalizeIdentity(b)},
		},
	}

	var conv model.Conversation
	err := r.collection.FindOne(ctx, filter).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// HasAcceptedBetween reports whether two identities already share an
// accepted 1:1 conversation, which makes them mutual contacts.
func (r *Repo) HasAcceptedBetween(ctx context.Context, a, b string) (bool, error) {
	filter := bson.M{
		"is_group":       false,
		"request_status": model.RequestAccepted,
		"participants": bson.M{
			"$all": []string{model.NormalizeIdentity(a), model.NormalizeIdentity(b)},
		},
	}
	count, err := r.collection.CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *Repo) Create(ctx context.Context, conv *model.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, conv)
	return err
}

// Update replaces the stored conversation document.
func (r *Repo) Update(ctx context.Context, conv *model.Conversation) error {
	filter := bson.M{
		"_id": conv.ID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, conv)
	return err
}

// TouchLastMessage bumps the activity fields after a send.
func (r *Repo) TouchLastMessage(ctx context.Context, id, preview string, at time.Time) error {
	filter := bson.M{
		"_id": id,
	}
	update := bson.M{
		"$set": bson.M{
			"last_message_preview": preview,
			"last_message_at":      at,
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update)
	return err
}
