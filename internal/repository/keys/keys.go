package keys

import (
	"context"

	"movemsg/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// Repo is the key directory backing store: one published public key per
	// identity.
	Repo struct {
		collection *mongo.Collection
	}
)

func NewRepo(db *mongo.Database) *Repo {
	return &Repo{
		collection: db.Collection("keys"),
	}
}

// Get returns the published key for an identity, or (nil, nil) when the
// identity has never published one.
func (r *Repo) Get(ctx context.Context, identity string) (*model.PublicKeyRecord, error) {
	filter := bson.M{
		"_id": model.NormalizeIdentity(identity),
	}

	var record model.PublicKeyRecord
	err := r.collection.FindOne(ctx, filter).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert publishes or republishes a key. Idempotent.
func (r *Repo) Upsert(ctx context.Context, record *model.PublicKeyRecord) error {
	filter := bson.M{
		"_id": model.NormalizeIdentity(record.Identity),
	}
	update := bson.M{
		"$set": bson.M{
			"public_key": record.PublicKey,
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
