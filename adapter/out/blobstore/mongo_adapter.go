// Package blobstore implements out.BlobStore against MongoDB, the raw
// byte payload store for oversized inbound content (raw MIME, raw DSN
// reports) that never needs to be queried relationally.
package blobstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/inboundrelay/gateway/core/port/out"
	"github.com/inboundrelay/gateway/pkg/nanoid"
)

// MongoAdapter implements out.BlobStore. Each blob is one document in a
// per-bucket collection, keyed by a nanoid ref rather than Mongo's own
// ObjectID so the ref can be stored as an opaque string column in
// Postgres.
type MongoAdapter struct {
	client   *mongo.Client
	database string
}

func NewMongoAdapter(client *mongo.Client, database string) out.BlobStore {
	return &MongoAdapter{client: client, database: database}
}

type blobDocument struct {
	Ref       string    `bson:"_id"`
	Data      []byte    `bson:"data"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (a *MongoAdapter) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	ref := key
	if ref == "" {
		ref = nanoid.New()
	}
	coll := a.client.Database(a.database).Collection(bucket)
	_, err := coll.ReplaceOne(ctx, bson.M{"_id": ref}, blobDocument{
		Ref:       ref,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}, options.Replace().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return bucket + "/" + ref, nil
}

func (a *MongoAdapter) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key := splitRef(ref)
	coll := a.client.Database(a.database).Collection(bucket)

	var doc blobDocument
	if err := coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return doc.Data, nil
}

func splitRef(ref string) (bucket, key string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			return ref[:i], ref[i+1:]
		}
	}
	return "", ref
}
