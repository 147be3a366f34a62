// Copyright 2025 James Ross
package docdbstore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jross/workitem-queue/internal/adapter"
	"github.com/jross/workitem-queue/internal/config"
	"github.com/jross/workitem-queue/internal/obs"
	"github.com/jross/workitem-queue/internal/workitem"
)

const backendName = "docdb"

// ttl is the 7-day document lifetime enforced by each collection's TTL
// index (spec 4.4). Blobs in the GridFS-equivalent bucket carry no expiry
// and are not removed when their document expires.
const ttl = 7 * 24 * time.Hour

// fileRef is the shape stored under files.{name} for large attachments --
// the equivalent of the original adapter's {"gridfs_id": ObjectId(...)}.
type fileRef struct {
	BlobID primitive.ObjectID `bson:"blob_id"`
}

// timestamps mirrors the work item's timestamps sub-document.
type timestamps struct {
	CreatedAt  time.Time  `bson:"created_at"`
	ReservedAt *time.Time `bson:"reserved_at,omitempty"`
	ReleasedAt *time.Time `bson:"released_at,omitempty"`
}

type exceptionDoc struct {
	Type    string `bson:"type,omitempty"`
	Code    string `bson:"code,omitempty"`
	Message string `bson:"message"`
}

// doc is the on-wire shape of a work item document (spec 4.4).
type doc struct {
	ItemID     string                 `bson:"item_id"`
	QueueName  string                 `bson:"queue_name"`
	ParentID   string                 `bson:"parent_id,omitempty"`
	State      string                 `bson:"state"`
	Payload    string                 `bson:"payload"`
	Files      map[string]interface{} `bson:"files"`
	Exception  *exceptionDoc          `bson:"exception,omitempty"`
	Timestamps timestamps             `bson:"timestamps"`
	CallID     string                 `bson:"callid,omitempty"`
	ExpiresAt  time.Time              `bson:"expires_at"`
}

// Backend is the document-store adapter: two collections per logical flow
// plus a GridFS-equivalent blob bucket, findAndModify reservation, TTL
// expiry. Grounded on original_source/docdb_adapter.py.
type Backend struct {
	client          *mongo.Client
	db              *mongo.Database
	queue           string
	outputQueue     string
	inlineThreshold int64
}

func collectionName(queue string) string { return queue + "_work_items" }

// Open builds a Backend bound to queueName over an already-connected client
// and database, with collections/indexes created idempotently.
func Open(ctx context.Context, client *mongo.Client, db *mongo.Database, queueName string, inlineThreshold int64) (*Backend, error) {
	if inlineThreshold <= 0 {
		inlineThreshold = 1_000_000
	}
	b := &Backend{
		client:          client,
		db:              db,
		queue:           queueName,
		outputQueue:     workitem.OutputQueueName(queueName),
		inlineThreshold: inlineThreshold,
	}
	if err := b.ensureIndexes(ctx, b.queue); err != nil {
		return nil, err
	}
	if err := b.ensureIndexes(ctx, b.outputQueue); err != nil {
		return nil, err
	}
	return b, nil
}

// ensureIndexes creates the compound reservation index, the unique item_id
// index, the sparse unique callid index, the sparse orphan-sweep index, and
// the TTL index, matching spec 4.4 exactly.
func (b *Backend) ensureIndexes(ctx context.Context, queue string) error {
	coll := b.db.Collection(collectionName(queue))
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "queue_name", Value: 1}, {Key: "state", Value: 1}, {Key: "timestamps.created_at", Value: 1}},
			Options: options.Index().SetName("queue_state_created_idx"),
		},
		{
			Keys:    bson.D{{Key: "item_id", Value: 1}},
			Options: options.Index().SetName("item_id_unique_idx").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "callid", Value: 1}},
			Options: options.Index().SetName("callid_idx").SetUnique(true).SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "timestamps.reserved_at", Value: 1}},
			Options: options.Index().SetName("orphan_recovery_idx").SetSparse(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("ttl_idx").SetExpireAfterSeconds(0),
		},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		return fmt.Errorf("create indexes for %s: %w", collectionName(queue), err)
	}
	return nil
}

// New connects to DocumentDB/MongoDB per spec 4.4's connection options: TLS
// optional with an explicit CA bundle, retryable writes disabled (the
// cluster doesn't implement them), bounded pool, primary-preferred reads,
// bounded server-selection/socket timeouts.
func New(ctx context.Context, cfg *config.Config) (adapter.Adapter, error) {
	uri := cfg.DocDB.URI
	if uri == "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s/?replicaSet=%s",
			cfg.DocDB.Username, cfg.DocDB.Password, cfg.DocDB.Hostname, cfg.DocDB.ReplicaSet)
	}
	clientOpts := options.Client().
		ApplyURI(uri).
		SetRetryWrites(false).
		SetServerSelectionTimeout(5 * time.Second).
		SetSocketTimeout(30 * time.Second).
		SetMinPoolSize(5).
		SetMaxPoolSize(50).
		SetReadPreference(readpref.PrimaryPreferred())
	if cfg.DocDB.TLSCert != "" {
		tlsConfig, err := caBundleTLSConfig(cfg.DocDB.TLSCert)
		if err != nil {
			return nil, fmt.Errorf("load DOCDB_TLS_CERT: %w", err)
		}
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, adapter.New(backendName, "connect", adapter.ErrTransientUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, adapter.New(backendName, "connect", adapter.ErrTransientUnavailable, err)
	}
	db := client.Database(cfg.DocDB.Database)
	return Open(ctx, client, db, cfg.QueueName, cfg.FileSizeThreshold)
}

func init() {
	adapter.Register(config.AdapterDocDB, New)
}

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func (b *Backend) bucket(queue string) (*gridfs.Bucket, error) {
	return gridfs.NewBucket(b.db, options.GridFSBucket().SetName(queue+"_files"))
}

// caBundleTLSConfig loads the CA bundle AWS DocumentDB deployments require
// (spec 4.4: "explicit CA bundle path when pointed at a managed cluster").
func caBundleTLSConfig(path string) (*tls.Config, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// bsonMarshalJSON/bsonUnmarshalJSON store the opaque payload as a JSON string
// inside the document rather than a native BSON sub-document: payloads are
// arbitrary JSON (spec 3) and round-tripping through encoding/json preserves
// that shape exactly instead of picking up BSON's own type coercions.
func bsonMarshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func bsonUnmarshalJSON(s string) (interface{}, error) {
	if s == "" {
		s = "{}"
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	obs.BackendErrors.WithLabelValues(backendName, op, adapter.ErrTransientUnavailable.Error()).Inc()
	return adapter.New(backendName, op, adapter.ErrTransientUnavailable, err)
}

// resolveQueue checks the input collection first, then the output
// collection, caching nothing -- the document already carries queue_name
// once found. This backend has no side hint key, so every call is a pure
// lookup.
func (b *Backend) resolveQueue(ctx context.Context, id string) (string, error) {
	count, err := b.db.Collection(collectionName(b.queue)).CountDocuments(ctx, bson.M{"item_id": id})
	if err != nil {
		return "", wrapErr("resolve_queue", err)
	}
	if count > 0 {
		return b.queue, nil
	}
	count, err = b.db.Collection(collectionName(b.outputQueue)).CountDocuments(ctx, bson.M{"item_id": id})
	if err != nil {
		return "", wrapErr("resolve_queue", err)
	}
	if count > 0 {
		return b.outputQueue, nil
	}
	return "", adapter.New(backendName, "resolve_queue", adapter.ErrNotFound, nil)
}

// ReserveInput uses findAndModify (FindOneAndUpdate) to atomically claim the
// oldest PENDING document, per spec 4.4.
func (b *Backend) ReserveInput(ctx context.Context) (string, error) {
	defer obs.ObserveDuration(backendName, "reserve_input")(time.Now())
	coll := b.db.Collection(collectionName(b.queue))
	now := time.Now().UTC()
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "timestamps.created_at", Value: 1}}).
		SetReturnDocument(options.After)

	var result doc
	err := coll.FindOneAndUpdate(ctx,
		bson.M{"queue_name": b.queue, "state": string(workitem.Pending)},
		bson.M{"$set": bson.M{"state": string(workitem.Reserved), "timestamps.reserved_at": now}},
		opts,
	).Decode(&result)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", adapter.New(backendName, "reserve_input", adapter.ErrEmptyQueue, nil)
	}
	if err != nil {
		return "", wrapErr("reserve_input", err)
	}
	obs.ItemsReserved.WithLabelValues(backendName, b.queue).Inc()
	return result.ItemID, nil
}

func (b *Backend) ReleaseInput(ctx context.Context, id string, state workitem.State, exception *workitem.Exception) error {
	defer obs.ObserveDuration(backendName, "release_input")(time.Now())
	if err := adapter.ValidateRelease(state, exception); err != nil {
		return adapter.New(backendName, "release_input", adapter.ErrInvalidArgument, err)
	}

	now := time.Now().UTC()
	update := bson.M{
		"state":                  string(state),
		"timestamps.released_at": now,
	}
	unset := bson.M{}
	if state == workitem.Failed {
		update["exception"] = exceptionDoc{Type: exception.Type, Code: exception.Code, Message: exception.Message}
	} else {
		unset["exception"] = ""
	}
	setOp := bson.M{"$set": update}
	if len(unset) > 0 {
		setOp["$unset"] = unset
	}

	coll := b.db.Collection(collectionName(b.queue))
	if _, err := coll.UpdateOne(ctx, bson.M{"item_id": id}, setOp); err != nil {
		return wrapErr("release_input", err)
	}
	obs.ItemsReleased.WithLabelValues(backendName, b.queue, string(state)).Inc()
	return nil
}

func (b *Backend) CreateOutput(ctx context.Context, parentID string, payload interface{}) (string, error) {
	defer obs.ObserveDuration(backendName, "create_output")(time.Now())
	id, err := b.insert(ctx, b.outputQueue, parentID, payload, "")
	if err == nil {
		obs.ItemsCreated.WithLabelValues(backendName, b.queue, "create_output").Inc()
	}
	return id, err
}

// SeedInput enforces callID uniqueness via the sparse unique callid index:
// a duplicate insert surfaces as a mongo.IsDuplicateKeyError, translated to
// adapter.ErrDuplicateCallID per spec 4.4/7.
func (b *Backend) SeedInput(ctx context.Context, payload interface{}, parentID string, files map[string][]byte, callID string) (string, error) {
	defer obs.ObserveDuration(backendName, "seed_input")(time.Now())
	id, err := b.insert(ctx, b.queue, parentID, payload, callID)
	if err != nil {
		return "", err
	}
	for name, content := range files {
		if err := b.AddFile(ctx, id, name, content); err != nil {
			return "", err
		}
	}
	obs.ItemsCreated.WithLabelValues(backendName, b.queue, "seed_input").Inc()
	return id, nil
}

func (b *Backend) insert(ctx context.Context, queue, parentID string, payload interface{}, callID string) (string, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadJSON, err := bsonMarshalJSON(payload)
	if err != nil {
		return "", adapter.New(backendName, "insert", adapter.ErrInvalidArgument, err)
	}
	now := time.Now().UTC()
	id := uuid.NewString()
	d := doc{
		ItemID:     id,
		QueueName:  queue,
		ParentID:   parentID,
		State:      string(workitem.Pending),
		Payload:    payloadJSON,
		Files:      map[string]interface{}{},
		Timestamps: timestamps{CreatedAt: now},
		CallID:     callID,
		ExpiresAt:  now.Add(ttl),
	}
	_, err = b.db.Collection(collectionName(queue)).InsertOne(ctx, d)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", adapter.New(backendName, "seed_input", adapter.ErrDuplicateCallID, err)
		}
		return "", wrapErr("insert", err)
	}
	return id, nil
}

func (b *Backend) LoadPayload(ctx context.Context, id string) (interface{}, error) {
	defer obs.ObserveDuration(backendName, "load_payload")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	var d doc
	err = b.db.Collection(collectionName(queue)).FindOne(ctx, bson.M{"item_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, adapter.New(backendName, "load_payload", adapter.ErrNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("load_payload", err)
	}
	return bsonUnmarshalJSON(d.Payload)
}

func (b *Backend) SavePayload(ctx context.Context, id string, payload interface{}) error {
	defer obs.ObserveDuration(backendName, "save_payload")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	payloadJSON, err := bsonMarshalJSON(payload)
	if err != nil {
		return adapter.New(backendName, "save_payload", adapter.ErrInvalidArgument, err)
	}
	res, err := b.db.Collection(collectionName(queue)).UpdateOne(ctx, bson.M{"item_id": id}, bson.M{"$set": bson.M{"payload": payloadJSON}})
	if err != nil {
		return wrapErr("save_payload", err)
	}
	if res.MatchedCount == 0 {
		return adapter.New(backendName, "save_payload", adapter.ErrNotFound, nil)
	}
	return nil
}

func (b *Backend) ListFiles(ctx context.Context, id string) ([]string, error) {
	defer obs.ObserveDuration(backendName, "list_files")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	var d doc
	err = b.db.Collection(collectionName(queue)).FindOne(ctx, bson.M{"item_id": id}, options.FindOne().SetProjection(bson.M{"files": 1})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, adapter.New(backendName, "list_files", adapter.ErrNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("list_files", err)
	}
	names := make([]string, 0, len(d.Files))
	for name := range d.Files {
		names = append(names, name)
	}
	return names, nil
}

func (b *Backend) GetFile(ctx context.Context, id, name string) ([]byte, error) {
	defer obs.ObserveDuration(backendName, "get_file")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return nil, err
	}
	var d doc
	err = b.db.Collection(collectionName(queue)).FindOne(ctx, bson.M{"item_id": id}, options.FindOne().SetProjection(bson.M{"files": 1})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return nil, wrapErr("get_file", err)
	}
	raw, ok := d.Files[name]
	if !ok {
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
	}
	// Nested documents inside a map[string]interface{} decode as that same
	// map type, not primitive.M.
	if m, isMap := raw.(map[string]interface{}); isMap {
		raw = primitive.M(m)
	}
	switch v := raw.(type) {
	case string:
		content, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, adapter.New(backendName, "get_file", adapter.ErrInvalidArgument, err)
		}
		return content, nil
	case primitive.M:
		m := v
		blobID, ok := m["blob_id"].(primitive.ObjectID)
		if !ok {
			return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
		}
		bucket, err := b.bucket(queue)
		if err != nil {
			return nil, wrapErr("get_file", err)
		}
		stream, err := bucket.OpenDownloadStream(blobID)
		if err != nil {
			return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, err)
		}
		defer stream.Close()
		content, err := io.ReadAll(stream)
		if err != nil {
			return nil, wrapErr("get_file", err)
		}
		return content, nil
	default:
		return nil, adapter.New(backendName, "get_file", adapter.ErrFileNotFound, nil)
	}
}

func (b *Backend) AddFile(ctx context.Context, id, name string, content []byte) error {
	defer obs.ObserveDuration(backendName, "add_file")(time.Now())
	if err := adapter.ValidateFilename(name); err != nil {
		return err
	}
	if err := adapter.ValidateFileSize(content); err != nil {
		return err
	}
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	coll := b.db.Collection(collectionName(queue))

	var existing doc
	err = coll.FindOne(ctx, bson.M{"item_id": id}, options.FindOne().SetProjection(bson.M{"files": 1})).Decode(&existing)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return wrapErr("add_file", err)
	}
	if _, ok := existing.Files[name]; ok {
		return adapter.New(backendName, "add_file", adapter.ErrFileExists, nil)
	}

	var stored interface{}
	if int64(len(content)) > b.inlineThreshold {
		bucket, err := b.bucket(queue)
		if err != nil {
			return wrapErr("add_file", err)
		}
		uploadStream, err := bucket.OpenUploadStream(name)
		if err != nil {
			return wrapErr("add_file", err)
		}
		if _, err := uploadStream.Write(content); err != nil {
			uploadStream.Close()
			return wrapErr("add_file", err)
		}
		if err := uploadStream.Close(); err != nil {
			return wrapErr("add_file", err)
		}
		stored = fileRef{BlobID: uploadStream.FileID.(primitive.ObjectID)}
	} else {
		stored = base64.StdEncoding.EncodeToString(content)
	}

	if _, err := coll.UpdateOne(ctx, bson.M{"item_id": id}, bson.M{"$set": bson.M{"files." + name: stored}}); err != nil {
		return wrapErr("add_file", err)
	}
	return nil
}

func (b *Backend) RemoveFile(ctx context.Context, id, name string) error {
	defer obs.ObserveDuration(backendName, "remove_file")(time.Now())
	queue, err := b.resolveQueue(ctx, id)
	if err != nil {
		return err
	}
	coll := b.db.Collection(collectionName(queue))

	var d doc
	err = coll.FindOne(ctx, bson.M{"item_id": id}, options.FindOne().SetProjection(bson.M{"files": 1})).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return adapter.New(backendName, "remove_file", adapter.ErrFileNotFound, nil)
	}
	if err != nil {
		return wrapErr("remove_file", err)
	}
	raw, ok := d.Files[name]
	if !ok {
		return adapter.New(backendName, "remove_file", adapter.ErrFileNotFound, nil)
	}
	if m, ok := raw.(primitive.M); ok {
		if blobID, ok := m["blob_id"].(primitive.ObjectID); ok {
			bucket, err := b.bucket(queue)
			if err != nil {
				return wrapErr("remove_file", err)
			}
			if err := bucket.Delete(blobID); err != nil {
				return wrapErr("remove_file", err)
			}
		}
	}
	if _, err := coll.UpdateOne(ctx, bson.M{"item_id": id}, bson.M{"$unset": bson.M{"files." + name: ""}}); err != nil {
		return wrapErr("remove_file", err)
	}
	return nil
}

// RecoverOrphanedWorkItems resets RESERVED documents whose reserved_at is
// older than now-timeout, using the sparse orphan_recovery_idx (spec 4.4).
func (b *Backend) RecoverOrphanedWorkItems(ctx context.Context, timeout time.Duration) ([]string, error) {
	defer obs.ObserveDuration(backendName, "recover_orphaned_work_items")(time.Now())
	coll := b.db.Collection(collectionName(b.queue))
	cutoff := time.Now().Add(-timeout)
	cur, err := coll.Find(ctx, bson.M{
		"state":                  string(workitem.Reserved),
		"timestamps.reserved_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, wrapErr("recover_orphaned_work_items", err)
	}
	defer cur.Close(ctx)

	var recovered []string
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return recovered, wrapErr("recover_orphaned_work_items", err)
		}
		_, err := coll.UpdateOne(ctx,
			bson.M{"item_id": d.ItemID},
			bson.M{"$set": bson.M{"state": string(workitem.Pending)}, "$unset": bson.M{"timestamps.reserved_at": ""}},
		)
		if err != nil {
			return recovered, wrapErr("recover_orphaned_work_items", err)
		}
		recovered = append(recovered, d.ItemID)
	}
	if err := cur.Err(); err != nil {
		return recovered, wrapErr("recover_orphaned_work_items", err)
	}
	if len(recovered) > 0 {
		obs.OrphansRecovered.WithLabelValues(backendName, b.queue).Add(float64(len(recovered)))
	}
	return recovered, nil
}

// PendingCount satisfies adapter.PendingCounter with a plain count query
// against the compound queue_state_created_idx.
func (b *Backend) PendingCount(ctx context.Context) (int, error) {
	n, err := b.db.Collection(collectionName(b.queue)).CountDocuments(ctx, bson.M{"queue_name": b.queue, "state": string(workitem.Pending)})
	if err != nil {
		return 0, wrapErr("pending_count", err)
	}
	return int(n), nil
}
