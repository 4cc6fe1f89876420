// Package database implements the durable request/token store on MongoDB.
//
// All multi-step engine operations funnel through the conditional updates
// here: "set approved only if still pending", "increment token usage only
// while valid". Those single-document updates are the serialization point
// the engine relies on; nothing else in the process locks around this store.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"telemtadm/entity"
	"telemtadm/internal/config"
	"telemtadm/internal/provision"
)

const (
	collectionRequests = "requests"
	collectionTokens   = "invite_tokens"
	collectionCounters = "counters"

	counterRequests = "requests"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
}

func NewMongoClient(conf *config.Config) *MongoDB {
	if !conf.Mongo.Enabled {
		return nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
	}
	return client
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	_ = connection.Disconnect(m.ctx)
}

// EnsureIndexes creates the indexes the store's contracts depend on. The
// partial unique index backs the at-most-one-pending-request-per-identity
// invariant even under concurrent /start updates.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	requests := connection.Database(m.database).Collection(collectionRequests)
	_, err = requests.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "telegram_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "status", Value: entity.StatusPending}}),
		},
		{Keys: bson.D{{Key: "telegram_id", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("mongodb create request indexes: %w", err)
	}

	tokens := connection.Database(m.database).Collection(collectionTokens)
	_, err = tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create token index: %w", err)
	}
	return nil
}

// nextRequestID allocates a monotonically increasing request id from the
// counters collection.
func (m *MongoDB) nextRequestID(ctx context.Context, connection *mongo.Client) (int64, error) {
	counters := connection.Database(m.database).Collection(collectionCounters)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: counterRequests}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("mongodb next request id: %w", err)
	}
	return doc.Seq, nil
}

// RequestByID returns nil without error when no request exists.
func (m *MongoDB) RequestByID(ctx context.Context, id int64) (*entity.RegistrationRequest, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	var request entity.RegistrationRequest
	err = collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&request)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find request: %w", err)
	}
	return &request, nil
}

// RequestByUser returns the most recent request row for a Telegram identity,
// or nil when the identity has never registered.
func (m *MongoDB) RequestByUser(ctx context.Context, telegramID int64) (*entity.RegistrationRequest, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	var request entity.RegistrationRequest
	err = collection.FindOne(ctx, bson.D{{Key: "telegram_id", Value: telegramID}}, opts).Decode(&request)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find request by user: %w", err)
	}
	return &request, nil
}

// CreatePending inserts a new pending request unless one already exists for
// the identity. The partial unique index turns a concurrent duplicate insert
// into a key conflict, which is resolved to the existing pending row.
func (m *MongoDB) CreatePending(ctx context.Context, telegramID int64, username, displayName string) (*entity.RegistrationRequest, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	id, err := m.nextRequestID(ctx, connection)
	if err != nil {
		return nil, err
	}

	request := &entity.RegistrationRequest{
		ID:               id,
		TelegramID:       telegramID,
		TelegramUsername: username,
		DisplayName:      displayName,
		Status:           entity.StatusPending,
		Active:           true,
		CreatedAt:        time.Now().UTC(),
	}

	collection := connection.Database(m.database).Collection(collectionRequests)
	_, err = collection.InsertOne(ctx, request)
	if mongo.IsDuplicateKeyError(err) {
		// lost the race: another update created the pending row first
		var existing entity.RegistrationRequest
		findErr := collection.FindOne(ctx, bson.D{
			{Key: "telegram_id", Value: telegramID},
			{Key: "status", Value: entity.StatusPending},
		}).Decode(&existing)
		if findErr != nil {
			return nil, fmt.Errorf("mongodb find pending after conflict: %w", findErr)
		}
		return &existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb insert request: %w", err)
	}
	return request, nil
}

// MarkApproved commits the approval decision together with the issued
// credential, but only if the request is still pending. Returns false when
// a concurrent decision got there first.
func (m *MongoDB) MarkApproved(ctx context.Context, id int64, proxyUsername, secret string) (bool, error) {
	return m.decide(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: entity.StatusApproved},
		{Key: "proxy_username", Value: proxyUsername},
		{Key: "secret", Value: secret},
		{Key: "active", Value: true},
		{Key: "decided_at", Value: time.Now().UTC()},
	}}})
}

// MarkRejected transitions a pending request to rejected.
func (m *MongoDB) MarkRejected(ctx context.Context, id int64) (bool, error) {
	return m.decide(ctx, id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: entity.StatusRejected},
		{Key: "active", Value: false},
		{Key: "decided_at", Value: time.Now().UTC()},
	}}})
}

func (m *MongoDB) decide(ctx context.Context, id int64, update bson.D) (bool, error) {
	connection, err := m.connect()
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	filter := bson.D{{Key: "_id", Value: id}, {Key: "status", Value: entity.StatusPending}}
	result, err := collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongodb decide request: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

// ForceApprove is the admin bypass behind /create: it rewrites the latest
// record for the identity to approved with the new credential, creating the
// record if the identity was never seen. Prior pending or rejected state is
// overridden on purpose.
func (m *MongoDB) ForceApprove(ctx context.Context, telegramID int64, username, proxyUsername, secret string) (*entity.RegistrationRequest, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	now := time.Now().UTC()

	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: entity.StatusApproved},
		{Key: "proxy_username", Value: proxyUsername},
		{Key: "secret", Value: secret},
		{Key: "active", Value: true},
		{Key: "decided_at", Value: now},
	}}}

	// Prefer rewriting an existing row so the history stays on one record
	// per identity where possible.
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetReturnDocument(options.After)
	var request entity.RegistrationRequest
	err = collection.FindOneAndUpdate(ctx, bson.D{{Key: "telegram_id", Value: telegramID}}, update, opts).Decode(&request)
	if err == nil {
		return &request, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("mongodb force approve: %w", err)
	}

	id, err := m.nextRequestID(ctx, connection)
	if err != nil {
		return nil, err
	}
	request = entity.RegistrationRequest{
		ID:               id,
		TelegramID:       telegramID,
		TelegramUsername: username,
		Status:           entity.StatusApproved,
		ProxyUsername:    proxyUsername,
		Secret:           secret,
		Active:           true,
		CreatedAt:        now,
		DecidedAt:        now,
	}
	if _, err = collection.InsertOne(ctx, &request); err != nil {
		return nil, fmt.Errorf("mongodb insert approved request: %w", err)
	}
	return &request, nil
}

// Deactivate clears the active flag on the identity's records and reports
// whether any record changed. History is kept.
func (m *MongoDB) Deactivate(ctx context.Context, telegramID int64) (bool, error) {
	connection, err := m.connect()
	if err != nil {
		return false, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	filter := bson.D{{Key: "telegram_id", Value: telegramID}, {Key: "active", Value: true}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "active", Value: false}}}}
	result, err := collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("mongodb deactivate: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

// CreateToken stores a new invite token.
func (m *MongoDB) CreateToken(ctx context.Context, token *entity.InviteToken) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionTokens)
	if _, err = collection.InsertOne(ctx, token); err != nil {
		return fmt.Errorf("mongodb insert token: %w", err)
	}
	return nil
}

// RedeemToken atomically increments usage_count, but only while the token
// is unexpired and has usage left. The whole check-then-increment is one
// FindOneAndUpdate; two concurrent redemptions of a max_usage=1 token can
// never both match. Unknown, expired and exhausted tokens all come back as
// provision.ErrTokenInvalid without touching the counter.
func (m *MongoDB) RedeemToken(ctx context.Context, code string, telegramID int64, now time.Time) (*entity.InviteToken, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionTokens)
	filter := bson.D{
		{Key: "code", Value: code},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
		{Key: "$expr", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "$lte", Value: bson.A{"$max_usage", 0}}},
			bson.D{{Key: "$lt", Value: bson.A{"$usage_count", "$max_usage"}}},
		}}}},
	}
	update := bson.D{
		{Key: "$inc", Value: bson.D{{Key: "usage_count", Value: int64(1)}}},
		{Key: "$set", Value: bson.D{{Key: "used_by", Value: telegramID}, {Key: "used_at", Value: now}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var token entity.InviteToken
	err = collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&token)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, provision.ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb redeem token: %w", err)
	}
	return &token, nil
}

// ListTokens returns all tokens, newest first. Exhausted and expired tokens
// are included; they are the audit trail.
func (m *MongoDB) ListTokens(ctx context.Context) ([]*entity.InviteToken, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionTokens)
	cursor, err := collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list tokens: %w", err)
	}
	defer cursor.Close(ctx)

	var tokens []*entity.InviteToken
	if err = cursor.All(ctx, &tokens); err != nil {
		return nil, fmt.Errorf("mongodb decode tokens: %w", err)
	}
	return tokens, nil
}

// ActiveUsers returns one page of identities holding a live credential plus
// the total count for pagination.
func (m *MongoDB) ActiveUsers(ctx context.Context, offset, limit int64) ([]*entity.RegistrationRequest, int64, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, 0, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	filter := bson.D{{Key: "status", Value: entity.StatusApproved}, {Key: "active", Value: true}}

	total, err := collection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb count users: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(offset).
		SetLimit(limit)
	cursor, err := collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("mongodb list users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*entity.RegistrationRequest
	if err = cursor.All(ctx, &users); err != nil {
		return nil, 0, fmt.Errorf("mongodb decode users: %w", err)
	}
	return users, total, nil
}

// PendingRequests returns all requests awaiting a decision, oldest first.
func (m *MongoDB) PendingRequests(ctx context.Context) ([]*entity.RegistrationRequest, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	collection := connection.Database(m.database).Collection(collectionRequests)
	filter := bson.D{{Key: "status", Value: entity.StatusPending}}
	cursor, err := collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list pending: %w", err)
	}
	defer cursor.Close(ctx)

	var requests []*entity.RegistrationRequest
	if err = cursor.All(ctx, &requests); err != nil {
		return nil, fmt.Errorf("mongodb decode pending: %w", err)
	}
	return requests, nil
}
