package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "chat_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName)}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Store: "mongo", Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return errors.New("migration: no config in context")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"users": {
			{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "mobile", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		},
		"conversations": {
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		},
		"tasks": {
			{Keys: bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "processing_at", Value: 1}}},
			{
				Keys:    bson.D{{Key: "task_name", Value: 1}},
				Options: options.Index().SetUnique(true).SetSparse(true),
			},
		},
	}

	for name, indexes := range collections {
		// Ensure collection exists
		_ = db.CreateCollection(ctx, name)
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements ChatStore using MongoDB. Participants are embedded in the
// conversation document and read receipts in the message document, so each write
// is a single-document atomic operation.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func (s *MongoStore) users() *mongo.Collection         { return s.db.Collection("users") }
func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) tasks() *mongo.Collection         { return s.db.Collection("tasks") }

// BSON dates carry millisecond precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

var lastMessageStamp atomic.Int64

// messageTime is now(), bumped past the previous message stamp so messages created
// by this process sort in creation order.
func messageTime() time.Time {
	for {
		t := now()
		prev := lastMessageStamp.Load()
		if t.UnixNano() <= prev {
			t = time.Unix(0, prev).UTC().Add(time.Millisecond)
		}
		if lastMessageStamp.CompareAndSwap(prev, t.UnixNano()) {
			return t
		}
	}
}

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }

type userDoc struct {
	ID           string     `bson:"_id"`
	Username     string     `bson:"username"`
	PasswordHash string     `bson:"password_hash"`
	Mobile       *string    `bson:"mobile,omitempty"`
	Email        string     `bson:"email"`
	FirstName    string     `bson:"first_name"`
	LastName     string     `bson:"last_name"`
	Avatar       string     `bson:"avatar"`
	IsActive     bool       `bson:"is_active"`
	LastLogin    *time.Time `bson:"last_login,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
}

func (d userDoc) toModel() model.User {
	u := model.User{
		ID:           d.ID,
		Username:     d.Username,
		PasswordHash: d.PasswordHash,
		Mobile:       d.Mobile,
		Email:        d.Email,
		FirstName:    d.FirstName,
		LastName:     d.LastName,
		Avatar:       d.Avatar,
		IsActive:     d.IsActive,
		CreatedAt:    d.CreatedAt.UTC(),
	}
	if d.LastLogin != nil {
		at := d.LastLogin.UTC()
		u.LastLogin = &at
	}
	return u
}

type convDoc struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	IsGroup      bool      `bson:"is_group"`
	Participants []string  `bson:"participants"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (d convDoc) toRecord() registrystore.ConversationRecord {
	return registrystore.ConversationRecord{
		Conversation: model.Conversation{
			ID:        strToUUID(d.ID),
			Name:      d.Name,
			IsGroup:   d.IsGroup,
			CreatedAt: d.CreatedAt.UTC(),
		},
		ParticipantIDs: d.Participants,
	}
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	Timestamp      time.Time `bson:"timestamp"`
	ReadBy         []string  `bson:"read_by"`
}

func (d messageDoc) toModel() model.Message {
	readBy := d.ReadBy
	if readBy == nil {
		readBy = []string{}
	}
	return model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		SenderID:       d.SenderID,
		Content:        d.Content,
		Timestamp:      d.Timestamp.UTC(),
		ReadBy:         readBy,
	}
}

type taskDoc struct {
	ID           string     `bson:"_id"`
	TaskName     *string    `bson:"task_name,omitempty"`
	TaskType     string     `bson:"task_type"`
	TaskBody     string     `bson:"task_body"`
	MaxRetry     int        `bson:"max_retry"`
	CreatedAt    time.Time  `bson:"created_at"`
	RetryAt      time.Time  `bson:"retry_at"`
	ProcessingAt *time.Time `bson:"processing_at"`
	LastError    *string    `bson:"last_error,omitempty"`
	RetryCount   int        `bson:"retry_count"`
}

func (d taskDoc) toModel() model.Task {
	return model.Task{
		ID:         strToUUID(d.ID),
		TaskName:   d.TaskName,
		TaskType:   d.TaskType,
		TaskBody:   d.TaskBody,
		MaxRetry:   d.MaxRetry,
		CreatedAt:  d.CreatedAt.UTC(),
		RetryAt:    d.RetryAt.UTC(),
		LastError:  d.LastError,
		RetryCount: d.RetryCount,
	}
}

// --- Conversations ---

func (s *MongoStore) CreateConversation(ctx context.Context, creatorID string, name string, isGroup bool, participantIDs []string) (*registrystore.ConversationRecord, error) {
	ids := registrystore.MergeParticipants(creatorID, participantIDs)
	cur, err := s.users().Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to look up participants: %w", err)
	}
	var found []userDoc
	if err := cur.All(ctx, &found); err != nil {
		return nil, fmt.Errorf("failed to look up participants: %w", err)
	}
	have := make([]string, len(found))
	for i, u := range found {
		have[i] = u.ID
	}
	if missing := registrystore.Missing(ids, have); len(missing) > 0 {
		return nil, &registrystore.ValidationError{Field: "participants", Message: "unknown user: " + strings.Join(missing, ", ")}
	}

	doc := convDoc{
		ID:           uuidToStr(uuid.New()),
		Name:         name,
		IsGroup:      isGroup,
		Participants: ids,
		CreatedAt:    now(),
	}
	if _, err := s.conversations().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*registrystore.ConversationRecord, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	rec := doc.toRecord()
	return &rec, nil
}

func (s *MongoStore) IsParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (bool, error) {
	count, err := s.conversations().CountDocuments(ctx, bson.M{
		"_id":          uuidToStr(conversationID),
		"participants": userID,
	}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return count > 0, nil
}

func (s *MongoStore) ListConversationsFor(ctx context.Context, userID string) ([]registrystore.ConversationSummary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}})
	cur, err := s.conversations().Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	summaries := make([]registrystore.ConversationSummary, 0, len(docs))
	for _, d := range docs {
		summary, err := s.summarize(ctx, d, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

func (s *MongoStore) ConversationSummaryFor(ctx context.Context, conversationID uuid.UUID, userID string) (*registrystore.ConversationSummary, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{
		"_id":          uuidToStr(conversationID),
		"participants": userID,
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return s.summarize(ctx, doc, userID)
}

func (s *MongoStore) summarize(ctx context.Context, d convDoc, userID string) (*registrystore.ConversationSummary, error) {
	summary := &registrystore.ConversationSummary{ConversationRecord: d.toRecord()}

	var last messageDoc
	err := s.messages().FindOne(ctx, bson.M{"conversation_id": d.ID},
		options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&last)
	switch {
	case err == nil:
		m := last.toModel()
		summary.LastMessage = &m
	case !errors.Is(err, mongo.ErrNoDocuments):
		return nil, fmt.Errorf("failed to load last message: %w", err)
	}

	summary.UnreadCount, err = s.messages().CountDocuments(ctx, unreadFilter(userID, bson.M{"conversation_id": d.ID}))
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	return summary, nil
}

// --- Messages ---

func (s *MongoStore) CreateMessage(ctx context.Context, conversationID uuid.UUID, senderID string, content string) (*model.Message, error) {
	ok, err := s.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &registrystore.NotParticipantError{ConversationID: conversationID, UserID: senderID}
	}
	doc := messageDoc{
		ID:             uuidToStr(uuid.New()),
		ConversationID: uuidToStr(conversationID),
		SenderID:       senderID,
		Content:        content,
		Timestamp:      messageTime(),
		ReadBy:         []string{},
	}
	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	m := doc.toModel()
	return &m, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(messageID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m := doc.toModel()
	return &m, nil
}

func (s *MongoStore) History(ctx context.Context, conversationID uuid.UUID, since time.Time) ([]model.Message, error) {
	filter := bson.M{"conversation_id": uuidToStr(conversationID)}
	if !since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	msgs := make([]model.Message, len(docs))
	for i, d := range docs {
		msgs[i] = d.toModel()
	}
	return msgs, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, messageID uuid.UUID, userID string) (bool, error) {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID), bson.M{
		"$addToSet": bson.M{"read_by": userID},
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark message read: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) MarkConversationRead(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	res, err := s.messages().UpdateMany(ctx,
		bson.M{"conversation_id": uuidToStr(conversationID), "read_by": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"read_by": userID}},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation read: %w", err)
	}
	return res.ModifiedCount, nil
}

func unreadFilter(userID string, extra bson.M) bson.M {
	filter := bson.M{
		"sender_id": bson.M{"$ne": userID},
		"read_by":   bson.M{"$ne": userID},
	}
	for k, v := range extra {
		filter[k] = v
	}
	return filter
}

func (s *MongoStore) UnreadCount(ctx context.Context, conversationID *uuid.UUID, userID string) (int64, error) {
	filter := bson.M{"participants": userID}
	if conversationID != nil {
		filter["_id"] = uuidToStr(*conversationID)
	}
	cur, err := s.conversations().Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	var convs []convDoc
	if err := cur.All(ctx, &convs); err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	if len(convs) == 0 {
		return 0, nil
	}
	ids := make([]string, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	count, err := s.messages().CountDocuments(ctx, unreadFilter(userID, bson.M{"conversation_id": bson.M{"$in": ids}}))
	if err != nil {
		return 0, fmt.Errorf("failed to count unread: %w", err)
	}
	return count, nil
}

func (s *MongoStore) PurgeMessagesBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, &registrystore.ValidationError{Field: "batchSize", Message: "must be positive"}
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		opts := options.Find().
			SetProjection(bson.M{"_id": 1}).
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetLimit(int64(batchSize))
		cur, err := s.messages().Find(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UTC()}}, opts)
		if err != nil {
			return total, fmt.Errorf("failed to select expired messages: %w", err)
		}
		var docs []messageDoc
		if err := cur.All(ctx, &docs); err != nil {
			return total, fmt.Errorf("failed to select expired messages: %w", err)
		}
		if len(docs) == 0 {
			return total, nil
		}
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		res, err := s.messages().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
		if err != nil {
			return total, fmt.Errorf("failed to delete messages: %w", err)
		}
		total += res.DeletedCount
		if len(docs) < batchSize {
			return total, nil
		}
	}
}

// --- Accounts ---

func newUserDoc(id string, u registrystore.NewUser) userDoc {
	return userDoc{
		ID:           id,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Mobile:       u.Mobile,
		Email:        u.Email,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		IsActive:     true,
		CreatedAt:    now(),
	}
}

func (s *MongoStore) CreateUser(ctx context.Context, u registrystore.NewUser) (*model.User, error) {
	if n, err := s.users().CountDocuments(ctx, bson.M{"username": u.Username}); err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	} else if n > 0 {
		return nil, &registrystore.ConflictError{Message: "username already exists", Code: "username_taken"}
	}
	if u.Mobile != nil {
		if n, err := s.users().CountDocuments(ctx, bson.M{"mobile": *u.Mobile}); err != nil {
			return nil, fmt.Errorf("failed to check mobile: %w", err)
		} else if n > 0 {
			return nil, &registrystore.ConflictError{Message: "mobile already registered", Code: "mobile_taken"}
		}
	}
	doc := newUserDoc(uuid.NewString(), u)
	if _, err := s.users().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, &registrystore.ConflictError{Message: "user already exists", Code: "user_exists"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user := doc.toModel()
	return &user, nil
}

func (s *MongoStore) getUserBy(ctx context.Context, field string, value string) (*model.User, error) {
	var doc userDoc
	if err := s.users().FindOne(ctx, bson.M{field: value}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, &registrystore.NotFoundError{Resource: "user", ID: value}
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u := doc.toModel()
	return &u, nil
}

func (s *MongoStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	return s.getUserBy(ctx, "_id", userID)
}

func (s *MongoStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUserBy(ctx, "username", username)
}

func (s *MongoStore) GetOrCreateUserByMobile(ctx context.Context, mobile string, defaults registrystore.NewUser) (*model.User, bool, error) {
	u, err := s.getUserBy(ctx, "mobile", mobile)
	if err == nil {
		return u, false, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, false, err
	}
	defaults.Mobile = &mobile
	doc := newUserDoc(uuid.NewString(), defaults)
	if _, err := s.users().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if u, getErr := s.getUserBy(ctx, "mobile", mobile); getErr == nil {
				return u, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	user := doc.toModel()
	return &user, true, nil
}

func (s *MongoStore) GetUsers(ctx context.Context, userIDs []string) ([]model.User, error) {
	if len(userIDs) == 0 {
		return []model.User{}, nil
	}
	cur, err := s.users().Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	users := make([]model.User, len(docs))
	for i, d := range docs {
		users[i] = d.toModel()
	}
	return users, nil
}

func (s *MongoStore) EnsureUser(ctx context.Context, userID string, username string) (*model.User, error) {
	u, err := s.GetUser(ctx, userID)
	if err == nil {
		return u, nil
	}
	var notFound *registrystore.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}
	doc := newUserDoc(userID, registrystore.NewUser{Username: username})
	if _, err := s.users().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if u, getErr := s.GetUser(ctx, userID); getErr == nil {
				return u, nil
			}
			return nil, &registrystore.ConflictError{Message: "username already exists", Code: "username_taken"}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	user := doc.toModel()
	return &user, nil
}

func (s *MongoStore) TouchLastLogin(ctx context.Context, userID string, at time.Time) error {
	res, err := s.users().UpdateByID(ctx, userID, bson.M{"$set": bson.M{"last_login": at.UTC()}})
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "user", ID: userID}
	}
	return nil
}

// --- Tasks ---

func (s *MongoStore) CreateTask(ctx context.Context, t registrystore.NewTask) (uuid.UUID, error) {
	var taskName *string
	if trimmed := strings.TrimSpace(t.Name); trimmed != "" {
		taskName = &trimmed
	}
	created := now()
	doc := taskDoc{
		ID:        uuidToStr(uuid.New()),
		TaskName:  taskName,
		TaskType:  t.Type,
		TaskBody:  t.Body,
		MaxRetry:  t.MaxRetry,
		CreatedAt: created,
		RetryAt:   created,
	}
	if taskName != nil {
		// Singleton: insert only when no task with this name exists.
		var existing taskDoc
		err := s.tasks().FindOneAndUpdate(ctx,
			bson.M{"task_name": *taskName},
			bson.M{"$setOnInsert": doc},
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
		).Decode(&existing)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return uuid.Nil, nil
			}
			return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
		}
		return strToUUID(existing.ID), nil
	}
	if _, err := s.tasks().InsertOne(ctx, doc); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task: %w", err)
	}
	return strToUUID(doc.ID), nil
}

func (s *MongoStore) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	var tasks []model.Task
	current := now()
	staleClaimCutoff := current.Add(-5 * time.Minute)

	for i := 0; i < limit; i++ {
		filter := bson.M{
			"retry_at": bson.M{"$lte": current},
			"$or": []bson.M{
				{"processing_at": bson.M{"$exists": false}},
				{"processing_at": nil},
				{"processing_at": bson.M{"$lt": staleClaimCutoff}},
			},
		}
		update := bson.M{
			"$set": bson.M{
				"processing_at": current,
				"retry_at":      current.Add(5 * time.Minute),
			},
		}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "retry_at", Value: 1}, {Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc taskDoc
		err := s.tasks().FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				break
			}
			return nil, fmt.Errorf("claim ready tasks: %w", err)
		}
		tasks = append(tasks, doc.toModel())
	}
	return tasks, nil
}

func (s *MongoStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	_, err := s.tasks().DeleteOne(ctx, bson.M{"_id": uuidToStr(taskID)})
	return err
}

func (s *MongoStore) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	_, err := s.tasks().UpdateByID(ctx, uuidToStr(taskID), bson.M{
		"$inc": bson.M{"retry_count": 1},
		"$set": bson.M{
			"retry_at":      now().Add(retryDelay),
			"last_error":    errMsg,
			"processing_at": nil,
		},
	})
	return err
}
