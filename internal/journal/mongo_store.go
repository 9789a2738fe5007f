package journal

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	client           *mongo.Client
	collection       *mongo.Collection
	operationTimeout time.Duration
}

// ConnectMongo dials the database, pings it and ensures the journal index exists.
func ConnectMongo(ctx context.Context, cfg config.Database, appName string) (*MongoStore, error) {
	logger.DebugF("Connecting to database...")

	encodedUser := url.QueryEscape(cfg.Username)
	encodedPass := url.QueryEscape(cfg.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		cfg.Host,
		cfg.Port,
	)
	if cfg.Username == "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%d/", cfg.Host, cfg.Port)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(appName)
	// Pool
	clientOptions.SetMinPoolSize(cfg.MinPoolSize)
	clientOptions.SetMaxPoolSize(cfg.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(cfg.ConnectIdleTimeout))
	// Timeouts
	clientOptions.SetConnectTimeout(utils.ParseStringTime(cfg.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(cfg.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(cfg.Heartbeat))
	if cfg.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occurred while connecting to database: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while pinging database: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(CollectionName)
	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "principal_id", Value: 1}, {Key: "at", Value: -1}},
		Options: options.Index().SetName("connection_events_principal_at"),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error occurred while creating database indexes: %w", err)
	}

	operationTimeout := utils.ParseStringTime(cfg.OperationTimeout)
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	logger.InfoF("Journal connected to %s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
	return &MongoStore{client: client, collection: collection, operationTimeout: operationTimeout}, nil
}

func (ms *MongoStore) Append(ctx context.Context, record Record) error {
	if record.ConnectionID == "" {
		return ErrConnectionIDEmpty
	}
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	if _, err := ms.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}

func (ms *MongoStore) Recent(ctx context.Context, principalID string, limit int) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()

	filter := bson.D{}
	if principalID != "" {
		filter = bson.D{{Key: "principal_id", Value: principalID}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	startTime := time.Now()
	cursor, err := ms.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	defer func() { _ = cursor.Close(context.Background()) }()

	records := make([]Record, 0)
	if err := cursor.All(ctx, &records); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return records, nil
		}
		return nil, fmt.Errorf("decode journal records: %w", err)
	}
	logger.DebugF("journal query cost: %v", time.Since(startTime))
	return records, nil
}

// Invoke disconnects the client; it is registered with the shutdown cleaner.
func (ms *MongoStore) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, ms.operationTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
