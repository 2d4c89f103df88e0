package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"leadflow/crm/internal/logger"
)

// Collection names shared by the services.
const (
	RecurringInvoicesCollection = "recurring_invoices"
	InvoicesCollection          = "invoices"
	ContactsCollection          = "contacts"
	EmailTemplatesCollection    = "email_templates"
)

// ConnectDB initializes and returns a MongoDB client and database instance.
func ConnectDB(uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctxPing, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(ctxPing, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	log := logger.WithComponent("mongo")
	log.Info().Str("db", dbName).Msg("connected to MongoDB")
	return client, client.Database(dbName), nil
}

// DisconnectDB closes the MongoDB client connection.
func DisconnectDB(client *mongo.Client) error {
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB: %w", err)
	}
	log := logger.WithComponent("mongo")
	log.Info().Msg("MongoDB connection closed")
	return nil
}

// EnsureIndexes creates the indexes the services rely on. The unique
// (recurring_invoice_id, sequence) index is what makes a materialization run
// produce at most one invoice per generation number.
func EnsureIndexes(ctx context.Context, database *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		RecurringInvoicesCollection: {
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "next_run_date", Value: 1}}},
			{Keys: bson.D{{Key: "contact_id", Value: 1}}},
		},
		InvoicesCollection: {
			{
				Keys:    bson.D{{Key: "recurring_invoice_id", Value: 1}, {Key: "sequence", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("recurring_sequence_unique"),
			},
			{Keys: bson.D{{Key: "invoice_number", Value: 1}}},
			{Keys: bson.D{{Key: "due_date", Value: 1}, {Key: "paid_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		},
		EmailTemplatesCollection: {
			{
				Keys:    bson.D{{Key: "template_id", Value: 1}, {Key: "locale", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
	for coll, idx := range specs {
		if _, err := database.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}
