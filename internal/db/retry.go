package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"leadflow/crm/internal/models"
)

// Operation is a function that performs an action and returns an error if it fails.
type Operation func() error

// IsDuplicateKeyError is a function that checks if an error is a duplicate key error.
type IsDuplicateKeyError func(err error) bool

const DefaultMaxRetries = 3

const duplicateKeyCode = 11000

// Try executes an operation, retrying on _id collisions only.
func Try(op Operation) error {
	return WithRetries(op, DefaultMaxRetries, IsDuplicateIDError)
}

// WithRetries runs op once plus up to maxRetries more times while isDuplicateKey
// matches the returned error. Any other error is returned immediately.
func WithRetries(op Operation, maxRetries int, isDuplicateKey IsDuplicateKeyError) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		if !isDuplicateKey(err) {
			return err
		}
		time.Sleep(time.Duration(50*(attempt+1)) * time.Millisecond)
	}
	return err
}

// InsertOne assigns doc a fresh ID and inserts it, regenerating the ID on an _id
// collision. Duplicates on any other unique index are returned to the caller.
func InsertOne[T models.IBase](ctx context.Context, coll *mongo.Collection, doc T) (T, error) {
	err := Try(func() error {
		doc.GenID()
		_, err := coll.InsertOne(ctx, doc)
		return err
	})
	return doc, err
}

// IsMongoDuplicateKeyError checks if an error from MongoDB is a duplicate key error (code 11000).
func IsMongoDuplicateKeyError(err error) bool {
	return len(duplicateKeyMessages(err)) > 0
}

// IsDuplicateIDError matches duplicate key errors raised by the _id index.
func IsDuplicateIDError(err error) bool {
	for _, msg := range duplicateKeyMessages(err) {
		if strings.Contains(msg, "index: _id_ ") {
			return true
		}
	}
	return false
}

// IsDuplicateOnIndex matches duplicate key errors raised by the named index.
func IsDuplicateOnIndex(err error, index string) bool {
	for _, msg := range duplicateKeyMessages(err) {
		if strings.Contains(msg, "index: "+index+" ") {
			return true
		}
	}
	return false
}

func duplicateKeyMessages(err error) []string {
	var msgs []string
	var e mongo.WriteException
	if errors.As(err, &e) {
		for _, we := range e.WriteErrors {
			if we.Code == duplicateKeyCode {
				msgs = append(msgs, we.Message)
			}
		}
	}
	var bwe mongo.BulkWriteException
	if errors.As(err, &bwe) {
		for _, we := range bwe.WriteErrors {
			if we.Code == duplicateKeyCode {
				msgs = append(msgs, we.Message)
			}
		}
	}
	return msgs
}
