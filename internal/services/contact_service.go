package services

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"leadflow/crm/internal/db"
	"leadflow/crm/internal/models"
)

// ErrContactNotFound is returned when a contact does not exist.
var ErrContactNotFound = errors.New("contact not found")

// IContactService reads the CRM contacts directory. The directory is owned elsewhere.
type IContactService interface {
	GetContacts(ctx context.Context) ([]models.Contact, error)
	FindByID(ctx context.Context, id string) (*models.Contact, error)
}

type contactService struct {
	db *mongo.Database
}

// NewContactService creates a new ContactService.
func NewContactService(database *mongo.Database) IContactService {
	return &contactService{db: database}
}

// GetContacts lists recipients for the editor, sorted by company then last name.
func (s *contactService) GetContacts(ctx context.Context) ([]models.Contact, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "company", Value: 1},
		{Key: "last_name", Value: 1},
	})
	cursor, err := s.db.Collection(db.ContactsCollection).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer cursor.Close(ctx)

	contacts := []models.Contact{}
	if err = cursor.All(ctx, &contacts); err != nil {
		return nil, fmt.Errorf("failed to decode contacts: %w", err)
	}
	return contacts, nil
}

func (s *contactService) FindByID(ctx context.Context, id string) (*models.Contact, error) {
	var contact models.Contact
	err := s.db.Collection(db.ContactsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&contact)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrContactNotFound
		}
		return nil, fmt.Errorf("failed to find contact %s: %w", id, err)
	}
	return &contact, nil
}
