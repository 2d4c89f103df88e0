package models

import (
	"github.com/google/uuid"
)

// IBase is implemented by every document that owns its own string ID.
type IBase interface {
	GenIDIfEmpty()
	GenID()
	GetID() string
}

type Base struct {
	ID string `bson:"_id,omitempty" json:"id,omitempty"`
}

func (m *Base) GenIDIfEmpty() {
	if m.ID == "" {
		m.GenID()
	}
}

func (m *Base) GenID() {
	m.ID = uuid.NewString()
}

func (m *Base) GetID() string {
	return m.ID
}
