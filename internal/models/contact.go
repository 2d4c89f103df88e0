package models

import "strings"

// Contact is a billing recipient from the CRM contacts directory.
type Contact struct {
	Base      `bson:",inline"`
	FirstName string `bson:"first_name" json:"first_name"`
	LastName  string `bson:"last_name" json:"last_name"`
	Company   string `bson:"company" json:"company"`
	Email     string `bson:"email" json:"email"`
}

// DisplayName is used in email greetings.
func (c Contact) DisplayName() string {
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name == "" {
		return c.Company
	}
	return name
}
