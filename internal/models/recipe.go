package models

import "time"

// SavedRecipe is a user recipe kept in the local store so it can be reused
// across provisioning requests by name.
type SavedRecipe struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
