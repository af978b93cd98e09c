package types

import "time"

// Identity is a registered user's stored profile.
type Identity struct {
	ID                 string    `json:"id"`
	Phone              string    `json:"phone"`
	Password           string    `json:"password,omitempty"`
	Name               string    `json:"name"`
	Email              string    `json:"email,omitempty"`
	Bio                string    `json:"bio,omitempty"`
	CustomInstructions string    `json:"customInstructions"`
	LearnedData        string    `json:"learnedData"`
	Traits             string    `json:"traits"`
	CreatedAt          time.Time `json:"createdAt,omitzero"`
}

// Public returns a copy of the identity that is safe to hand to clients.
func (i Identity) Public() Identity {
	i.Password = ""
	return i
}
