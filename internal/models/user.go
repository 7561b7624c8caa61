package models

import "time"

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`

	// Balance is in satoshis and never negative.
	Balance int64 `json:"balance"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PublicName is what other players see for this user.
func (u *User) PublicName() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return AnonymousName(u.ID)
}

func AnonymousName(userID string) string {
	runes := []rune(userID)
	if len(runes) > 4 {
		return "User " + string(runes[:4])
	}
	return "User " + userID
}
