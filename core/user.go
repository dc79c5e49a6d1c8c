package core

import "time"

type (
	User struct {
		Subject   string    `json:"subject"`
		Login     string    `json:"login"`
		Email     string    `json:"email"`
		AvatarURL string    `json:"avatarUrl"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
	}
)

// DisplayName picks the friendliest non-empty name the identity provider gave us.
func (u *User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Login != "":
		return u.Login
	default:
		return u.Email
	}
}
