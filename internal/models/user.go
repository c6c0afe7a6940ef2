package models

import (
	"io"
)

// UserProfile is the body of GET/PUT /user/profile/
type UserProfile struct {
	ID             int    `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Bio            string `json:"bio"`
	BirthDate      string `json:"birth_date"`
	PhoneNumber    string `json:"phone_number"`
	Address        string `json:"address"`
	ProfilePicture string `json:"profile_picture"`
}

// DisplayName joins first and last name, falling back to the username
func (p *UserProfile) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.Username
	}
}

// ProfileUpdate carries the fields to change. Nil fields are not sent.
type ProfileUpdate struct {
	Username    *string `json:"username,omitempty" validate:"omitempty,max=150"`
	Email       *string `json:"email,omitempty" validate:"omitempty,email"`
	FirstName   *string `json:"first_name,omitempty" validate:"omitempty,max=150"`
	LastName    *string `json:"last_name,omitempty" validate:"omitempty,max=150"`
	Bio         *string `json:"bio,omitempty" validate:"omitempty,max=500"`
	BirthDate   *string `json:"birth_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PhoneNumber *string `json:"phone_number,omitempty" validate:"omitempty,max=20"`
	Address     *string `json:"address,omitempty" validate:"omitempty,max=255"`

	Picture     io.Reader `json:"-" validate:"-"`
	PictureName string    `json:"-" validate:"required_with=Picture"`
}

// Fields returns the non-nil text fields keyed by their form name
func (u *ProfileUpdate) Fields() map[string]string {
	fields := make(map[string]string)
	set := func(key string, v *string) {
		if v != nil {
			fields[key] = *v
		}
	}
	set("username", u.Username)
	set("email", u.Email)
	set("first_name", u.FirstName)
	set("last_name", u.LastName)
	set("bio", u.Bio)
	set("birth_date", u.BirthDate)
	set("phone_number", u.PhoneNumber)
	set("address", u.Address)
	return fields
}

// IsEmpty reports whether the update would send nothing
func (u *ProfileUpdate) IsEmpty() bool {
	return len(u.Fields()) == 0 && u.Picture == nil
}
