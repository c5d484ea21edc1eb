package session

import (
	"time"

	"github.com/google/uuid"
)

// Role is the caller's identity class.
type Role string

const (
	RoleTechnician Role = "technician"
	RolePatient    Role = "patient"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTechnician || r == RolePatient
}

// Token is an opaque bearer credential. Only the digest of the secret is stored.
type Token struct {
	ID           uuid.UUID `db:"id" json:"id"`
	LookupKey    string    `db:"lookup_key" json:"-"`
	SecretDigest string    `db:"secret_digest" json:"-"`
	UserID       uuid.UUID `db:"user_id" json:"user_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time `db:"expires_at" json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Session binds a token to the policy flags it was issued under.
type Session struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	TokenID     uuid.UUID  `db:"token_id" json:"token_id"`
	UserID      uuid.UUID  `db:"user_id" json:"user_id"`
	Role        Role       `db:"role" json:"role"`
	InER        bool       `db:"in_er" json:"in_er"`
	FromNative  bool       `db:"from_native" json:"from_native"`
	LongLived   bool       `db:"long_lived" json:"long_lived"`
	EncounterID *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// Params returns the policy inputs stored on the session.
func (s *Session) Params() Params {
	return Params{
		Role:       s.Role,
		InER:       s.InER,
		FromNative: s.FromNative,
		LongLived:  s.LongLived,
	}
}

// Identity is the authenticated principal handed to downstream authorization.
type Identity struct {
	UserID uuid.UUID
	Role   Role
}

// CreateParams describes a session to be issued.
type CreateParams struct {
	UserID      uuid.UUID
	Params      Params
	EncounterID *uuid.UUID
}

// Created is the result of a successful Manager.Create. Bearer is the only
// place the raw secret ever appears.
type Created struct {
	Session *Session
	Token   *Token
	Bearer  string
}

// Result is the outcome of a successful authentication.
type Result struct {
	Identity  Identity
	Session   *Session
	Token     *Token
	Refreshed bool
}
