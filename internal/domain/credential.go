package domain

import (
	"regexp"
	"time"
)

type CredentialStatus string

const (
	CredentialUnused CredentialStatus = "unused"
	CredentialUsed   CredentialStatus = "used"
)

type Credential struct {
	ID       string           `json:"id"`
	Owner    string           `json:"owner"`
	IssuedAt time.Time        `json:"issued_at"`
	Status   CredentialStatus `json:"status"`
	UsedAt   *time.Time       `json:"used_at,omitempty"`
}

func NewCredential(id, owner string, now time.Time) *Credential {
	return &Credential{
		ID:       id,
		Owner:    owner,
		IssuedAt: now,
		Status:   CredentialUnused,
	}
}

func (c *Credential) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.IssuedAt) > ttl
}

// Redeem flips an unused, unexpired credential to used.
func (c *Credential) Redeem(now time.Time, ttl time.Duration) error {
	if c.Status == CredentialUsed {
		return NewError(KindAlreadyUsed, "credential already used")
	}
	if c.IsExpired(now, ttl) {
		return NewError(KindExpired, "credential expired")
	}
	c.Status = CredentialUsed
	c.UsedAt = &now
	return nil
}

// Reclaimable reports whether the background sweep may delete c.
func (c *Credential) Reclaimable(now time.Time, ttl, usedRetention time.Duration) bool {
	if c.Status == CredentialUnused {
		return c.IsExpired(now, ttl)
	}
	if c.UsedAt == nil || usedRetention <= 0 {
		return false
	}
	return now.Sub(*c.UsedAt) > usedRetention
}

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]{0,127}$`)

func ValidateOwner(owner string) error {
	if !ownerPattern.MatchString(owner) {
		return NewError(KindInvalidInput, "owner identity is malformed")
	}
	return nil
}
