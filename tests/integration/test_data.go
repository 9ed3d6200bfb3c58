package integration

import (
	"fmt"
	"sync/atomic"
)

// TestUser holds credentials for a registered test account.
type TestUser struct {
	Email    string
	Password string
	Name     string
}

var userCounter atomic.Int64

// NewTestUser returns a unique user with a password that satisfies the
// registration policy.
func NewTestUser() TestUser {
	n := userCounter.Add(1)
	return TestUser{
		Email:    fmt.Sprintf("user%d@example.com", n),
		Password: fmt.Sprintf("TestPassword%d!", n),
		Name:     fmt.Sprintf("Test User %d", n),
	}
}

// RegisterBody returns the JSON payload for POST /auth/register.
func (u TestUser) RegisterBody() map[string]string {
	return map[string]string{
		"email":    u.Email,
		"password": u.Password,
		"name":     u.Name,
	}
}

// LoginBody returns the JSON payload for POST /auth/login.
func (u TestUser) LoginBody() map[string]string {
	return map[string]string{
		"email":    u.Email,
		"password": u.Password,
	}
}
