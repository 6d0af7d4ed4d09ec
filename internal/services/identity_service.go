package services

import (
	"context"
	"strings"

	"github.com/BradenHooton/ladderguard/internal/models"
	"github.com/BradenHooton/ladderguard/pkg/auth"
)

// Roles
const (
	RoleInspector = "inspector"
	RoleAdmin     = "admin"
)

// IdentityProvider resolves credentials to an identity. Production
// deployments put the directory service behind it.
type IdentityProvider interface {
	Authenticate(ctx context.Context, username, password string) (*models.Identity, error)
}

// StaticDirectory authenticates against a fixed set of bcrypt hashes
type StaticDirectory struct {
	users  map[string]string
	admins map[string]bool
}

// NewStaticDirectory creates a directory from username -> bcrypt hash
func NewStaticDirectory(users map[string]string, admins []string) *StaticDirectory {
	d := &StaticDirectory{
		users:  make(map[string]string, len(users)),
		admins: make(map[string]bool, len(admins)),
	}
	for name, hash := range users {
		d.users[NormalizeUsername(name)] = hash
	}
	for _, name := range admins {
		d.admins[NormalizeUsername(name)] = true
	}
	return d
}

// Authenticate returns models.ErrUnauthorized for unknown users and wrong
// passwords alike, after the same amount of bcrypt work
func (d *StaticDirectory) Authenticate(_ context.Context, username, password string) (*models.Identity, error) {
	name := NormalizeUsername(username)
	hash, ok := d.users[name]
	if !ok {
		auth.CompareDummy(password)
		return nil, models.ErrUnauthorized
	}
	if err := auth.ComparePassword(hash, password); err != nil {
		return nil, models.ErrUnauthorized
	}

	role := RoleInspector
	if d.admins[name] {
		role = RoleAdmin
	}
	return &models.Identity{
		UserID:   "user:" + strings.ToLower(name),
		Username: name,
		Role:     role,
	}, nil
}
