// Package identity resolves token subjects to local principals and carries
// the resolved principal through a request.
package identity

import (
	"context"
	"strings"
	"sync/atomic"
)

// Identity is a local principal resolved from a token subject
type Identity struct {
	Subject     string `json:"subject" yaml:"subject"`
	Username    string `json:"username" yaml:"username"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
}

// Name is the value exposed to the backend
func (i *Identity) Name() string {
	if i.Username != "" {
		return i.Username
	}
	return i.Subject
}

// Resolver looks up the local identity for a token subject.
// A nil identity with a nil error means the subject is unknown.
type Resolver interface {
	Resolve(ctx context.Context, subject string) (*Identity, error)
}

// Directory is a case-insensitive user directory. Replace publishes a new
// index; readers never block.
type Directory struct {
	users atomic.Pointer[map[string]*Identity]
}

// NewDirectory indexes users by subject and by username
func NewDirectory(users []Identity) *Directory {
	d := &Directory{}
	d.Replace(users)
	return d
}

// Replace swaps the directory contents
func (d *Directory) Replace(users []Identity) {
	index := make(map[string]*Identity, len(users)*2)
	for i := range users {
		u := users[i]
		if u.Subject == "" {
			u.Subject = u.Username
		}
		if u.Subject == "" {
			continue
		}
		index[strings.ToLower(u.Subject)] = &u
		if u.Username != "" {
			if _, taken := index[strings.ToLower(u.Username)]; !taken {
				index[strings.ToLower(u.Username)] = &u
			}
		}
	}

	d.users.Store(&index)
}

// Resolve implements Resolver
func (d *Directory) Resolve(_ context.Context, subject string) (*Identity, error) {
	if subject == "" {
		return nil, nil
	}
	id, ok := d.index()[strings.ToLower(subject)]
	if !ok {
		return nil, nil
	}
	copied := *id
	return &copied, nil
}

// Len returns the number of indexed keys
func (d *Directory) Len() int {
	return len(d.index())
}

func (d *Directory) index() map[string]*Identity {
	if m := d.users.Load(); m != nil {
		return *m
	}
	return nil
}
