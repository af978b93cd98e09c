// Package store persists the identity and session collections as a single
// JSON document. Every write replaces the whole document.
package store

import (
	"context"

	"github.com/vango-go/vai-assist/pkg/core/types"
)

// Document is the full persisted state.
type Document struct {
	Users    []types.Identity `json:"users"`
	Sessions []types.Session  `json:"sessions"`
}

// Empty returns a document with both collections initialized.
func Empty() Document {
	return Document{
		Users:    []types.Identity{},
		Sessions: []types.Session{},
	}
}

// Clone returns a deep-enough copy: slices are copied so callers can mutate
// the result without touching the original.
func (d Document) Clone() Document {
	out := Document{
		Users:    make([]types.Identity, len(d.Users)),
		Sessions: make([]types.Session, len(d.Sessions)),
	}
	copy(out.Users, d.Users)
	copy(out.Sessions, d.Sessions)
	return out
}

func (d *Document) normalize() {
	if d.Users == nil {
		d.Users = []types.Identity{}
	}
	if d.Sessions == nil {
		d.Sessions = []types.Session{}
	}
}

// Storage loads and saves the whole document.
type Storage interface {
	Load(ctx context.Context) (Document, error)
	Save(ctx context.Context, doc Document) error
}
