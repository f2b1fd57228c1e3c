// Package remote defines the blob store that holds synced ciphertext and
// provides file, S3 and in-memory implementations.
//
// Stores know nothing about vault structure: objects are found by name
// prefix and addressed by an opaque id returned from Put.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned by Get and Delete for a missing object.
var ErrNotFound = errors.New("remote: object not found")

// ErrInvalidName is returned for object names that cannot be stored safely.
var ErrInvalidName = errors.New("remote: invalid object name")

// Object describes a stored blob.
type Object struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Size int64  `json:"size"`
}

// Store is a remote blob store.
type Store interface {
	// List returns every object whose name starts with prefix in a single call.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Put stores body under name, replacing any object of the same name,
	// and returns the object's id.
	Put(ctx context.Context, name string, body io.Reader, size int64) (string, error)
	// Get returns the content of the object with id.
	Get(ctx context.Context, id string) ([]byte, error)
	// Delete removes the object with id.
	Delete(ctx context.Context, id string) error
}

// ValidateName rejects names that could escape a directory or key prefix.
func ValidateName(name string) error {
	if name == "" || len(name) > 512 {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ByName indexes objects by name.
func ByName(objects []Object) map[string]Object {
	m := make(map[string]Object, len(objects))
	for _, o := range objects {
		m[o.Name] = o
	}
	return m
}
