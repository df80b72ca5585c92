package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrExists is returned when inserting an episode whose uid is already stored.
var ErrExists = errors.New("storage: already exists")
