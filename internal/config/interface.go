package config

import "context"

// Loader is the interface for a format-specific configuration loader. It
// reads the named paths, translates their contents into the
// format-agnostic Model, and reports syntax or structural problems as a
// *ParseError. Loading performs no side effects beyond reading the files.
type Loader interface {
	Load(ctx context.Context, paths ...string) (*Model, error)
}
