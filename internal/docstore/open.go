package docstore

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Open builds a Remote from a DSN: memory://, postgres://… or http(s)://….
// token is sent as a bearer token to HTTP document servers.
func Open(dsn, token string) (Remote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("document store dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRemote(), nil
	case "postgres", "postgresql":
		return NewPostgresRemote(dsn), nil
	case "http", "https":
		return NewHTTPRemote(dsn, token, nil), nil
	default:
		return nil, fmt.Errorf("unsupported document store scheme: %s", scheme)
	}
}
