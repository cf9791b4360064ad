package invoicerelay

import (
	"fmt"
	"net/url"
	"strings"
)

func BuildTrackingStoreFromDSN(dsn string) (TrackingStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupTrackingStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileTrackingStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryTrackingStore(), nil
	case "postgres", "postgresql":
		return NewPostgresTrackingStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		if parsed.RawQuery != "" {
			path += "?" + parsed.RawQuery
		}
		return NewSQLiteTrackingStore(path)
	case "dynamodb":
		return nil, fmt.Errorf("%w: tracking store backend %s is not registered", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported tracking store scheme: %s", scheme)
	}
}

func BuildMessageQueueFromDSN(dsn string, opts QueueOptions) (MessageQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupMessageQueueFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueue(path, opts)
	case "memory", "mem", "inmem":
		return NewInMemoryQueue(opts), nil
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, opts)
	case "sqs":
		return nil, fmt.Errorf("%w: message queue backend %s is not registered", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported message queue scheme: %s", scheme)
	}
}

func BuildObjectStoreFromDSN(dsn string) (ObjectStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupObjectStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "fs":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFSObjectStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryObjectStore(), nil
	case "s3":
		return nil, fmt.Errorf("%w: object store backend %s is not registered", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported object store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if host := strings.TrimSpace(parsed.Host); host != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
