// Package kv is the per-actor key/value cache used for ad hoc settings such as the
// alternate protocol identity found by a probe or the last photo fetch.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Cache stores string values under (scope, key). Scope is usually a portable hash.
type Cache interface {
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Set(ctx context.Context, scope, key, value string) error
	Delete(ctx context.Context, scope, key string) error
}

// GetJSON decodes a JSON value into v. It reports false when nothing is stored.
func GetJSON(ctx context.Context, c Cache, scope, key string, v any) (bool, error) {
	raw, ok, err := c.Get(ctx, scope, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("kv %s/%s: %w", scope, key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, c Cache, scope, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, scope, key, string(b))
}
