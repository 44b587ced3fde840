package kv

import "context"

// PConfigStore is the subset of *db.DB backing the SQL cache.
type PConfigStore interface {
	GetPConfig(ctx context.Context, scope, name string) (string, bool, error)
	SetPConfig(ctx context.Context, scope, name, value string) error
	DeletePConfig(ctx context.Context, scope, name string) error
}

// SQL keeps values in the pconfig table. It is the default when no redis address is configured.
type SQL struct {
	store PConfigStore
}

func NewSQL(store PConfigStore) *SQL {
	return &SQL{store: store}
}

func (s *SQL) Get(ctx context.Context, scope, key string) (string, bool, error) {
	return s.store.GetPConfig(ctx, scope, key)
}

func (s *SQL) Set(ctx context.Context, scope, key, value string) error {
	return s.store.SetPConfig(ctx, scope, key, value)
}

func (s *SQL) Delete(ctx context.Context, scope, key string) error {
	return s.store.DeletePConfig(ctx, scope, key)
}
