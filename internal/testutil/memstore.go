package testutil

import "github.com/mbd888/credithub/internal/store"

// MemStore returns a fresh in-memory Store for unit tests that want
// Store-interface behavior without a Postgres dependency.
func MemStore() store.Store {
	return store.NewMemoryStore()
}
