package store_test

import (
	"testing"

	"github.com/atmx/round-ledger/internal/store"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}
