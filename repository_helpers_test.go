package lidcore

import (
	"testing"

	"go.mau.fi/libsignal/serialize"

	"github.com/wa-core/lidcore/internal/kv"
	"github.com/wa-core/lidcore/internal/lidmap"
	"github.com/wa-core/lidcore/internal/signalstore"
)

func tempRepository(t *testing.T) (*Repository, *kv.Store) {
	t.Helper()
	kvStore, err := kv.Open("")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { kvStore.Close() })

	mapping := lidmap.New(kvStore)
	store := signalstore.New(kvStore, mapping, serialize.NewProtoBufSerializer(), nil)
	return New(kvStore, mapping, store), kvStore
}
