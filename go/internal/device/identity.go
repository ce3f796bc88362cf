package device

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"
)

// StorageKey is the single key the device id is persisted under
const StorageKey = "questsync_device_id"

const (
	idLength   = 9
	idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// ErrEmptyKey is returned by stores when asked for an empty key
var ErrEmptyKey = errors.New("empty storage key")

// Store is durable key/value storage scoped to one device profile
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Identity hands out the stable per-profile device id.
// The id is generated on first use and written to the store exactly once.
type Identity struct {
	store Store

	mu sync.Mutex
	id string
}

// NewIdentity creates an Identity backed by store
func NewIdentity(store Store) *Identity {
	return &Identity{store: store}
}

// DeviceID returns the persisted device id, creating it if absent
func (i *Identity) DeviceID(ctx context.Context) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.id != "" {
		return i.id, nil
	}

	id, ok, err := i.store.Get(ctx, StorageKey)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if ok && id != "" {
		i.id = id
		return id, nil
	}

	id, err = NewID()
	if err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	if err := i.store.Set(ctx, StorageKey, id); err != nil {
		return "", fmt.Errorf("persist device id: %w", err)
	}

	log.Info().Str("device_id", id).Msg("generated new device id")
	i.id = id
	return id, nil
}

// NewID returns a random 9 character base-36 identifier
func NewID() (string, error) {
	max := big.NewInt(int64(len(idAlphabet)))
	buf := make([]byte, idLength)
	for n := range buf {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[n] = idAlphabet[v.Int64()]
	}
	return string(buf), nil
}
