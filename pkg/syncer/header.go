package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forest6511/vaultsync/pkg/remote"
	"github.com/forest6511/vaultsync/pkg/vault"
)

// HeaderObject is the remote name of the published vault header.
const HeaderObject = "vault_header"

// ErrNoHeader is returned when the remote holds no vault header.
var ErrNoHeader = errors.New("syncer: remote has no vault header")

// PublishHeader uploads the plaintext header of v so other devices can
// join with the same password. The header carries only the salt, the
// verification hash and KDF parameters.
func PublishHeader(ctx context.Context, store remote.Store, v *vault.Vault) error {
	h, err := v.Header()
	if err != nil {
		return err
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("syncer: failed to encode header: %w", err)
	}
	if _, err := store.Put(ctx, HeaderObject, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("syncer: failed to publish header: %w", err)
	}
	return nil
}

// FetchHeader downloads the published vault header.
func FetchHeader(ctx context.Context, store remote.Store) (*vault.IndexHeader, error) {
	objs, err := store.List(ctx, HeaderObject)
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to list header: %w", err)
	}
	obj, ok := remote.ByName(objs)[HeaderObject]
	if !ok {
		return nil, ErrNoHeader
	}
	data, err := store.Get(ctx, obj.ID)
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to fetch header: %w", err)
	}
	var h vault.IndexHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("syncer: malformed header: %w", err)
	}
	return &h, nil
}
