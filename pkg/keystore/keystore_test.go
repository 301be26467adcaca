package keystore_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/tss-mesh/internal/test"
	"github.com/taurusgroup/tss-mesh/pkg/keystore"
)

func record(t *testing.T) *keystore.Record {
	ids := test.PartyIDs(3)
	shares, _ := test.GenerateKeyShares(rand.Reader, ids, 2)
	r := &keystore.Record{SessionID: "dkg", Participants: ids, Share: shares[ids[1]]}
	require.NoError(t, r.Validate())
	return r
}

func testStore(t *testing.T, store keystore.Store) {
	ctx := context.Background()
	r := record(t)

	_, err := store.Load(ctx, r.GroupPublicKey())
	assert.ErrorIs(t, err, keystore.ErrNotFound)

	require.NoError(t, store.Save(ctx, r))
	loaded, err := store.Load(ctx, r.GroupPublicKey())
	require.NoError(t, err)
	assert.Equal(t, r.SessionID, loaded.SessionID)
	assert.True(t, r.Participants.Equal(loaded.Participants))
	assert.Equal(t, r.Share.ID, loaded.Share.ID)
	assert.True(t, r.Share.PrivateShare.Equal(loaded.Share.PrivateShare))
	assert.True(t, r.Share.PublicKey.Equal(loaded.Share.PublicKey))
	assert.Equal(t, test.PartyIDs(3)[1], loaded.Owner())

	invalid := *r
	invalid.Participants = invalid.Participants[:2]
	assert.Error(t, store.Save(ctx, &invalid))
}

func TestMemory(t *testing.T) {
	testStore(t, keystore.NewMemory())
}

func TestBadger(t *testing.T) {
	store, err := keystore.OpenBadger("", []byte("passphrase"))
	require.NoError(t, err)
	defer store.Close()
	testStore(t, store)
}

func TestBadger_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r := record(t)

	store, err := keystore.OpenBadger(dir, []byte("right"))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, r))
	require.NoError(t, store.Close())

	store, err = keystore.OpenBadger(dir, []byte("wrong"))
	require.NoError(t, err)
	_, err = store.Load(ctx, r.GroupPublicKey())
	assert.ErrorIs(t, err, keystore.ErrSealed)
	require.NoError(t, store.Close())

	store, err = keystore.OpenBadger(dir, []byte("right"))
	require.NoError(t, err)
	defer store.Close()
	loaded, err := store.Load(ctx, r.GroupPublicKey())
	require.NoError(t, err)
	assert.True(t, r.Share.PrivateShare.Equal(loaded.Share.PrivateShare))
}
