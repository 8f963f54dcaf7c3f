package account

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, maxAccounts int) *FileStore {
	t.Helper()
	return NewFileStore(filepath.Join(t.TempDir(), "accounts.json"), maxAccounts)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := newTestStore(t, 0)

	require.NoError(t, store.Load())
	assert.Empty(t, store.List())
}

func TestFileStoreUpsertAndGet(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, store.Load())

	require.NoError(t, store.Upsert(&Account{
		Email:        "a@example.com",
		Source:       SourceOAuth,
		Enabled:      true,
		RefreshToken: "1//refresh|proj",
	}))

	acc := store.Get("a@example.com")
	require.NotNil(t, acc)
	assert.Equal(t, "1//refresh|proj", acc.RefreshToken)
	assert.NotZero(t, acc.AddedAt)
	assert.Nil(t, store.Get("missing@example.com"))
}

func TestFileStoreUpsertReplacesAndKeepsTransientState(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com", Enabled: true}))

	store.Live()[0].ConsecutiveFailures = 3

	require.NoError(t, store.Upsert(&Account{Email: "a@example.com", Enabled: true, RefreshToken: "new"}))

	live := store.Live()
	require.Len(t, live, 1)
	assert.Equal(t, "new", live[0].RefreshToken)
	assert.Equal(t, 3, live[0].ConsecutiveFailures)
}

func TestFileStoreMaxAccounts(t *testing.T) {
	store := newTestStore(t, 1)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com"}))

	err := store.Upsert(&Account{Email: "b@example.com"})
	assert.ErrorContains(t, err, "account limit reached")

	// Replacing an existing account is still allowed at the cap.
	assert.NoError(t, store.Upsert(&Account{Email: "a@example.com", Enabled: true}))
}

func TestFileStoreSaveAndReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	store := NewFileStore(path, 0)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com", Source: SourceOAuth, Enabled: true}))
	require.NoError(t, store.SetActiveIndex(1))

	reopened := NewFileStore(path, 0)
	require.NoError(t, reopened.Load())

	accounts := reopened.List()
	require.Len(t, accounts, 1)
	assert.Equal(t, "a@example.com", accounts[0].Email)
	assert.Equal(t, 1, reopened.ActiveIndex())

	// No stray temp file after the atomic rename.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreLoadDefaultsSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	payload := `{"accounts":[{"email":"a@example.com","enabled":true}],"activeIndex":0}`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	store := NewFileStore(path, 0)
	require.NoError(t, store.Load())
	assert.Equal(t, SourceOAuth, store.Get("a@example.com").Source)
}

func TestFileStoreReloadMergesRuntimeState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")

	store := NewFileStore(path, 0)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com", Enabled: true}))

	live := store.Live()[0]
	live.ConsecutiveFailures = 2
	live.ModelRateLimits = map[string]*RateLimitInfo{"m": {IsRateLimited: true, ResetTime: 1}}

	// Simulate an external edit that adds an account.
	var file PoolFile
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &file))
	file.Accounts = append(file.Accounts, &Account{Email: "b@example.com", Enabled: true})
	data, err = json.Marshal(&file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	accounts, err := store.Reload()
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	reloaded := store.Get("a@example.com")
	assert.Equal(t, 2, reloaded.ConsecutiveFailures)
	assert.True(t, reloaded.ModelRateLimits["m"].IsRateLimited)
}

func TestFileStoreRemoveAndClear(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com"}))
	require.NoError(t, store.Upsert(&Account{Email: "b@example.com"}))

	require.NoError(t, store.Remove("a@example.com"))
	assert.Len(t, store.List(), 1)

	// Unknown emails are not an error.
	assert.NoError(t, store.Remove("missing@example.com"))

	require.NoError(t, store.Clear())
	assert.Empty(t, store.List())
}

func TestFileStoreSetInvalid(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "a@example.com", Enabled: true}))

	require.NoError(t, store.SetInvalid("a@example.com", "invalid_grant"))

	acc := store.Get("a@example.com")
	assert.True(t, acc.IsInvalid)
	assert.Equal(t, "invalid_grant", acc.InvalidReason)
	assert.NotZero(t, acc.InvalidAt)

	assert.Error(t, store.SetInvalid("missing@example.com", "x"))
}
