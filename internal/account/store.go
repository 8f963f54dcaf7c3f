package account

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/hollowb/antigravity-bridge/internal/utils"
)

// PoolFile is the on-disk shape of accounts.json.
type PoolFile struct {
	Accounts    []*Account             `json:"accounts"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	ActiveIndex int                    `json:"activeIndex"`
}

// FileStore persists the account pool to accounts.json. Writes go through a
// temp file and rename so a crash never leaves a torn file. All operations
// are serialised; the file may be edited externally between calls and
// Reload picks those edits up.
type FileStore struct {
	mu          sync.Mutex
	path        string
	maxAccounts int

	accounts    []*Account
	settings    map[string]interface{}
	activeIndex int
	loaded      bool
}

// NewFileStore creates a store bound to path. maxAccounts caps inserts.
func NewFileStore(path string, maxAccounts int) *FileStore {
	return &FileStore{
		path:        path,
		maxAccounts: maxAccounts,
		settings:    make(map[string]interface{}),
	}
}

// Load reads the file, creating an empty pool when it does not exist.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.accounts = nil
			s.loaded = true
			return nil
		}
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	var file PoolFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", s.path, err)
	}

	for _, acc := range file.Accounts {
		if acc.Source == "" {
			acc.Source = SourceOAuth
		}
	}

	s.accounts = file.Accounts
	if file.Settings != nil {
		s.settings = file.Settings
	}
	s.activeIndex = file.ActiveIndex
	s.loaded = true
	return nil
}

// Reload re-reads the file and merges transient runtime state (rate-limit
// marks, failure counters, cooldowns) from the previous in-memory accounts,
// matched by email.
func (s *FileStore) Reload() ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := make(map[string]*Account, len(s.accounts))
	for _, acc := range s.accounts {
		previous[acc.Email] = acc
	}

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	for _, acc := range s.accounts {
		if old, ok := previous[acc.Email]; ok {
			if acc.ModelRateLimits == nil {
				acc.ModelRateLimits = old.ModelRateLimits
			}
			acc.ConsecutiveFailures = old.ConsecutiveFailures
			acc.CoolingDownUntil = old.CoolingDownUntil
			acc.CooldownReason = old.CooldownReason
		}
	}

	return s.snapshotLocked(), nil
}

// Live returns the underlying account slice for the pool manager,
// which serialises access through its own lock. Other callers should
// use List.
func (s *FileStore) Live() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts
}

// List returns a deep-copied snapshot of all accounts.
func (s *FileStore) List() []*Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *FileStore) snapshotLocked() []*Account {
	result := make([]*Account, len(s.accounts))
	for i, acc := range s.accounts {
		result[i] = acc.Clone()
	}
	return result
}

// Get returns a copy of one account, or nil when absent.
func (s *FileStore) Get(email string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Email == email {
			return acc.Clone()
		}
	}
	return nil
}

// Upsert inserts or replaces an account and saves. Inserting past the
// configured maximum fails.
func (s *FileStore) Upsert(account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.accounts {
		if existing.Email == account.Email {
			// Preserve transient state across the replace.
			account.ConsecutiveFailures = existing.ConsecutiveFailures
			account.CoolingDownUntil = existing.CoolingDownUntil
			account.CooldownReason = existing.CooldownReason
			s.accounts[i] = account
			return s.saveLocked()
		}
	}

	if s.maxAccounts > 0 && len(s.accounts) >= s.maxAccounts {
		return fmt.Errorf("account limit reached (%d); remove an account before adding another", s.maxAccounts)
	}

	if account.AddedAt == 0 {
		account.AddedAt = utils.NowMs()
	}
	s.accounts = append(s.accounts, account)
	return s.saveLocked()
}

// Remove deletes an account by email and saves. Removing an unknown email
// is not an error.
func (s *FileStore) Remove(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, acc := range s.accounts {
		if acc.Email == email {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			return s.saveLocked()
		}
	}
	return nil
}

// Clear drops every account and saves.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = nil
	return s.saveLocked()
}

// SetEnabled flips the enabled flag and saves.
func (s *FileStore) SetEnabled(email string, enabled bool) error {
	return s.mutate(email, func(acc *Account) {
		acc.Enabled = enabled
	})
}

// SetInvalid marks an account invalid with a reason and saves. Invalid is
// sticky until explicit re-enrolment.
func (s *FileStore) SetInvalid(email, reason string) error {
	return s.mutate(email, func(acc *Account) {
		acc.IsInvalid = true
		acc.InvalidReason = reason
		acc.InvalidAt = utils.NowMs()
	})
}

// SetThresholds updates quota thresholds and saves. A nil accountThreshold
// clears the account-wide value; a nil perModel map leaves it untouched.
func (s *FileStore) SetThresholds(email string, accountThreshold *float64, perModel map[string]float64) error {
	return s.mutate(email, func(acc *Account) {
		acc.QuotaThreshold = accountThreshold
		if perModel != nil {
			acc.ModelQuotaThresholds = perModel
		}
	})
}

// Update applies fn to the stored account and saves. The store keeps
// ownership of the baseline, so partial writes cannot erase fields.
func (s *FileStore) Update(email string, fn func(acc *Account)) error {
	return s.mutate(email, fn)
}

func (s *FileStore) mutate(email string, fn func(acc *Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if acc.Email == email {
			fn(acc)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("account not found: %s", email)
}

// SetActiveIndex records the sticky strategy cursor and saves.
func (s *FileStore) SetActiveIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeIndex = index
	return s.saveLocked()
}

// ActiveIndex returns the persisted sticky cursor.
func (s *FileStore) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIndex
}

// Save persists the current in-memory state.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *FileStore) saveLocked() error {
	if err := utils.EnsureParentDir(s.path); err != nil {
		return err
	}

	file := PoolFile{
		Accounts:    s.accounts,
		Settings:    s.settings,
		ActiveIndex: s.activeIndex,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
