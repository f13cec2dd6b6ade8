package datastore

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// PostgresCredentialStore implements CredentialStore on the credentials table.
type PostgresCredentialStore struct {
	db *sql.DB
}

// NewPostgresCredentialStore wraps an initialized database handle.
func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

const credentialColumns = `id, capability, provider, api_key, api_secret, endpoint, extra_config,
	disabled, cooldown_until, locked_by, locked_until, minute_limit, day_limit,
	minute_count, minute_window_start, day_units, day_window_start, last_used_at, created_at, updated_at`

// CreateCredential inserts a new credential.
func (s *PostgresCredentialStore) CreateCredential(c *Credential) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}

	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.MinuteWindowStart.IsZero() {
		c.MinuteWindowStart = now
	}
	if c.DayWindowStart.IsZero() {
		c.DayWindowStart = now
	}

	query := `
		INSERT INTO credentials (id, capability, provider, api_key, api_secret, endpoint, extra_config,
			disabled, cooldown_until, locked_by, locked_until, minute_limit, day_limit,
			minute_count, minute_window_start, day_units, day_window_start, last_used_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := s.db.Exec(query,
		c.ID, c.Capability, c.Provider, c.APIKey, c.APISecret, c.Endpoint, nullableJSON(c.ExtraConfig),
		c.Disabled, c.CooldownUntil, c.LockedBy, c.LockedUntil, c.MinuteLimit, c.DayLimit,
		c.MinuteCount, c.MinuteWindowStart, c.DayUnits, c.DayWindowStart, c.LastUsedAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a credential by ID.
func (s *PostgresCredentialStore) GetCredential(id string) (*Credential, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	query := fmt.Sprintf("SELECT %s FROM credentials WHERE id = $1", credentialColumns)
	c, err := scanCredential(s.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential %s: %w", id, ErrCredentialNotFound)
		}
		return nil, fmt.Errorf("failed to get credential %s: %w", id, err)
	}
	return c, nil
}

// UpdateCredential persists all mutable fields of a credential.
func (s *PostgresCredentialStore) UpdateCredential(c *Credential) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}
	c.UpdatedAt = time.Now()

	query := `
		UPDATE credentials
		SET capability = $1, provider = $2, api_key = $3, api_secret = $4, endpoint = $5, extra_config = $6,
			disabled = $7, cooldown_until = $8, locked_by = $9, locked_until = $10,
			minute_limit = $11, day_limit = $12, minute_count = $13, minute_window_start = $14,
			day_units = $15, day_window_start = $16, last_used_at = $17, updated_at = $18
		WHERE id = $19
	`
	result, err := s.db.Exec(query,
		c.Capability, c.Provider, c.APIKey, c.APISecret, c.Endpoint, nullableJSON(c.ExtraConfig),
		c.Disabled, c.CooldownUntil, c.LockedBy, c.LockedUntil,
		c.MinuteLimit, c.DayLimit, c.MinuteCount, c.MinuteWindowStart,
		c.DayUnits, c.DayWindowStart, c.LastUsedAt, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update credential %s: %w", c.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for credential %s update: %w", c.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("credential %s: %w", c.ID, ErrCredentialNotFound)
	}
	return nil
}

// DeleteCredential removes a credential by ID.
func (s *PostgresCredentialStore) DeleteCredential(id string) error {
	if s.db == nil {
		return errors.New("database connection not initialized")
	}
	result, err := s.db.Exec("DELETE FROM credentials WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete credential %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for credential %s deletion: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("credential %s: %w", id, ErrCredentialNotFound)
	}
	return nil
}

// ListCredentials lists credentials, optionally filtered by capability.
func (s *PostgresCredentialStore) ListCredentials(capability string) ([]*Credential, error) {
	if s.db == nil {
		return nil, errors.New("database connection not initialized")
	}

	var rows *sql.Rows
	var err error
	baseQuery := fmt.Sprintf("SELECT %s FROM credentials", credentialColumns)
	if capability != "" {
		rows, err = s.db.Query(baseQuery+" WHERE capability = $1 ORDER BY created_at ASC", capability)
	} else {
		rows, err = s.db.Query(baseQuery + " ORDER BY created_at ASC")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for credentials: %w", err)
	}
	return creds, nil
}

func scanCredential(row rowScanner) (*Credential, error) {
	c := &Credential{}
	var extraConfigJSON []byte
	err := row.Scan(
		&c.ID, &c.Capability, &c.Provider, &c.APIKey, &c.APISecret, &c.Endpoint, &extraConfigJSON,
		&c.Disabled, &c.CooldownUntil, &c.LockedBy, &c.LockedUntil, &c.MinuteLimit, &c.DayLimit,
		&c.MinuteCount, &c.MinuteWindowStart, &c.DayUnits, &c.DayWindowStart, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ExtraConfig = fromNullableJSON(extraConfigJSON)
	return c, nil
}

// MemoryCredentialStore is a mutex-guarded in-memory CredentialStore.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemoryCredentialStore returns an empty in-memory credential store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: map[string]*Credential{}}
}

func (s *MemoryCredentialStore) CreateCredential(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.creds[c.ID]; exists {
		return fmt.Errorf("credential %s already exists", c.ID)
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.MinuteWindowStart.IsZero() {
		c.MinuteWindowStart = now
	}
	if c.DayWindowStart.IsZero() {
		c.DayWindowStart = now
	}
	clone := *c
	s.creds[c.ID] = &clone
	return nil
}

func (s *MemoryCredentialStore) GetCredential(id string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, ErrCredentialNotFound)
	}
	clone := *c
	return &clone, nil
}

func (s *MemoryCredentialStore) UpdateCredential(c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[c.ID]; !ok {
		return fmt.Errorf("credential %s: %w", c.ID, ErrCredentialNotFound)
	}
	c.UpdatedAt = time.Now()
	clone := *c
	s.creds[c.ID] = &clone
	return nil
}

func (s *MemoryCredentialStore) DeleteCredential(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[id]; !ok {
		return fmt.Errorf("credential %s: %w", id, ErrCredentialNotFound)
	}
	delete(s.creds, id)
	return nil
}

func (s *MemoryCredentialStore) ListCredentials(capability string) ([]*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Credential{}
	for _, c := range s.creds {
		if capability == "" || c.Capability == capability {
			clone := *c
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
