// Package session persists the authenticated session (token and role)
// across restarts, backed by a small sqlite key-value table.
package session

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	_ "github.com/mattn/go-sqlite3"
)

const (
	RoleUser  = "user"
	RoleAgent = "agent"

	keyToken = "token"
	keyRole  = "role"
)

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	return role == RoleUser || role == RoleAgent
}

// Session is the persisted authentication state. An empty token means
// unauthenticated.
type Session struct {
	Token string
	Role  string
}

// Authenticated reports whether a token is present.
func (s Session) Authenticated() bool {
	return s.Token != ""
}

// SubjectID extracts the subject claim from the token without verifying
// the signature (the client holds no key; the server verifies). Returns
// the empty string when the token is missing or unparseable.
func (s Session) SubjectID() string {
	if s.Token == "" {
		return ""
	}
	tok, _, err := jwt.NewParser().ParseUnverified(s.Token, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// Store is the single writer of Session state.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (or creates) the session database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the persisted session. A missing session is not an error; it
// comes back unauthenticated.
func (s *Store) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	rows, err := s.db.Query(`SELECT key, value FROM kv WHERE key IN (?, ?)`, keyToken, keyRole)
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Session{}, fmt.Errorf("load session: %w", err)
		}
		switch k {
		case keyToken:
			sess.Token = v
		case keyRole:
			sess.Role = v
		}
	}
	return sess, rows.Err()
}

// Save persists the session, replacing whatever was there.
func (s *Store) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	for _, kv := range [][2]string{{keyToken, sess.Token}, {keyRole, sess.Role}} {
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			kv[0], kv[1],
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("save session: %w", err)
		}
	}
	return tx.Commit()
}

// Clear wipes the session entirely (logout).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key IN (?, ?)`, keyToken, keyRole); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}
