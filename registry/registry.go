package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"depositbox/crypto"
	"depositbox/fileutil"
)

const (
	// FileName is the encrypted registry file under the data directory.
	FileName = "users.enc"
	// UsersDirName holds one storage directory per registered user.
	UsersDirName = "users"

	lineSeparator  = "\r\n"
	fieldSeparator = ":"
)

var (
	// ErrAlreadyExists indicates a case-insensitive username conflict.
	ErrAlreadyExists = errors.New("registry: user already exists")
	// ErrUserNotFound indicates no registered user has the requested name.
	ErrUserNotFound = errors.New("registry: user not found")
	// ErrPersistence indicates the registry or key files could not be written.
	ErrPersistence = errors.New("registry: error while saving user")
	// ErrInvalidUsername indicates a name that cannot be stored safely.
	ErrInvalidUsername = errors.New("registry: invalid user name")
	// ErrInvalidPassword indicates a password that cannot be stored in the line format.
	ErrInvalidPassword = errors.New("registry: invalid password")
)

var lineBreaks = regexp.MustCompile(`\r?\n`)

// User is one registered account and the key pair that protects its files.
type User struct {
	Username string
	Password string
	Keys     *crypto.KeyPair
}

func (u *User) validate(username, password string) bool {
	return u.Username == username && u.Password == password
}

// Registry is the process-wide credential store. It is built once by Open and shared by
// every server session.
type Registry struct {
	dataDir    string
	serverKeys *crypto.KeyPair

	mu    sync.RWMutex
	users []*User

	generateKeys func() (*crypto.KeyPair, error)
}

// Open loads or generates the server key pair, then loads the user registry from dataDir.
// Entries that cannot be parsed or whose key files are missing are skipped.
func Open(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, UsersDirName), 0o700); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	serverKeys, err := crypto.EnsureKeyPair(dataDir)
	if err != nil {
		return nil, fmt.Errorf("prepare server key pair: %w", err)
	}

	r := &Registry{
		dataDir:      dataDir,
		serverKeys:   serverKeys,
		generateKeys: crypto.GenerateKeyPair,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return filepath.Join(r.dataDir, FileName)
}

// ServerKeys returns the server key pair protecting the registry file.
func (r *Registry) ServerKeys() *crypto.KeyPair {
	return r.serverKeys
}

// UserDir returns the storage location for a username.
func (r *Registry) UserDir(username string) string {
	return filepath.Join(r.dataDir, UsersDirName, strings.ToLower(username))
}

// IsValid reports whether a user with exactly this username and password exists.
func (r *Registry) IsValid(username, password string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if u.validate(username, password) {
			return true
		}
	}
	return false
}

// Lookup finds a user by case-insensitive username.
func (r *Registry) Lookup(username string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if u := r.findLocked(username); u != nil {
		return u, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUserNotFound, username)
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Usernames returns registered usernames in registration order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u.Username)
	}
	return out
}

// Register creates a user with a fresh key pair and persists the registry.
// The new user becomes visible only after the registry was written successfully.
func (r *Registry) Register(username, password string) error {
	if err := validateUsername(username); err != nil {
		return err
	}
	if strings.ContainsAny(password, "\r\n") || strings.TrimSpace(password) == "" {
		return ErrInvalidPassword
	}

	r.mu.RLock()
	exists := r.findLocked(username) != nil
	r.mu.RUnlock()
	if exists {
		return ErrAlreadyExists
	}

	// Key generation is slow; keep it outside the lock and re-check afterwards.
	keys, err := r.generateKeys()
	if err != nil {
		return fmt.Errorf("generate keys for %q: %w", username, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(username) != nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(r.UserDir(username), 0o700); err != nil {
		return fmt.Errorf("%w: create user directory: %v", ErrPersistence, err)
	}

	candidate := make([]*User, 0, len(r.users)+1)
	candidate = append(candidate, r.users...)
	candidate = append(candidate, &User{Username: username, Password: password, Keys: keys})

	if err := r.persist(candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	r.users = candidate
	return nil
}

func (r *Registry) findLocked(username string) *User {
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return u
		}
	}
	return nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read registry: %w", err)
		}
		if err := fileutil.WriteAtomic(r.Path(), nil, 0o600); err != nil {
			return fmt.Errorf("create registry: %w", err)
		}
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	plaintext, err := crypto.DecryptHybrid(raw, r.serverKeys.Public)
	if err != nil {
		return fmt.Errorf("decrypt registry: %w", err)
	}

	for i, line := range lineBreaks.Split(string(plaintext), -1) {
		if line == "" {
			continue
		}
		user, err := r.parseEntry(line)
		if err != nil {
			log.Printf("registry: skipping entry %d: %v", i+1, err)
			continue
		}
		r.users = append(r.users, user)
	}
	return nil
}

func (r *Registry) parseEntry(line string) (*User, error) {
	idx := strings.Index(line, fieldSeparator)
	if idx < 0 {
		return nil, errors.New("missing field separator")
	}
	username := line[:idx]
	password := line[idx+len(fieldSeparator):]
	if err := validateUsername(username); err != nil {
		return nil, err
	}

	keys, err := crypto.LoadKeyPair(r.UserDir(username))
	if err != nil {
		return nil, fmt.Errorf("load keys for %q: %w", username, err)
	}
	return &User{Username: username, Password: password, Keys: keys}, nil
}

// persist rewrites every user's key files and then the encrypted registry file.
func (r *Registry) persist(users []*User) error {
	var b strings.Builder
	for _, u := range users {
		b.WriteString(u.Username)
		b.WriteString(fieldSeparator)
		b.WriteString(u.Password)
		b.WriteString(lineSeparator)

		if err := crypto.SaveKeyPair(r.UserDir(u.Username), u.Keys); err != nil {
			return err
		}
	}

	symmetricKey, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return err
	}
	iv, err := crypto.GenerateIV()
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptHybrid([]byte(b.String()), symmetricKey, r.serverKeys.Private, iv)
	if err != nil {
		return err
	}
	if err := fileutil.WriteAtomic(r.Path(), sealed, 0o600); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

func validateUsername(username string) error {
	switch {
	case strings.TrimSpace(username) == "":
		return ErrInvalidUsername
	case strings.ContainsAny(username, fieldSeparator+"/\\\r\n\x00"):
		return ErrInvalidUsername
	case username == "." || username == ".." || strings.Contains(username, ".."):
		return ErrInvalidUsername
	}
	return nil
}
