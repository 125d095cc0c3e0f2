package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/authflow/internal/models"
)

// Credential is one configured account. Secret is either a plain-text
// password or a bcrypt hash.
type Credential struct {
	Username string
	Secret   string
}

// defaultScope is granted to every password account.
var defaultScope = []string{"read", "write"}

type account struct {
	user   models.User
	secret string
	bcrypt bool
}

// Users authenticates password logins. Accounts are numbered from 1 in
// the order they were configured.
type Users struct {
	byName map[string]account
}

// NewUsers builds the account directory. Usernames must be unique after
// NFC normalization.
func NewUsers(creds []Credential) (*Users, error) {
	u := &Users{byName: make(map[string]account, len(creds))}

	for i, c := range creds {
		name := norm.NFC.String(c.Username)
		if name == "" || c.Secret == "" {
			return nil, fmt.Errorf("empty username or secret in entry %d", i+1)
		}

		if _, dup := u.byName[name]; dup {
			return nil, fmt.Errorf("duplicate username %q", name)
		}

		u.byName[name] = account{
			user: models.User{
				ID:       i + 1,
				Username: name,
				Scope:    defaultScope,
			},
			secret: c.Secret,
			bcrypt: isBcryptHash(c.Secret),
		}
	}

	return u, nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// Authenticate returns the user for a matching username and password.
// Unknown users still pay for a comparison so timing does not reveal
// which usernames exist.
func (u *Users) Authenticate(username, password string) (models.User, bool) {
	acct, ok := u.byName[norm.NFC.String(username)]
	if !ok {
		acct = account{secret: "\x00invalid"}
	}

	var match bool

	if acct.bcrypt {
		match = bcrypt.CompareHashAndPassword([]byte(acct.secret), []byte(password)) == nil
	} else {
		// Hash both sides so ConstantTimeCompare sees equal lengths and
		// does not leak the password length.
		expected := sha256.Sum256([]byte(acct.secret))
		got := sha256.Sum256([]byte(password))
		match = subtle.ConstantTimeCompare(expected[:], got[:]) == 1
	}

	if !ok || !match {
		return models.User{}, false
	}

	return acct.user, true
}

// Lookup returns the user with the given id.
func (u *Users) Lookup(id int) (models.User, bool) {
	for _, acct := range u.byName {
		if acct.user.ID == id {
			return acct.user, true
		}
	}

	return models.User{}, false
}

// HashPassword returns a bcrypt hash suitable for AUTH_USERS.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(h), nil
}
