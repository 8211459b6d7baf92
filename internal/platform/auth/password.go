package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/radreport/radreport/internal/platform/db"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidPassword is returned when re-verification fails for any reason
// the caller can correct: unknown user or wrong password.
var ErrInvalidPassword = errors.New("invalid password")

// PasswordVerifier re-checks a caller's password before a signature is
// applied. A valid session token is not enough to sign.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, userID, password string) error
}

// CredentialStore verifies passwords against bcrypt hashes in user_credential.
type CredentialStore struct {
	pool db.Querier
}

func NewCredentialStore(pool db.Querier) *CredentialStore {
	return &CredentialStore{pool: pool}
}

func (s *CredentialStore) VerifyPassword(ctx context.Context, userID, password string) error {
	var hash string
	err := db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT password_hash FROM user_credential WHERE user_id = $1`, userID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidPassword
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	return CheckPassword(hash, password)
}

// SetPassword stores a bcrypt hash of password for userID.
func (s *CredentialStore) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO user_credential (user_id, password_hash, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = NOW()`,
		userID, hash)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CheckPassword compares a bcrypt hash with a plaintext password.
func CheckPassword(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidPassword
	}
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	return nil
}
