package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const devTokenTTL = 24 * time.Hour

var devNamespace = uuid.MustParse("8f4b4f4e-2d0e-4c57-9a4a-1b3c0f6c9e21")

// DevProvider authenticates any email with a non-empty password. The user id
// is derived from the email, so the same email always maps to the same actor.
// Tokens are HS256 JWTs signed with a per-process key unless one is given.
type DevProvider struct {
	secret []byte
	now    func() time.Time
}

func NewDevProvider(secret string) *DevProvider {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	return &DevProvider{secret: key, now: time.Now}
}

var _ Provider = (*DevProvider)(nil)

func (p *DevProvider) SignUp(ctx context.Context, email, password string) (Session, error) {
	return p.Login(ctx, email, password)
}

func (p *DevProvider) Login(_ context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") || password == "" {
		return Session{}, ErrInvalidCredentials
	}
	user := User{ID: DevUserID(email), Email: email}
	token, err := signToken(p.secret, user, devTokenTTL, p.now())
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	return Session{
		AccessToken: token,
		ExpiresIn:   int(devTokenTTL.Seconds()),
		TokenType:   "bearer",
		User:        user,
	}, nil
}

func (p *DevProvider) VerifyAccessToken(_ context.Context, accessToken string) (User, error) {
	return parseToken(p.secret, accessToken)
}

func DevUserID(email string) string {
	return uuid.NewSHA1(devNamespace, []byte(strings.ToLower(strings.TrimSpace(email)))).String()
}
