package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloudvault/collab/presence"
	"cloudvault/core"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

const (
	audienceSession = "session"
	audienceShare   = "share"
)

var errNoSecret = errors.New("JWT secret is not configured")

// AppClaims represents the custom claims for the JWT.
type AppClaims struct {
	jwt.RegisteredClaims
	Login     string `json:"login"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl"`
	Name      string `json:"name"`
}

// ShareClaims authorize anonymous downloads of one object. Subject is the owner.
type ShareClaims struct {
	jwt.RegisteredClaims
	Path string `json:"path"`
}

// JWTVerifier signs and checks the HS256 tokens handed out after login and
// for share links.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTVerifier(secret []byte, ttl time.Duration) *JWTVerifier {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &JWTVerifier{secret: secret, ttl: ttl, now: time.Now}
}

func (v *JWTVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return v.secret, nil
}

func (v *JWTVerifier) sign(claims jwt.Claims) (string, error) {
	if len(v.secret) == 0 {
		return "", errNoSecret
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *JWTVerifier) parse(tokenString, audience string, claims jwt.Claims) error {
	if len(v.secret) == 0 {
		return errNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// CreateJWT issues a session token for user.
func (v *JWTVerifier) CreateJWT(user *core.User) (string, error) {
	now := v.now()
	claims := AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Subject,
			Audience:  jwt.ClaimStrings{audienceSession},
			ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Login:     user.Login,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Name:      user.Name,
	}
	return v.sign(claims)
}

func (v *JWTVerifier) ParseJWT(tokenString string) (*AppClaims, error) {
	claims := &AppClaims{}
	if err := v.parse(tokenString, audienceSession, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}

// Verify resolves a session token to the identity used by collaboration rooms.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (presence.User, error) {
	if err := ctx.Err(); err != nil {
		return presence.User{}, err
	}
	claims, err := v.ParseJWT(token)
	if err != nil {
		return presence.User{}, err
	}
	return claims.Identity(), nil
}

// Identity maps the claims onto a room participant.
func (c *AppClaims) Identity() presence.User {
	u := core.User{Subject: c.Subject, Login: c.Login, Email: c.Email, Name: c.Name}
	return presence.User{
		ID:          c.Subject,
		Email:       c.Email,
		DisplayName: u.DisplayName(),
	}
}

// SignShare issues a share token for owner's object at path.
func (v *JWTVerifier) SignShare(owner, path string, ttl time.Duration) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(ttl)
	claims := ShareClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   owner,
			Audience:  jwt.ClaimStrings{audienceShare},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Path: path,
	}
	token, err := v.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (v *JWTVerifier) ParseShare(tokenString string) (*ShareClaims, error) {
	claims := &ShareClaims{}
	if err := v.parse(tokenString, audienceShare, claims); err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.Path == "" {
		return nil, fmt.Errorf("share token is incomplete")
	}
	return claims, nil
}
