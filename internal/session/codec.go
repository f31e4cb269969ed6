// Package session derives an authenticated capability from a signed token and
// drives its lifecycle: idle and absolute expiry, renewal, and rotation after
// sensitive operations.
package session

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer   = "payguard"
	audience = "payguard-web"
)

// DecodeStatus classifies a decode outcome. Decoding never returns a raw
// error to callers; branching stays explicit.
type DecodeStatus int

const (
	DecodeOK DecodeStatus = iota
	DecodeExpired
	DecodeMalformed
)

// Claims is the compact claims set carried by a session token.
type Claims struct {
	Role             string `json:"role"`
	LastActivityUnix int64  `json:"lat"`
	IdleExpiryUnix   int64  `json:"idle_exp"`
	jwt.RegisteredClaims
}

// SessionID returns the opaque per-login identity (jti).
func (c *Claims) SessionID() string { return c.ID }

// IdleExpiry returns the idle deadline carried by the token.
func (c *Claims) IdleExpiry() time.Time { return time.Unix(c.IdleExpiryUnix, 0).UTC() }

// AbsoluteExpiry returns the hard lifetime ceiling (exp claim).
func (c *Claims) AbsoluteExpiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}

var errMissingSecret = errors.New("session: signing secret is not configured")

// Codec signs and verifies session tokens with a fixed issuer, audience, and
// algorithm pin. Centralizing the pins here prevents token confusion and
// downgrade between callers.
type Codec struct {
	secret []byte
}

// NewCodec fails when the signing secret is unset: this is a boot-time
// configuration error, not a per-request condition.
func NewCodec(secret string) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Issue signs the claims with HS256. NotBefore is pinned to the epoch so a
// token is usable the instant it is issued regardless of clock skew.
func (c *Codec) Issue(claims Claims) (string, error) {
	claims.Issuer = issuer
	claims.Audience = jwt.ClaimStrings{audience}
	claims.NotBefore = jwt.NewNumericDate(time.Unix(0, 0))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Decode verifies signature, issuer, audience, algorithm, and expiry, and
// classifies any failure as Expired or Malformed.
func (c *Codec) Decode(token string) (*Claims, DecodeStatus) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, DecodeMalformed
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return c.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, DecodeExpired
		}
		return nil, DecodeMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, DecodeMalformed
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, DecodeMalformed
	}
	if claims.ExpiresAt == nil || claims.IdleExpiryUnix == 0 {
		return nil, DecodeMalformed
	}
	return claims, DecodeOK
}
