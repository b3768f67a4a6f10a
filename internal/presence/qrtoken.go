package presence

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultQRTokenTTL bounds how long a displayed QR token stays valid.
const DefaultQRTokenTTL = 60 * time.Second

// QR validation messages.
const (
	MsgQRVerified = "QR code verified"
	MsgQRInvalid  = "QR code not recognized"
	MsgQRExpired  = "QR code expired, scan the current one"
	MsgQRUsed     = "QR code already used"
)

// qrClaims is the signed payload embedded in a rotating QR token.
type qrClaims struct {
	DepartmentID string `json:"dept"`
	Nonce        string `json:"nonce"`
	jwt.RegisteredClaims
}

// QRTokenService issues and validates rotating QR tokens. A token is
// an HS256-signed claim set carrying the department and a single-use
// nonce; only the most recently issued token per department validates.
type QRTokenService struct {
	store      CodeStore
	signingKey []byte
	issuer     string
	ttl        time.Duration
}

// NewQRTokenService creates a service; zero ttl takes the default.
func NewQRTokenService(store CodeStore, signingKey, issuer string, ttl time.Duration) *QRTokenService {
	if ttl <= 0 {
		ttl = DefaultQRTokenTTL
	}
	return &QRTokenService{store: store, signingKey: []byte(signingKey), issuer: issuer, ttl: ttl}
}

// Issue mints a fresh token for the department and makes its nonce the
// active one, invalidating any previously displayed token.
func (s *QRTokenService) Issue(ctx context.Context, departmentID string) (string, time.Time, error) {
	if departmentID == "" {
		return "", time.Time{}, errors.New("department id required")
	}
	nonce := uuid.NewString()
	now := time.Now().UTC()
	exp := now.Add(s.ttl)

	claims := qrClaims{
		DepartmentID: departmentID,
		Nonce:        nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.SetNonce(ctx, departmentID, nonce, s.ttl); err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

// Validate checks a scanned token and consumes its nonce on success,
// so the same token cannot confirm two attempts. Returns the
// department the token belongs to.
func (s *QRTokenService) Validate(ctx context.Context, tokenStr string) (string, bool, string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &qrClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", false, MsgQRExpired, nil
		}
		return "", false, MsgQRInvalid, nil
	}
	claims, ok := parsed.Claims.(*qrClaims)
	if !ok || !parsed.Valid || claims.DepartmentID == "" {
		return "", false, MsgQRInvalid, nil
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return "", false, MsgQRInvalid, nil
	}

	consumed, err := s.store.ConsumeNonce(ctx, claims.DepartmentID, claims.Nonce)
	if err != nil {
		return "", false, "", err
	}
	if !consumed {
		return claims.DepartmentID, false, MsgQRUsed, nil
	}
	return claims.DepartmentID, true, MsgQRVerified, nil
}
