// Package presence covers classroom presence confirmation: staff-issued
// rotating numeric codes and their QR token variant. The camera
// confirmation path has no logic of its own beyond an explicit human
// acknowledgement; it lives in the verification step.
package presence

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCodeTTL is the wall-clock validity window of a rotating code.
const DefaultCodeTTL = 120 * time.Second

// Validation messages surfaced to the user.
const (
	MsgCodeVerified = "Code verified"
	MsgCodeWrong    = "Wrong code"
	MsgCodeExpired  = "Code expired, ask staff for a new one"
)

// Code is a department's currently active rotating code.
type Code struct {
	DepartmentID string    `json:"department_id"`
	Value        string    `json:"value"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the code's window has passed.
func (c Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// CodeStore holds at most one active code per department, plus the
// active QR nonce. Staff tooling issues and invalidates; the verifier
// only reads.
type CodeStore interface {
	SetActive(ctx context.Context, code Code) error
	// Active returns the department's current code, or nil when none
	// was issued. Expiry is the caller's concern.
	Active(ctx context.Context, departmentID string) (*Code, error)
	ClearActive(ctx context.Context, departmentID string) error

	SetNonce(ctx context.Context, departmentID, nonce string, ttl time.Duration) error
	// ConsumeNonce atomically checks and removes the active nonce;
	// a rotating QR token is single-use.
	ConsumeNonce(ctx context.Context, departmentID, nonce string) (bool, error)
}

// CodeService issues and validates rotating codes.
type CodeService struct {
	store CodeStore
	ttl   time.Duration
}

// NewCodeService creates a service; zero ttl takes the default window.
func NewCodeService(store CodeStore, ttl time.Duration) *CodeService {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeService{store: store, ttl: ttl}
}

// Issue replaces the department's active code with a fresh 6-digit one.
func (s *CodeService) Issue(ctx context.Context, departmentID string) (Code, error) {
	if departmentID == "" {
		return Code{}, errors.New("department id required")
	}
	value, err := randomDigits(6)
	if err != nil {
		return Code{}, fmt.Errorf("generate code: %w", err)
	}
	now := time.Now().UTC()
	code := Code{
		DepartmentID: departmentID,
		Value:        value,
		IssuedAt:     now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.store.SetActive(ctx, code); err != nil {
		return Code{}, err
	}
	return code, nil
}

// Invalidate drops the department's active code before its window ends.
func (s *CodeService) Invalidate(ctx context.Context, departmentID string) error {
	return s.store.ClearActive(ctx, departmentID)
}

// Validate checks a submitted 6-digit code against the department's
// active one. Wrong and expired codes are expected outcomes, not
// errors; the error return covers store failures only.
func (s *CodeService) Validate(ctx context.Context, departmentID, submitted string) (bool, string, error) {
	active, err := s.store.Active(ctx, departmentID)
	if err != nil {
		return false, "", err
	}
	if active == nil || active.Expired(time.Now().UTC()) {
		return false, MsgCodeExpired, nil
	}
	if submitted != active.Value {
		return false, MsgCodeWrong, nil
	}
	return true, MsgCodeVerified, nil
}

func randomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// MemoryCodeStore is an in-process CodeStore for dev and tests.
type MemoryCodeStore struct {
	mu     sync.Mutex
	codes  map[string]Code
	nonces map[string]string
}

// NewMemoryCodeStore creates an empty store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{codes: make(map[string]Code), nonces: make(map[string]string)}
}

func (s *MemoryCodeStore) SetActive(_ context.Context, code Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.DepartmentID] = code
	return nil
}

func (s *MemoryCodeStore) Active(_ context.Context, departmentID string) (*Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[departmentID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *MemoryCodeStore) ClearActive(_ context.Context, departmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, departmentID)
	return nil
}

func (s *MemoryCodeStore) SetNonce(_ context.Context, departmentID, nonce string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonces[departmentID] = nonce
	return nil
}

func (s *MemoryCodeStore) ConsumeNonce(_ context.Context, departmentID, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nonces[departmentID] != nonce || nonce == "" {
		return false, nil
	}
	delete(s.nonces, departmentID)
	return true, nil
}

// RedisCodeStore keeps codes and nonces in redis so staff tooling and
// the verifier share them across instances.
type RedisCodeStore struct {
	client *redis.Client
}

// NewRedisCodeStore creates a redis-backed store.
func NewRedisCodeStore(client *redis.Client) *RedisCodeStore {
	return &RedisCodeStore{client: client}
}

func codeKey(departmentID string) string {
	return "attendgate:code:" + departmentID
}

func nonceKey(departmentID string) string {
	return "attendgate:qrnonce:" + departmentID
}

func (s *RedisCodeStore) SetActive(ctx context.Context, code Code) error {
	raw, err := json.Marshal(code)
	if err != nil {
		return err
	}
	// Keep the record a little past expiry so validation can say
	// "expired" instead of "never issued".
	ttl := time.Until(code.ExpiresAt) + time.Minute
	return s.client.Set(ctx, codeKey(code.DepartmentID), raw, ttl).Err()
}

func (s *RedisCodeStore) Active(ctx context.Context, departmentID string) (*Code, error) {
	raw, err := s.client.Get(ctx, codeKey(departmentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var code Code
	if err := json.Unmarshal(raw, &code); err != nil {
		return nil, err
	}
	return &code, nil
}

func (s *RedisCodeStore) ClearActive(ctx context.Context, departmentID string) error {
	return s.client.Del(ctx, codeKey(departmentID)).Err()
}

func (s *RedisCodeStore) SetNonce(ctx context.Context, departmentID, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, nonceKey(departmentID), nonce, ttl).Err()
}

// consumeNonceScript deletes the nonce only when it matches the
// submitted one. Compare and delete must be atomic: a scan of a stale
// token must not destroy the currently active nonce.
var consumeNonceScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisCodeStore) ConsumeNonce(ctx context.Context, departmentID, nonce string) (bool, error) {
	if nonce == "" {
		return false, nil
	}
	n, err := consumeNonceScript.Run(ctx, s.client, []string{nonceKey(departmentID)}, nonce).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
