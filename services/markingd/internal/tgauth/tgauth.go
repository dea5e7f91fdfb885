package tgauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Errors returned by Verify. Callers map all of them to an authorization
// failure; the distinctions exist for logging.
var (
	ErrBadEnvelope = errors.New("tgauth: malformed init data")
	ErrBadHash     = errors.New("tgauth: hash mismatch")
	ErrStale       = errors.New("tgauth: init data too old")
)

// User is the Telegram account extracted from a verified envelope.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Verifier checks Telegram Mini App initData envelopes against the bot token
// they were signed for.
type Verifier struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier derives the verification secret from the bot token. maxAge
// bounds how old the envelope's auth_date may be; zero disables the check.
func NewVerifier(botToken string, maxAge time.Duration) (*Verifier, error) {
	if botToken == "" {
		return nil, errors.New("tgauth: bot token is required")
	}

	// Key derivation fixed by the Mini App platform: the secret is
	// HMAC-SHA256("WebAppData", botToken).
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))

	return &Verifier{
		secret: mac.Sum(nil),
		maxAge: maxAge,
		now:    time.Now,
	}, nil
}

// Verify validates the signed envelope and returns the embedded user.
func (v *Verifier) Verify(initData string) (User, error) {
	if v == nil {
		return User{}, errors.New("tgauth: nil verifier")
	}
	if strings.TrimSpace(initData) == "" {
		return User{}, ErrBadEnvelope
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return User{}, fmt.Errorf("%w: missing hash", ErrBadEnvelope)
	}

	// The data-check-string is every pair except hash, sorted by key,
	// joined with newlines.
	keys := make([]string, 0, len(values))
	for key := range values {
		if key == "hash" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	want := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(want), []byte(gotHash)) {
		return User{}, ErrBadHash
	}

	if v.maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return User{}, fmt.Errorf("%w: bad auth_date", ErrBadEnvelope)
		}
		if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
			return User{}, ErrStale
		}
	}

	rawUser := values.Get("user")
	if rawUser == "" {
		return User{}, fmt.Errorf("%w: missing user", ErrBadEnvelope)
	}

	var user User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return User{}, fmt.Errorf("%w: bad user payload", ErrBadEnvelope)
	}
	if user.ID == 0 {
		return User{}, fmt.Errorf("%w: missing user id", ErrBadEnvelope)
	}

	return user, nil
}
