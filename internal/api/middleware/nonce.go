package middleware

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pysugar/gmb-autopost/internal/util"
)

// NonceHeader may carry the nonce instead of the JSON body.
const NonceHeader = "X-WPL-Nonce"

const maxNonceBody = 1 << 20

var (
	ErrInvalidNonce = errors.New("invalid nonce")
	ErrExpiredNonce = errors.New("nonce expired")
)

type nonceClaims struct {
	Action string `json:"action"`
	jwt.RegisteredClaims
}

// Nonces issues and verifies per-action tokens for the admin triggers.
type Nonces struct {
	secret []byte
	ttl    time.Duration
	clock  util.Clock
}

// NewNonces creates a nonce signer. An empty secret is replaced by a random
// one, which invalidates outstanding nonces on restart.
func NewNonces(secret string, ttl time.Duration, clock util.Clock) (*Nonces, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate nonce secret: %w", err)
		}
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Nonces{secret: key, ttl: ttl, clock: clock}, nil
}

// Issue returns a nonce valid for action.
func (n *Nonces) Issue(action string) (string, error) {
	now := n.clock.Now()
	claims := &nonceClaims{
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(n.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(n.secret)
}

// Verify checks that nonce was issued for action and has not expired.
func (n *Nonces) Verify(nonce, action string) error {
	token, err := jwt.ParseWithClaims(nonce, &nonceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return n.secret, nil
	}, jwt.WithTimeFunc(n.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredNonce
		}
		return ErrInvalidNonce
	}
	claims, ok := token.Claims.(*nonceClaims)
	if !ok || !token.Valid || claims.Action != action {
		return ErrInvalidNonce
	}
	return nil
}

// RequireNonce rejects requests without a valid nonce for action. The nonce
// is read from the X-WPL-Nonce header or the "nonce" field of a JSON body;
// the body stays readable for the handler.
func RequireNonce(n *Nonces, action string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			nonce := r.Header.Get(NonceHeader)
			if nonce == "" && r.Body != nil {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxNonceBody))
				if err != nil {
					WriteText(w, http.StatusBadRequest, RespRequestFailed)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))

				var payload struct {
					Nonce string `json:"nonce"`
				}
				if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &payload) == nil {
					nonce = payload.Nonce
				}
			}

			if nonce == "" || n.Verify(nonce, action) != nil {
				WriteText(w, http.StatusBadRequest, RespRequestFailed)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
