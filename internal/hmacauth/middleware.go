package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderAccount   = "X-Account"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrMissingAccount   = errors.New("missing or malformed caller account")
)

type callerKey struct{}

// Verifier authenticates requests signed with a shared secret. The MAC covers
// the timestamp, the caller account header and the body, so a signature
// cannot be replayed on behalf of another account.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
	// OnError writes the rejection. Defaults to a plain 401.
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			if v.OnError != nil {
				v.OnError(w, r, err)
				return
			}
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	account := strings.TrimSpace(r.Header.Get(HeaderAccount))
	if !common.IsHexAddress(account) {
		return common.Address{}, ErrMissingAccount
	}
	caller := common.HexToAddress(account)
	if caller == (common.Address{}) {
		return common.Address{}, ErrMissingAccount
	}
	if v.Secret == "" {
		return caller, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	expected := Sign(v.Secret, tsHeader, account, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return common.Address{}, ErrInvalidSignature
	}
	return caller, nil
}

// Sign returns the lowercase hex HMAC-SHA256 of timestamp, account and body.
// account is used exactly as sent in the header.
func Sign(secret, timestamp, account string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(account))
	mac.Write(body)
	return strings.ToLower(hex.EncodeToString(mac.Sum(nil)))
}

// WithCaller stores the authenticated account in ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the account authenticated by the middleware.
func Caller(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
