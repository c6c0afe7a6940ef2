package service

import (
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// makeToken signs a token whose exp is now+ttl
func makeToken(t *testing.T, now time.Time, ttl time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp":     now.Add(ttl).Unix(),
		"user_id": 7,
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

// rawToken assembles a token from a literal header and an exp claim
func rawToken(header string, exp time.Time) string {
	enc := base64.RawURLEncoding
	payload := fmt.Sprintf(`{"exp":%d}`, exp.Unix())
	return enc.EncodeToString([]byte(header)) + "." + enc.EncodeToString([]byte(payload)) + ".sig"
}

func TestTokenValidator_IsValid(t *testing.T) {
	v := NewTokenValidator(WithClock(fixedClock))

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7"}).SignedString([]byte("k"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{name: "expires in the future", token: makeToken(t, testNow, time.Hour), want: true},
		{name: "expires in one second", token: makeToken(t, testNow, time.Second), want: true},
		{name: "expires exactly now", token: makeToken(t, testNow, 0), want: false},
		{name: "already expired", token: makeToken(t, testNow, -time.Minute), want: false},
		{name: "empty", token: "", want: false},
		{name: "one segment", token: "abc", want: false},
		{name: "two segments", token: "abc.def", want: false},
		{name: "four segments", token: "a.b.c.d", want: false},
		{name: "payload is not json", token: "eyJhbGciOiJIUzI1NiJ9.bm90anNvbg.sig", want: false},
		{name: "payload is not base64", token: "eyJhbGciOiJIUzI1NiJ9.%%%.sig", want: false},
		{name: "no exp claim", token: noExp, want: false},
		{name: "header without alg", token: rawToken(`{"typ":"JWT"}`, testNow.Add(time.Hour)), want: true},
		{name: "unknown alg", token: rawToken(`{"alg":"XX1"}`, testNow.Add(time.Hour)), want: true},
		{name: "header is not json", token: rawToken(`nope`, testNow.Add(time.Hour)), want: true},
		{name: "unknown alg and expired", token: rawToken(`{"alg":"XX1"}`, testNow.Add(-time.Hour)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.IsValid(tt.token))
		})
	}
}

func TestTokenValidator_Decode(t *testing.T) {
	v := NewTokenValidator(WithClock(fixedClock))

	decoded, err := v.Decode(makeToken(t, testNow, 90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(90*time.Second).Unix(), decoded.ExpiresAt.Unix())
	assert.Equal(t, 90*time.Second, decoded.TimeUntilExpiry(testNow))

	_, err = v.Decode("a.b")
	assert.ErrorIs(t, err, ErrMalformedToken)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = v.Decode(noExp)
	assert.ErrorIs(t, err, ErrMissingExpiry)
}

func TestTokenValidator_NeedsRefresh(t *testing.T) {
	v := NewTokenValidator(WithClock(fixedClock))
	lead := 5 * time.Minute

	assert.True(t, v.NeedsRefresh(makeToken(t, testNow, 2*time.Minute), lead), "inside the lead window")
	assert.True(t, v.NeedsRefresh(makeToken(t, testNow, -time.Minute), lead), "expired")
	assert.True(t, v.NeedsRefresh("garbage", lead), "undecodable")
	assert.False(t, v.NeedsRefresh(makeToken(t, testNow, 10*time.Minute), lead))
	assert.False(t, v.NeedsRefresh(makeToken(t, testNow, lead), lead), "exactly at the lead boundary")
}
