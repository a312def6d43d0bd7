package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwrk-planet/chat-gateway/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestJWTSigner_RoundTrip(t *testing.T) {
	key := newKey(t)
	s := NewJWTSigner(key, nil, "auth", "chat", 15*time.Minute, 30*time.Second)

	tok, err := s.SignAccessToken(42, time.Now())
	require.NoError(t, err)

	claims, err := s.ParseAndValidate(tok)
	require.NoError(t, err)

	uid, err := SubjectAsUserID(claims)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID(42), uid)
}

func TestJWTSigner_Rejects(t *testing.T) {
	key := newKey(t)
	s := NewJWTSigner(key, nil, "auth", "chat", 15*time.Minute, 30*time.Second)

	t.Run("expired", func(t *testing.T) {
		tok, err := s.SignAccessToken(1, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		_, err = s.ParseAndValidate(tok)
		require.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("within clock skew", func(t *testing.T) {
		tok, err := s.SignAccessToken(1, time.Now().Add(-15*time.Minute-10*time.Second))
		require.NoError(t, err)
		_, err = s.ParseAndValidate(tok)
		require.NoError(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		other := NewJWTSigner(key, nil, "someone-else", "chat", time.Minute, 0)
		tok, err := other.SignAccessToken(1, time.Now())
		require.NoError(t, err)
		_, err = s.ParseAndValidate(tok)
		require.ErrorIs(t, err, ErrInvalidIssuer)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other := NewJWTSigner(key, nil, "auth", "billing", time.Minute, 0)
		tok, err := other.SignAccessToken(1, time.Now())
		require.NoError(t, err)
		_, err = s.ParseAndValidate(tok)
		require.ErrorIs(t, err, ErrInvalidAudience)
	})

	t.Run("foreign key", func(t *testing.T) {
		other := NewJWTSigner(newKey(t), nil, "auth", "chat", time.Minute, 0)
		tok, err := other.SignAccessToken(1, time.Now())
		require.NoError(t, err)
		_, err = s.ParseAndValidate(tok)
		require.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := s.ParseAndValidate("not-a-jwt")
		require.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestJWTSigner_VerifyOnly(t *testing.T) {
	key := newKey(t)
	s := NewJWTSigner(nil, &key.PublicKey, "auth", "", time.Minute, 0)
	_, err := s.SignAccessToken(1, time.Now())
	require.ErrorIs(t, err, ErrNoSigningKey)
}

func TestSubjectAsUserID(t *testing.T) {
	_, err := SubjectAsUserID(nil)
	require.ErrorIs(t, err, ErrInvalidSubject)

	c := &AccessClaims{}
	c.Subject = "abc"
	_, err = SubjectAsUserID(c)
	require.ErrorIs(t, err, ErrInvalidSubject)
}

func TestLoadKeysFromPEM(t *testing.T) {
	key := newKey(t)
	dir := t.TempDir()

	privPath := filepath.Join(dir, "private.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	}), 0o600))

	priv, err := LoadRSAPrivateKeyFromPEM(privPath)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))

	pub, err := LoadRSAPublicKeyFromPEM(pubPath)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	_, err = LoadRSAPrivateKeyFromPEM(pubPath)
	require.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/chat/1?token=q1", nil)
	r.Header.Set("Authorization", "Bearer h1")
	assert.Equal(t, "h1", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws/chat/1?token=q1", nil)
	assert.Equal(t, "q1", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws/chat/1?access_token=q2", nil)
	assert.Equal(t, "q2", BearerToken(r))

	r = httptest.NewRequest("GET", "/ws/chat/1", nil)
	r.Header.Set("Authorization", "Basic xyz")
	assert.Empty(t, BearerToken(r))
}
