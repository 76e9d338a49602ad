package sqlsession

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, storeCfg Config, cfg ManagerConfig) (*Manager, *Store, *fakeClock) {
	t.Helper()
	store, clock := newTestStore(t, storeCfg)
	cfg.Store = store
	if cfg.GCProbability == 0 {
		cfg.GCProbability = -1
	}
	m := NewManager(cfg)
	t.Cleanup(func() { m.Close() })
	return m, store, clock
}

func responseCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %s cookie in response", name)
	return nil
}

func requestWithCookie(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if c != nil {
		r.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return r
}

// saveNew stores a new session holding values and returns its cookie.
func saveNew(t *testing.T, m *Manager, values map[string]any) *http.Cookie {
	t.Helper()
	r := requestWithCookie(nil)
	s, err := m.Get(r)
	require.NoError(t, err)
	for k, v := range values {
		s.Set(k, v)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, m.Save(rec, r, s))
	return responseCookie(t, rec, m.cookie.Name)
}

func TestManager(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{})

	r := requestWithCookie(nil)
	s, err := m.Get(r)
	require.NoError(t, err)
	assert.True(t, isValidID(s.ID))
	assert.Empty(t, s.Values)
	assert.Nil(t, s.handler, "a new session holds no connection")

	s.Set("user", "bob")
	rec := httptest.NewRecorder()
	require.NoError(t, m.Save(rec, r, s))

	cookie := responseCookie(t, rec, "session_id")
	assert.Equal(t, s.ID, cookie.Value)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, int(DefaultMaxLifetime.Seconds()), cookie.MaxAge)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.False(t, cookie.Secure)

	r = requestWithCookie(cookie)
	s2, err := m.Get(r)
	require.NoError(t, err)
	assert.Equal(t, s.ID, s2.ID)
	assert.False(t, s2.Expired)
	user, ok := s2.Get("user")
	assert.True(t, ok)
	assert.Equal(t, "bob", user)
	require.NoError(t, m.Release(r.Context(), s2))

	r = requestWithCookie(cookie)
	s3, err := m.Get(r)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	require.NoError(t, m.Destroy(rec, r, s3))
	assert.Empty(t, s3.Values)
	assert.Equal(t, -1, responseCookie(t, rec, "session_id").MaxAge)
	_, ok = fetchRow(t, store, s.ID)
	assert.False(t, ok)
}

func TestManager_InvalidCookieStartsNewSession(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{})

	for _, value := range []string{"short", strings.Repeat("G", 32), "' OR 1=1 --"} {
		r := requestWithCookie(&http.Cookie{Name: "session_id", Value: value})
		s, err := m.Get(r)
		require.NoError(t, err)
		assert.NotEqual(t, value, s.ID)
		assert.True(t, isValidID(s.ID))
	}
	assert.Equal(t, 0, countRows(t, store), "invalid ids never reach the database")
}

func TestManager_UnknownIDPersistsAfterSave(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{})

	id, err := generateID()
	require.NoError(t, err)
	r := requestWithCookie(&http.Cookie{Name: "session_id", Value: id})
	s, err := m.Get(r)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.False(t, s.Expired)

	s.Set("n", 1)
	require.NoError(t, m.Save(httptest.NewRecorder(), r, s))
	row, ok := fetchRow(t, store, id)
	require.True(t, ok)
	assert.Equal(t, int64(DefaultMaxLifetime.Seconds()), row.lifetime)
}

func TestManager_Regenerate(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{})
	cookie := saveNew(t, m, map[string]any{"user": "alice"})
	oldID := cookie.Value

	r := requestWithCookie(cookie)
	s, err := m.Get(r)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, m.Regenerate(rec, r, s))
	assert.NotEqual(t, oldID, s.ID)
	assert.Equal(t, s.ID, responseCookie(t, rec, "session_id").Value)

	_, ok := fetchRow(t, store, oldID)
	assert.False(t, ok, "old session must be deleted")

	r = requestWithCookie(responseCookie(t, rec, "session_id"))
	s2, err := m.Get(r)
	require.NoError(t, err)
	user, _ := s2.Get("user")
	assert.Equal(t, "alice", user)
	require.NoError(t, m.Release(r.Context(), s2))
}

func TestManager_Expired(t *testing.T) {
	m, store, clock := newTestManager(t, Config{MaxLifetime: time.Minute}, ManagerConfig{})
	cookie := saveNew(t, m, map[string]any{"user": "carol"})

	clock.Advance(2 * time.Minute)

	r := requestWithCookie(cookie)
	s, err := m.Get(r)
	require.NoError(t, err)
	assert.True(t, s.Expired)
	assert.Equal(t, cookie.Value, s.ID)
	assert.Empty(t, s.Values)

	s.Set("user", "dave")
	require.NoError(t, m.Save(httptest.NewRecorder(), r, s))

	r = requestWithCookie(cookie)
	s, err = m.Get(r)
	require.NoError(t, err)
	assert.False(t, s.Expired)
	user, _ := s.Get("user")
	assert.Equal(t, "dave", user)
	require.NoError(t, m.Release(r.Context(), s))
	assert.Equal(t, 1, countRows(t, store))
}

func TestManager_MaxSessionBytes(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{MaxSessionBytes: 256})

	t.Run("Save", func(t *testing.T) {
		r := requestWithCookie(nil)
		s, err := m.Get(r)
		require.NoError(t, err)
		s.Set("large", strings.Repeat("a", 1000))

		err = m.Save(httptest.NewRecorder(), r, s)
		assert.ErrorIs(t, err, ErrSessionTooLarge)
		_, ok := fetchRow(t, store, s.ID)
		assert.False(t, ok)
	})

	t.Run("Get", func(t *testing.T) {
		id, err := generateID()
		require.NoError(t, err)
		h := newTestHandler(t, store, externalRequest)
		require.NoError(t, h.Write(context.Background(), id, make([]byte, 300)))
		require.NoError(t, h.Close(context.Background()))

		r := requestWithCookie(&http.Cookie{Name: "session_id", Value: id})
		_, err = m.Get(r)
		assert.ErrorIs(t, err, ErrSessionTooLarge)
	})

	t.Run("Within limit", func(t *testing.T) {
		cookie := saveNew(t, m, map[string]any{"k": "v"})
		r := requestWithCookie(cookie)
		s, err := m.Get(r)
		require.NoError(t, err)
		require.NoError(t, m.Release(r.Context(), s))
	})
}

func TestManager_GCProbability(t *testing.T) {
	m, store, clock := newTestManager(t, Config{MaxLifetime: time.Minute}, ManagerConfig{GCProbability: 1})

	saveNew(t, m, map[string]any{"v": 1})
	clock.Advance(2 * time.Minute)
	cookie := saveNew(t, m, map[string]any{"v": 2})
	require.Equal(t, 2, countRows(t, store))

	r := requestWithCookie(cookie)
	s, err := m.Get(r)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, store), "garbage collection waits for the end of the request")
	require.NoError(t, m.Release(r.Context(), s))

	assert.Equal(t, 1, countRows(t, store))
}

func TestManager_CleanupWorker(t *testing.T) {
	m, store, clock := newTestManager(t, Config{MaxLifetime: time.Minute}, ManagerConfig{CleanupInterval: 10 * time.Millisecond})

	saveNew(t, m, map[string]any{"v": 1})
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool {
		return countRows(t, store) == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestManager_DestroyInvalidID(t *testing.T) {
	m, _, _ := newTestManager(t, Config{}, ManagerConfig{})

	s := &Session{ID: "not-valid", Values: map[string]any{"k": "v"}}
	rec := httptest.NewRecorder()
	err := m.Destroy(rec, requestWithCookie(nil), s)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
	assert.Empty(t, s.Values)
	assert.Equal(t, -1, responseCookie(t, rec, "session_id").MaxAge, "the cookie is cleared even on error")
}

func TestSecurityConfig(t *testing.T) {
	save := func(t *testing.T, cfg ManagerConfig, r *http.Request) *http.Cookie {
		t.Helper()
		m, _, _ := newTestManager(t, Config{}, cfg)
		s, err := m.New()
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		require.NoError(t, m.Save(rec, r, s))
		return responseCookie(t, rec, m.cookie.Name)
	}

	t.Run("Defaults", func(t *testing.T) {
		c := save(t, ManagerConfig{}, requestWithCookie(nil))
		assert.True(t, c.HttpOnly)
		assert.False(t, c.Secure)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	})

	t.Run("TLS request", func(t *testing.T) {
		r := requestWithCookie(nil)
		r.TLS = &tls.ConnectionState{}
		assert.True(t, save(t, ManagerConfig{}, r).Secure)
	})

	t.Run("Custom", func(t *testing.T) {
		httpOnly, secure := false, true
		c := save(t, ManagerConfig{
			CookieName:   "sid",
			CookiePath:   "/app",
			CookieMaxAge: time.Hour,
			HttpOnly:     &httpOnly,
			Secure:       &secure,
			SameSite:     http.SameSiteStrictMode,
		}, requestWithCookie(nil))
		assert.Equal(t, "sid", c.Name)
		assert.Equal(t, "/app", c.Path)
		assert.Equal(t, 3600, c.MaxAge)
		assert.False(t, c.HttpOnly)
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	})

	t.Run("SameSite None forces Secure", func(t *testing.T) {
		secure := false
		c := save(t, ManagerConfig{Secure: &secure, SameSite: http.SameSiteNoneMode}, requestWithCookie(nil))
		assert.True(t, c.Secure)
		assert.Equal(t, http.SameSiteNoneMode, c.SameSite)
	})
}

func TestRaceCondition(t *testing.T) {
	m, _, _ := newTestManager(t, Config{LockMode: LockNone}, ManagerConfig{})
	s, err := m.New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
					s.Set("key", n)
					s.Get("key")
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Save(httptest.NewRecorder(), requestWithCookie(nil), s))
	}
	close(stop)
	wg.Wait()
}

type faultyReader struct{}

func (faultyReader) Read([]byte) (int, error) {
	return 0, errors.New("simulated entropy failure")
}

func TestRegenerate_RandFailure(t *testing.T) {
	m, store, _ := newTestManager(t, Config{}, ManagerConfig{})
	cookie := saveNew(t, m, map[string]any{"user": "eve"})

	r := requestWithCookie(cookie)
	s, err := m.Get(r)
	require.NoError(t, err)

	// Pooled generators never touch crypto/rand again.
	for rngPool.Get() != nil {
	}
	orig := rand.Reader
	rand.Reader = faultyReader{}
	defer func() { rand.Reader = orig }()

	err = m.Regenerate(httptest.NewRecorder(), r, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulated entropy failure")
	assert.Equal(t, cookie.Value, s.ID)
	assert.Nil(t, s.handler, "the handler is released on failure")

	_, ok := fetchRow(t, store, cookie.Value)
	assert.True(t, ok, "a failed regenerate keeps the old session")
}

func BenchmarkIsValidID(b *testing.B) {
	id, _ := generateID()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		isValidID(id)
	}
}

func BenchmarkGenerateID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := generateID(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkManager_GetSave(b *testing.B) {
	store, _ := newTestStore(b, Config{})
	m := NewManager(ManagerConfig{Store: store, GCProbability: -1})
	defer m.Close()

	r := requestWithCookie(nil)
	s, err := m.Get(r)
	require.NoError(b, err)
	s.Set("n", 0)
	rec := httptest.NewRecorder()
	require.NoError(b, m.Save(rec, r, s))
	cookie := rec.Result().Cookies()[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r := requestWithCookie(cookie)
		s, err := m.Get(r)
		if err != nil {
			b.Fatal(err)
		}
		s.Set("n", i)
		if err := m.Save(httptest.NewRecorder(), r, s); err != nil {
			b.Fatal(err)
		}
	}
}
