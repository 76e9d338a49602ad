package sqlsession

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrSessionTooLarge is returned when the session data exceeds the configured MaxSessionBytes.
	ErrSessionTooLarge = errors.New("session data too large")

	// ErrInvalidSessionID is returned when the session ID format is invalid.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// DefaultGCProbability is the chance that Manager.Get triggers garbage
// collection, like a gc_probability/gc_divisor of 1/100.
const DefaultGCProbability = 0.01

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store        *Store
	CookieName   string
	CookiePath   string
	CookieDomain string
	// CookieMaxAge defaults to the store's MaxLifetime.
	CookieMaxAge time.Duration
	// CleanupInterval runs Store.Cleanup periodically. Zero disables the
	// worker and leaves expiry to GCProbability.
	CleanupInterval time.Duration
	// GCProbability is the chance in [0, 1] that a Get schedules garbage
	// collection at the end of the request. Defaults to DefaultGCProbability;
	// negative disables it.
	GCProbability float64
	HttpOnly      *bool
	Secure        *bool
	SameSite      http.SameSite
	// MaxSessionBytes is the largest encoded payload accepted. 0 means unlimited.
	MaxSessionBytes int
}

// Manager ties sessions to HTTP requests through a cookie and drives a
// Handler for each loaded session.
//
// A session returned by Get holds a database connection, and possibly a
// lock, until it is finished with Save, Destroy, Regenerate or Release.
type Manager struct {
	store *Store
	// cookie holds every cookie attribute except Value, Secure and expiry.
	cookie          http.Cookie
	secure          *bool
	maxAge          time.Duration
	gcProbability   float64
	maxSessionBytes int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager applies defaults to cfg and starts the cleanup worker when
// CleanupInterval is set.
func NewManager(cfg ManagerConfig) *Manager {
	name, path := cfg.CookieName, cfg.CookiePath
	if name == "" {
		name = "session_id"
	}
	if path == "" {
		path = "/"
	}
	maxAge := cfg.CookieMaxAge
	if maxAge == 0 {
		maxAge = cfg.Store.cfg.MaxLifetime
	}
	gcProbability := cfg.GCProbability
	if gcProbability == 0 {
		gcProbability = DefaultGCProbability
	}

	m := &Manager{
		store: cfg.Store,
		cookie: http.Cookie{
			Name:     name,
			Path:     path,
			Domain:   cfg.CookieDomain,
			HttpOnly: cfg.HttpOnly == nil || *cfg.HttpOnly,
			SameSite: http.SameSiteLaxMode,
		},
		secure:          cfg.Secure,
		maxAge:          maxAge,
		gcProbability:   gcProbability,
		maxSessionBytes: cfg.MaxSessionBytes,
		stopChan:        make(chan struct{}),
	}
	if cfg.SameSite != 0 {
		m.cookie.SameSite = cfg.SameSite
	}
	// Browsers reject SameSite=None cookies without Secure.
	if m.cookie.SameSite == http.SameSiteNoneMode {
		forced := true
		m.secure = &forced
	}

	if cfg.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanupWorker(cfg.CleanupInterval)
	}
	return m
}

func (m *Manager) cleanupWorker(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.store.Cleanup(ctx); err != nil {
				m.store.log.Error().Err(err).Msg("periodic session cleanup failed")
			}
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

// Close stops the cleanup worker and closes the store.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return m.store.Close()
}

// Get loads the session named by the request cookie, or returns a new one.
func (m *Manager) Get(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(m.cookie.Name)
	if err != nil || !isValidID(cookie.Value) {
		return m.New()
	}

	ctx := r.Context()
	h, err := m.store.NewHandler(ctx, RequestInfoFromRequest(r))
	if err != nil {
		return nil, err
	}

	data, err := h.Read(ctx, cookie.Value)
	if err == nil && m.maxSessionBytes > 0 && len(data) > m.maxSessionBytes {
		err = ErrSessionTooLarge
	}
	var values map[string]any
	if err == nil {
		values, err = decodeValues(data)
	}
	if err != nil {
		return nil, errors.Join(err, h.Close(ctx))
	}

	if m.gcProbability > 0 && mrand.Float64() < m.gcProbability {
		if err := h.GC(int(m.maxAge / time.Second)); err != nil {
			return nil, errors.Join(err, h.Close(ctx))
		}
	}

	return &Session{
		ID:      cookie.Value,
		Values:  values,
		Expired: h.IsExpired(),
		handler: h,
	}, nil
}

// New returns an empty session with a fresh id. Nothing is stored until Save.
func (m *Manager) New() (*Session, error) {
	id, err := generateID()
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:     id,
		Values: make(map[string]any),
	}, nil
}

// handler returns the handler bound to s, opening one if s was not loaded
// through Get.
func (m *Manager) handler(r *http.Request, s *Session) (*Handler, error) {
	if s.handler != nil {
		return s.handler, nil
	}
	h, err := m.store.NewHandler(r.Context(), RequestInfoFromRequest(r))
	if err != nil {
		return nil, err
	}
	s.handler = h
	return h, nil
}

// finish closes the session's handler, joining its error with err.
func (s *Session) finish(ctx context.Context, err error) error {
	if s.handler == nil {
		return err
	}
	h := s.handler
	s.handler = nil
	return errors.Join(err, h.Close(ctx))
}

// Save writes the session, releases its handler and sets the cookie.
func (m *Manager) Save(w http.ResponseWriter, r *http.Request, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isValidID(s.ID) {
		return s.finish(r.Context(), ErrInvalidSessionID)
	}
	if err := m.write(r, s); err != nil {
		return s.finish(r.Context(), err)
	}
	if err := s.finish(r.Context(), nil); err != nil {
		return err
	}

	m.writeCookie(w, r, s.ID)
	return nil
}

func (m *Manager) write(r *http.Request, s *Session) error {
	buf, err := encodeValues(s.Values)
	if err != nil {
		return err
	}
	defer putBuffer(buf)

	if m.maxSessionBytes > 0 && buf.Len() > m.maxSessionBytes {
		return ErrSessionTooLarge
	}

	h, err := m.handler(r, s)
	if err != nil {
		return err
	}
	return h.Write(r.Context(), s.ID, buf.Bytes())
}

// Release ends the request cycle of a loaded session without writing it.
func (m *Manager) Release(ctx context.Context, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish(ctx, nil)
}

// Regenerate moves the session to a new id to prevent session fixation. The
// new row is written and the old one deleted in the same handler cycle; if
// either fails the cookie is cleared and the error returned.
func (m *Manager) Regenerate(w http.ResponseWriter, r *http.Request, s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldID := s.ID
	newID, err := generateID()
	if err != nil {
		return s.finish(r.Context(), err)
	}
	s.ID = newID

	err = m.write(r, s)
	if err == nil && isValidID(oldID) {
		err = s.handler.Destroy(r.Context(), oldID)
	}
	err = s.finish(r.Context(), err)
	if err != nil {
		// Fail closed: the client must not keep either id.
		s.ID = oldID
		m.writeCookie(w, r, "")
		return err
	}

	m.writeCookie(w, r, newID)
	return nil
}

// Destroy deletes the session, clears the cookie and wipes the values. The
// cookie is cleared even if the delete fails.
func (m *Manager) Destroy(w http.ResponseWriter, r *http.Request, s *Session) error {
	m.writeCookie(w, r, "")
	defer s.Clear()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isValidID(s.ID) {
		return s.finish(r.Context(), ErrInvalidSessionID)
	}
	h, err := m.handler(r, s)
	if err != nil {
		return err
	}
	return s.finish(r.Context(), h.Destroy(r.Context(), s.ID))
}

// writeCookie sets the session cookie to id, or deletes it when id is empty.
func (m *Manager) writeCookie(w http.ResponseWriter, r *http.Request, id string) {
	c := m.cookie
	c.Value = id
	c.Secure = r.TLS != nil
	if m.secure != nil {
		c.Secure = *m.secure
	}
	if id == "" {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(m.maxAge / time.Second)
		c.Expires = time.Now().Add(m.maxAge)
	}
	http.SetCookie(w, &c)
}

// rngPool holds ChaCha8 generators seeded from crypto/rand. Only a new
// generator reads from crypto/rand.
var rngPool sync.Pool

func pooledRNG() (*mrand.Rand, error) {
	if rng, ok := rngPool.Get().(*mrand.Rand); ok {
		return rng, nil
	}
	var seed [32]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return nil, fmt.Errorf("failed to seed session id generator: %w", err)
	}
	return mrand.New(mrand.NewChaCha8(seed)), nil
}

const idLength = 32

// generateID returns 128 random bits as 32 lowercase hex digits.
func generateID() (string, error) {
	rng, err := pooledRNG()
	if err != nil {
		return "", err
	}
	ptr := idScratchPool.Get().(*[]byte)
	raw, out := (*ptr)[:16], (*ptr)[16:16+idLength]
	defer func() {
		clear(*ptr)
		idScratchPool.Put(ptr)
	}()

	binary.BigEndian.PutUint64(raw[:8], rng.Uint64())
	binary.BigEndian.PutUint64(raw[8:], rng.Uint64())
	rngPool.Put(rng)

	hex.Encode(out, raw)
	return string(out), nil
}

var hexDigit [256]bool

func init() {
	for _, c := range []byte("0123456789abcdef") {
		hexDigit[c] = true
	}
}

// isValidID reports whether id has the generateID format. Anything else
// never reaches the database.
func isValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	for i := range len(id) {
		if !hexDigit[id[i]] {
			return false
		}
	}
	return true
}
