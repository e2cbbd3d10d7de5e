// Package session reconciles the authenticated user across the
// server-seeded value, the client refetch and the local mutable store,
// and carries the optimistic-update and logout protocols built on top of
// that reconciliation.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"marketchat/internal/api"
)

// Backend is the slice of the API client the cache depends on.
type Backend interface {
	CurrentUser(ctx context.Context) (*api.User, error)
	UpdateProfile(ctx context.Context, patch api.ProfilePatch) (*api.User, error)
	Logout(ctx context.Context) error
}

// Credentials is the slice of the credential store the cache depends on.
type Credentials interface {
	Tokens() (access, refresh string, err error)
	Clear() error
}

// Notifier surfaces user-visible errors (a toast in the UI). Transport
// and fetch errors never reach it; only failed user-initiated mutations
// do.
type Notifier func(err error)

// entry is one cache slot. gen is a generation counter: a refetch
// started under an older generation discards its result instead of
// applying it, which is how in-flight reads are "cancelled".
type entry struct {
	seeded    *api.User
	refetched *api.User
	gen       uint64
}

// Cache is the client-side session cache. One instance per application;
// all methods are safe for concurrent use.
type Cache struct {
	backend Backend
	creds   Credentials
	notify  Notifier
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	local   *api.User
}

// New builds an empty cache. notify may be nil; errors are then only
// logged.
func New(backend Backend, creds Credentials, notify Notifier, log zerolog.Logger) *Cache {
	c := &Cache{
		backend: backend,
		creds:   creds,
		notify:  notify,
		log:     log.With().Str("component", "session").Logger(),
		entries: make(map[string]*entry),
	}
	if c.notify == nil {
		c.notify = func(error) {}
	}
	return c
}

// Key returns the cache key for a locale. The empty locale maps to the
// default key.
func Key(locale string) string {
	if locale == "" {
		return "user"
	}
	return "user:" + locale
}

func (c *Cache) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Seed stores the server-rendered fetch result.
func (c *Cache) Seed(locale string, u *api.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(Key(locale)).seeded = u
}

// SetLocal replaces the local mutable store value.
func (c *Cache) SetLocal(u *api.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = u
}

// Current resolves the user shown to the UI for a locale.
func (c *Cache) Current(locale string) *api.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(Key(locale))
	return Resolve(Sources{Local: c.local, Refetched: e.refetched, Seeded: e.seeded})
}

// Enabled reports whether a refetch may fire: both an access and a
// refresh credential must be present.
func (c *Cache) Enabled() bool {
	access, refresh, err := c.creds.Tokens()
	return err == nil && access != "" && refresh != ""
}

// Refetch revalidates the user from the backend. The result is dropped
// when the entry's generation moved while the request was in flight
// (cooperative cancellation). A fetch that fails even after the API
// client's refresh retry yields a nil user, never a panic; the API client
// has already purged the credentials on auth failure.
func (c *Cache) Refetch(ctx context.Context, locale string) (*api.User, error) {
	if !c.Enabled() {
		return nil, nil
	}
	key := Key(locale)

	c.mu.Lock()
	e := c.entryLocked(key)
	gen := e.gen
	c.mu.Unlock()

	u, err := c.backend.CurrentUser(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Identity check too: logout swaps the whole entry map out, and a new
	// entry restarts at generation zero.
	if cur, ok := c.entries[key]; !ok || cur != e || e.gen != gen {
		c.log.Debug().Str("key", key).Msg("refetch result discarded, entry invalidated mid-flight")
		return nil, nil
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("user refetch failed")
		e.refetched = nil
		return nil, err
	}
	e.refetched = u
	return u, nil
}

// cancelInFlightLocked bumps the generation so pending reads for the key
// discard their results.
func (c *Cache) cancelInFlightLocked(key string) {
	c.entryLocked(key).gen++
}

// UpdateProfile applies a profile edit optimistically: the patched value
// lands in both the cache entry and the local store before the request
// resolves. On failure both are restored from the pre-mutation snapshot
// and the notifier fires; the restored value stays visible until a later
// refetch replaces it. On success the entry is invalidated so the next
// read hits the server.
func (c *Cache) UpdateProfile(ctx context.Context, locale string, patch api.ProfilePatch) (*api.User, error) {
	key := Key(locale)

	c.mu.Lock()
	c.cancelInFlightLocked(key)
	e := c.entryLocked(key)
	prevCached := e.refetched
	prevLocal := c.local

	if cur := Resolve(Sources{Local: c.local, Refetched: e.refetched, Seeded: e.seeded}); cur != nil {
		patched := patch.Apply(*cur)
		e.refetched = &patched
		c.local = &patched
	}
	c.mu.Unlock()

	u, err := c.backend.UpdateProfile(ctx, patch)

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok && cur == e {
		if err != nil {
			// Restore the snapshot and keep it visible; the generation
			// bump below is what invalidates in-flight reads. Wiping the
			// slots here would lose a snapshot that lived only in them.
			e.refetched = prevCached
			c.local = prevLocal
		} else {
			// Settled: the server's value is authoritative, force the
			// next read back to it.
			c.local = u
			e.seeded = nil
			e.refetched = nil
		}
		c.cancelInFlightLocked(key)
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn().Err(err).Msg("profile update failed, rolled back")
		c.notify(err)
		return nil, err
	}
	return u, nil
}

// Logout clears every trace of the session. The order is deliberate:
// credentials first (so the Enabled guard goes false), then the local
// store, then in-flight reads, then the cache itself, and only then the
// server-side cookie deletion. No step may leave a window where a
// concurrent read repopulates stale data.
func (c *Cache) Logout(ctx context.Context) error {
	if err := c.creds.Clear(); err != nil {
		c.log.Warn().Err(err).Msg("clearing credentials failed")
	}

	c.mu.Lock()
	c.local = nil
	for key := range c.entries {
		c.cancelInFlightLocked(key)
	}
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	if err := c.backend.Logout(ctx); err != nil {
		c.log.Warn().Err(err).Msg("server-side logout failed")
		return err
	}
	return nil
}
