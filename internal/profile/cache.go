// Package profile implements ProfileCache: a SQLite-backed store of global
// and per-group display profiles, with best-effort async picture download
// so the UI never blocks on network fetches for an avatar.
package profile

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/rustyguts/pika/internal/asyncwork"
	"github.com/rustyguts/pika/internal/mls"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		pubkey           TEXT PRIMARY KEY,
		display_name     TEXT NOT NULL DEFAULT '',
		picture_url      TEXT NOT NULL DEFAULT '',
		picture_path     TEXT NOT NULL DEFAULT '',
		event_created_at INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS group_profiles (
		chat_id          TEXT NOT NULL,
		pubkey           TEXT NOT NULL,
		display_name     TEXT NOT NULL DEFAULT '',
		picture_url      TEXT NOT NULL DEFAULT '',
		picture_path     TEXT NOT NULL DEFAULT '',
		event_created_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, pubkey)
	)`,
}

// Profile is one cached display identity.
type Profile struct {
	Pubkey         string
	DisplayName    string
	PictureURL     string
	PicturePath    string // local cache file path, if downloaded
	EventCreatedAt int64
}

// PictureFetcher downloads raw picture bytes given the advertised URL, or
// (for per-group pictures) the imeta nonce/hash/scheme needed to decrypt
// them via the MLS media manager.
type PictureFetcher interface {
	FetchGlobal(ctx context.Context, url string) ([]byte, error)
	FetchGroupEncrypted(ctx context.Context, groupID, url, nonce, scheme string) ([]byte, error)
}

// Cache implements ProfileCache.
type Cache struct {
	db       *sql.DB
	cacheDir string
	engine   mls.Engine
	fetcher  PictureFetcher

	pool *asyncwork.Pool

	mu       sync.Mutex
	inflight map[string]bool // dedupes concurrent downloads per cache key
}

// Open opens (or creates) the SQLite database at dbPath and ensures the
// picture cache directory exists. It returns an error if the database
// cannot be opened or migrated or the directory cannot be created; there is
// no fallback to an empty cache. Once open, writes and picture downloads are
// best-effort: failures are logged, never returned.
func Open(dbPath, cacheDir string, engine mls.Engine, fetcher PictureFetcher) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("profile: open db: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("profile: migrate: %w", err)
		}
	}
	if err := os.MkdirAll(cacheDir, 0o750); err != nil {
		db.Close()
		return nil, fmt.Errorf("profile: create cache dir: %w", err)
	}
	return &Cache{db: db, cacheDir: cacheDir, engine: engine, fetcher: fetcher, pool: asyncwork.New(), inflight: make(map[string]bool)}, nil
}

// Close releases the database connection.
func (c *Cache) Close() error { return c.db.Close() }

// UpsertProfile updates the global cache entry for pubkey, rejecting the
// update if eventCreatedAt is not newer than what's stored.
// On a picture URL change it kicks off an async download.
func (c *Cache) UpsertProfile(ctx context.Context, pubkey, displayName, pictureURL string, eventCreatedAt int64) error {
	existing, ok := c.GlobalProfile(pubkey)
	if ok && eventCreatedAt <= existing.EventCreatedAt {
		return nil
	}

	_, err := c.db.Exec(
		`INSERT INTO profiles(pubkey, display_name, picture_url, picture_path, event_created_at)
		 VALUES(?, ?, ?, '', ?)
		 ON CONFLICT(pubkey) DO UPDATE SET
		   display_name = excluded.display_name,
		   picture_url = excluded.picture_url,
		   event_created_at = excluded.event_created_at`,
		pubkey, displayName, pictureURL, eventCreatedAt,
	)
	if err != nil {
		log.Printf("[profile] upsert %s: %v (non-fatal)", pubkey, err)
		return nil
	}

	if pictureURL != "" && (!ok || pictureURL != existing.PictureURL) {
		c.pool.Go(ctx, func(ctx context.Context) { c.downloadGlobalPicture(ctx, pubkey, pictureURL) })
	}
	return nil
}

// UpsertGroupProfile is UpsertProfile's per-group counterpart, keyed by
// (chatID, pubkey). pictureNonce/pictureScheme are non-empty when the
// picture is per-group-encrypted and must be decrypted via MLS before
// caching.
func (c *Cache) UpsertGroupProfile(ctx context.Context, chatID, pubkey, displayName, pictureURL, pictureNonce, pictureScheme string, eventCreatedAt int64) error {
	existing, ok := c.GroupProfile(chatID, pubkey)
	if ok && eventCreatedAt <= existing.EventCreatedAt {
		return nil
	}

	_, err := c.db.Exec(
		`INSERT INTO group_profiles(chat_id, pubkey, display_name, picture_url, picture_path, event_created_at)
		 VALUES(?, ?, ?, ?, '', ?)
		 ON CONFLICT(chat_id, pubkey) DO UPDATE SET
		   display_name = excluded.display_name,
		   picture_url = excluded.picture_url,
		   event_created_at = excluded.event_created_at`,
		chatID, pubkey, displayName, pictureURL, eventCreatedAt,
	)
	if err != nil {
		log.Printf("[profile] upsert group %s/%s: %v (non-fatal)", chatID, pubkey, err)
		return nil
	}

	if pictureURL != "" && (!ok || pictureURL != existing.PictureURL) {
		c.pool.Go(ctx, func(ctx context.Context) {
			c.downloadGroupPicture(ctx, chatID, pubkey, pictureURL, pictureNonce, pictureScheme)
		})
	}
	return nil
}

// GlobalProfile returns the cached global profile for pubkey, if any.
func (c *Cache) GlobalProfile(pubkey string) (Profile, bool) {
	var p Profile
	p.Pubkey = pubkey
	err := c.db.QueryRow(
		`SELECT display_name, picture_url, picture_path, event_created_at FROM profiles WHERE pubkey = ?`,
		pubkey,
	).Scan(&p.DisplayName, &p.PictureURL, &p.PicturePath, &p.EventCreatedAt)
	if err != nil {
		return Profile{}, false
	}
	return p, true
}

// GroupProfile returns the cached per-group profile for (chatID, pubkey).
func (c *Cache) GroupProfile(chatID, pubkey string) (Profile, bool) {
	var p Profile
	p.Pubkey = pubkey
	err := c.db.QueryRow(
		`SELECT display_name, picture_url, picture_path, event_created_at FROM group_profiles WHERE chat_id = ? AND pubkey = ?`,
		chatID, pubkey,
	).Scan(&p.DisplayName, &p.PictureURL, &p.PicturePath, &p.EventCreatedAt)
	if err != nil {
		return Profile{}, false
	}
	return p, true
}

// DisplayName satisfies chat.NameResolver.
func (c *Cache) DisplayName(pubkey string) (string, bool) {
	p, ok := c.GlobalProfile(pubkey)
	if !ok || p.DisplayName == "" {
		return "", false
	}
	return p.DisplayName, true
}

func (c *Cache) downloadGlobalPicture(ctx context.Context, pubkey, url string) {
	key := "global:" + pubkey
	if !c.startDownload(key) {
		return
	}
	defer c.endDownload(key)

	data, err := c.fetcher.FetchGlobal(ctx, url)
	if err != nil {
		log.Printf("[profile] download picture for %s: %v (non-fatal)", pubkey, err)
		return
	}
	path := filepath.Join(c.cacheDir, pubkey+".img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Printf("[profile] write picture for %s: %v (non-fatal)", pubkey, err)
		return
	}
	if _, err := c.db.Exec(`UPDATE profiles SET picture_path = ? WHERE pubkey = ?`, path, pubkey); err != nil {
		log.Printf("[profile] record picture path for %s: %v (non-fatal)", pubkey, err)
	}
}

func (c *Cache) downloadGroupPicture(ctx context.Context, chatID, pubkey, url, nonce, scheme string) {
	key := "group:" + chatID + ":" + pubkey
	if !c.startDownload(key) {
		return
	}
	defer c.endDownload(key)

	raw, err := c.fetcher.FetchGroupEncrypted(ctx, chatID, url, nonce, scheme)
	if err != nil {
		log.Printf("[profile] download group picture for %s/%s: %v (non-fatal)", chatID, pubkey, err)
		return
	}
	data := raw
	if nonce != "" {
		data, err = c.engine.DecryptMedia(ctx, chatID, raw, nonce, scheme)
		if err != nil {
			log.Printf("[profile] decrypt group picture for %s/%s: %v (non-fatal)", chatID, pubkey, err)
			return
		}
	}
	path := filepath.Join(c.cacheDir, chatID+"-"+pubkey+".img")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Printf("[profile] write group picture for %s/%s: %v (non-fatal)", chatID, pubkey, err)
		return
	}
	if _, err := c.db.Exec(`UPDATE group_profiles SET picture_path = ? WHERE chat_id = ? AND pubkey = ?`, path, chatID, pubkey); err != nil {
		log.Printf("[profile] record group picture path for %s/%s: %v (non-fatal)", chatID, pubkey, err)
	}
}

func (c *Cache) startDownload(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] {
		return false
	}
	c.inflight[key] = true
	return true
}

func (c *Cache) endDownload(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
}

// DisplayURL returns the UI-facing URL for a cached picture: a
// file://path?v=<mtime> URL so clients reload changed files without the
// underlying URL itself changing.
func DisplayURL(path string) string {
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("file://%s?v=%d", path, info.ModTime().Unix())
}
