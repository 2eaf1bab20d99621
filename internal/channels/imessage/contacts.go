package imessage

import (
	"context"
	"database/sql"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/config"
)

const (
	contactCacheSize = 1024
	contactCacheTTL  = 10 * time.Minute
	// contactSuffixDigits is how many trailing digits a loose phone match compares.
	contactSuffixDigits = 7
)

// DefaultAddressBookPaths returns the AddressBook databases of the current
// user: the top-level store plus one per synced source.
func DefaultAddressBookPaths() []string {
	root := config.ExpandHome("~/Library/Application Support/AddressBook")
	paths := []string{filepath.Join(root, "AddressBook-v22.abcddb")}
	if more, err := filepath.Glob(filepath.Join(root, "Sources", "*", "AddressBook-v22.abcddb")); err == nil {
		paths = append(paths, more...)
	}
	return paths
}

// ContactResolver maps handles to display names using the macOS address
// book. Lookups are best-effort: any failure resolves to "". Results,
// including misses, are cached with a TTL.
type ContactResolver struct {
	paths []string
	cache *expirable.LRU[string, string]

	mu     sync.Mutex
	dbs    []*sql.DB // opened lazily
	opened bool
}

// NewContactResolver creates a resolver over the given AddressBook files.
// Missing files are skipped.
func NewContactResolver(paths []string) *ContactResolver {
	return &ContactResolver{
		paths: paths,
		cache: expirable.NewLRU[string, string](contactCacheSize, nil, contactCacheTTL),
	}
}

// Resolve returns the display name for handle, or "" when unknown.
// An exact normalized phone match wins over a trailing-digit match; a
// trailing-digit match that names different people resolves to "".
func (r *ContactResolver) Resolve(ctx context.Context, handle string) string {
	key := NormalizeHandle(handle)
	if key == "" {
		return ""
	}
	if name, ok := r.cache.Get(key); ok {
		return name
	}

	name, err := r.lookup(ctx, key)
	if err != nil {
		slog.Debug("imessage: contact lookup failed", "handle", key, "error", err)
		return ""
	}
	r.cache.Add(key, name)
	return name
}

// Close releases the address book handles and clears the cache.
func (r *ContactResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, db := range r.dbs {
		_ = db.Close()
	}
	r.dbs = nil
	r.opened = false
	r.cache.Purge()
}

func (r *ContactResolver) handles() []*sql.DB {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return r.dbs
	}
	r.opened = true
	for _, p := range r.paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		dsn := (&url.URL{Scheme: "file", Path: p, RawQuery: "mode=ro"}).String()
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			slog.Debug("imessage: open address book failed", "path", p, "error", err)
			continue
		}
		db.SetMaxOpenConns(1)
		r.dbs = append(r.dbs, db)
	}
	return r.dbs
}

func (r *ContactResolver) lookup(ctx context.Context, key string) (string, error) {
	dbs := r.handles()
	if len(dbs) == 0 {
		return "", nil
	}
	if strings.Contains(key, "@") {
		return lookupEmail(ctx, dbs, key)
	}
	return lookupPhone(ctx, dbs, key)
}

func lookupEmail(ctx context.Context, dbs []*sql.DB, email string) (string, error) {
	const q = `
SELECT COALESCE(r.ZFIRSTNAME, ''), COALESCE(r.ZLASTNAME, ''), COALESCE(r.ZORGANIZATION, '')
FROM ZABCDEMAILADDRESS e
JOIN ZABCDRECORD r ON r.Z_PK = e.ZOWNER
WHERE lower(e.ZADDRESS) = ?
LIMIT 1`
	var lastErr error
	for _, db := range dbs {
		var first, last, org string
		err := db.QueryRowContext(ctx, q, email).Scan(&first, &last, &org)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}
		if name := displayName(first, last, org); name != "" {
			return name, nil
		}
	}
	return "", lastErr
}

func lookupPhone(ctx context.Context, dbs []*sql.DB, key string) (string, error) {
	const q = `
SELECT COALESCE(p.ZFULLNUMBER, ''), COALESCE(r.ZFIRSTNAME, ''), COALESCE(r.ZLASTNAME, ''), COALESCE(r.ZORGANIZATION, '')
FROM ZABCDPHONENUMBER p
JOIN ZABCDRECORD r ON r.Z_PK = p.ZOWNER
WHERE p.ZFULLNUMBER IS NOT NULL`

	suffix := lastDigits(key, contactSuffixDigits)
	if len(suffix) < contactSuffixDigits {
		return "", nil
	}

	loose := make(map[string]struct{})
	var looseName string
	var lastErr error
	for _, db := range dbs {
		rows, err := db.QueryContext(ctx, q)
		if err != nil {
			lastErr = err
			continue
		}
		for rows.Next() {
			var number, first, last, org string
			if err := rows.Scan(&number, &first, &last, &org); err != nil {
				lastErr = err
				continue
			}
			name := displayName(first, last, org)
			if name == "" {
				continue
			}
			if NormalizeHandle(number) == key {
				rows.Close()
				return name, nil
			}
			if lastDigits(number, contactSuffixDigits) == suffix {
				loose[name] = struct{}{}
				looseName = name
			}
		}
		if err := rows.Err(); err != nil {
			lastErr = err
		}
		rows.Close()
	}

	switch len(loose) {
	case 1:
		return looseName, nil
	case 0:
		return "", lastErr
	default:
		slog.Debug("imessage: ambiguous contact match", "handle", key, "candidates", len(loose))
		return "", nil
	}
}

func displayName(first, last, org string) string {
	name := strings.TrimSpace(strings.TrimSpace(first) + " " + strings.TrimSpace(last))
	if name == "" {
		name = strings.TrimSpace(org)
	}
	return name
}
