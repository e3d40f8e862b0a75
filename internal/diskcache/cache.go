// Package diskcache adapts leansql's sql.DB wiring into a caching decorator
// around a modloader.Fetcher: fetch results are persisted keyed by URL in a
// sqlite3 database, managed by golang-migrate, so a process restart does not
// re-fetch every module it already has on disk.
package diskcache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	modloader "github.com/draganm/go-modloader"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Cache wraps a Fetcher, caching FetchResults by URL in a sqlite3 database.
type Cache struct {
	db     *sql.DB
	next   modloader.Fetcher
	logger logr.Logger
}

// Open opens (creating if necessary) a sqlite3 database at path, migrates it
// to the latest schema, and returns a Cache decorating next. logger defaults
// to logr.Discard() if its zero value.
func Open(path string, next modloader.Fetcher, logger logr.Logger) (*Cache, error) {
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("could not open sqlite3 database at %s: %w", path, err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate %s: %w", path, err)
	}

	return &Cache{db: db, next: next, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create sqlite3 migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("could not create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Fetch implements modloader.Fetcher, consulting the cache before delegating
// to next and persisting whatever next returns.
func (c *Cache) Fetch(ctx context.Context, url string, opts modloader.FetchOptions) (modloader.FetchResult, error) {
	log := c.logger.WithValues("url", url)

	if cached, ok, err := c.lookup(ctx, url); err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not read cache for %s: %w", url, err)
	} else if ok {
		log.Info("modloader: cache hit", "id", cached.ID)
		return cached, nil
	}

	result, err := c.next.Fetch(ctx, url, opts)
	if err != nil {
		return modloader.FetchResult{}, err
	}

	if err := c.store(ctx, url, result); err != nil {
		return modloader.FetchResult{}, fmt.Errorf("could not write cache for %s: %w", url, err)
	}

	log.Info("modloader: cache miss, stored fetch result", "id", result.ID)
	return result, nil
}

func (c *Cache) lookup(ctx context.Context, url string) (modloader.FetchResult, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, code, dependencies, dependency_version_ranges, css, has_css
		FROM fetch_cache WHERE url = ?`, url)

	var (
		id, code, depsJSON, rangesJSON string
		css                            sql.NullString
		hasCSS                         bool
	)
	if err := row.Scan(&id, &code, &depsJSON, &rangesJSON, &css, &hasCSS); err != nil {
		if err == sql.ErrNoRows {
			return modloader.FetchResult{}, false, nil
		}
		return modloader.FetchResult{}, false, err
	}

	var deps modloader.Dependencies
	if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
		return modloader.FetchResult{}, false, fmt.Errorf("could not decode cached dependencies: %w", err)
	}
	var ranges modloader.VersionRanges
	if err := json.Unmarshal([]byte(rangesJSON), &ranges); err != nil {
		return modloader.FetchResult{}, false, fmt.Errorf("could not decode cached version ranges: %w", err)
	}

	return modloader.FetchResult{
		URL:                    url,
		ID:                     id,
		Code:                   code,
		Dependencies:           deps,
		DependencyVersionRange: ranges,
		CSS:                    css.String,
		HasCSS:                 hasCSS,
	}, true, nil
}

func (c *Cache) store(ctx context.Context, url string, result modloader.FetchResult) error {
	depsJSON, err := json.Marshal(result.Dependencies)
	if err != nil {
		return fmt.Errorf("could not encode dependencies: %w", err)
	}
	rangesJSON, err := json.Marshal(result.DependencyVersionRange)
	if err != nil {
		return fmt.Errorf("could not encode version ranges: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO fetch_cache (url, id, code, dependencies, dependency_version_ranges, css, has_css, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			id = excluded.id,
			code = excluded.code,
			dependencies = excluded.dependencies,
			dependency_version_ranges = excluded.dependency_version_ranges,
			css = excluded.css,
			has_css = excluded.has_css,
			fetched_at = excluded.fetched_at`,
		url, result.ID, result.Code, string(depsJSON), string(rangesJSON), result.CSS, result.HasCSS, time.Now().Unix())
	return err
}

// Invalidate drops a single cached entry, used when a caller wants the next
// Fetch for url to go to the network regardless of what is on disk.
func (c *Cache) Invalidate(ctx context.Context, url string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM fetch_cache WHERE url = ?`, url)
	if err == nil {
		c.logger.Info("modloader: cache entry invalidated", "url", url)
	}
	return err
}
