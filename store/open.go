package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/lib/pq"  // registers the "postgres" driver.
	_ "modernc.org/sqlite" // registers the "sqlite" driver.
)

// migrationsSourceURL points golang-migrate at the schema files bundled
// with the module, the same layout loopdb's sqlc migrations directory uses.
const migrationsSourceURL = "file://store/migrations"

// OpenSQL opens a *sql.DB for the relational StoreConfig backend, the same
// two-driver split loopdb's postgres.go/sqlite.go maintain: a real Postgres
// deployment reachable over the network, or an embedded SQLite file for a
// single-node install. The returned handle is unmigrated; call
// RunMigrations against it before handing it to NewSQLSwapStore.
func OpenSQL(backend, dsn string) (*sql.DB, error) {
	switch backend {
	case "postgres":
		return sql.Open("postgres", dsn)

	case "sqlite":
		// Enforce foreign key constraints the same way loopdb's
		// NewSqliteStore does, since modernc.org/sqlite defaults them
		// off.
		opts := url.Values{}
		opts.Add("_pragma", "foreign_keys=on")

		return sql.Open("sqlite", fmt.Sprintf("%v?%v", dsn, opts.Encode()))

	default:
		return nil, fmt.Errorf("unsupported sql backend %q", backend)
	}
}

// migrationDriver wraps db's golang-migrate database.Driver for backend, so
// NewStore can call RunMigrations without its caller knowing which SQL
// dialect is behind db.
func migrationDriver(backend string, db *sql.DB) (database.Driver, error) {
	switch backend {
	case "postgres":
		return migratepostgres.WithInstance(db, &migratepostgres.Config{})

	case "sqlite":
		return migratesqlite.WithInstance(db, &migratesqlite.Config{})

	default:
		return nil, fmt.Errorf("unsupported sql backend %q", backend)
	}
}

// NewStore opens the SwapStore selected by backend: an embedded bbolt
// database under dataDir for "bbolt" (the default), or a migrated
// Postgres/SQLite database reached through dsn for "postgres"/"sqlite".
func NewStore(backend, dataDir, dsn string) (SwapStore, error) {
	switch backend {
	case "", "bbolt":
		return NewBoltSwapStore(filepath.Join(dataDir, "swaps.db"))

	case "postgres", "sqlite":
		db, err := OpenSQL(backend, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening %v store: %w", backend, err)
		}

		driver, err := migrationDriver(backend, db)
		if err != nil {
			return nil, fmt.Errorf("preparing %v migrations: %w", backend, err)
		}

		if err := RunMigrations(driver, backend, migrationsSourceURL); err != nil {
			return nil, fmt.Errorf("migrating %v store: %w", backend, err)
		}

		return NewSQLSwapStore(db), nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}
