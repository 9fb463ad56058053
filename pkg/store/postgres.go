package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgresStore connects to PostgreSQL using a lib/pq connection string and
// initializes the schema.
func NewPostgresStore(connStr string) (*SQLStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

// Open picks the store implementation for a configured driver name.
func Open(driver, dataSource string) (Storage, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return NewSQLiteStore(dataSource)
	case "postgres", "postgresql":
		return NewPostgresStore(dataSource)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
