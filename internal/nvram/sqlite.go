package nvram

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteDevice keeps the EEPROM image as a single blob row. Each Write is
// a read-modify-write inside one transaction and is logged to nvram_writes,
// which gives a running count of physical writes for wear tracking.
type SQLiteDevice struct {
	mu     sync.Mutex
	db     *sql.DB
	size   int
	closed bool
}

// OpenSQLite opens (or creates) the database at path, applies migrations and
// makes sure an image of size bytes exists.
func OpenSQLite(path string, size int) (*SQLiteDevice, error) {
	if size <= 0 {
		return nil, fmt.Errorf("nvram: invalid size %d", size)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection: the image row is the only state and writes are serial.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	d := &SQLiteDevice{db: db, size: size}
	if err := d.ensureImage(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closing m: it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func (d *SQLiteDevice) ensureImage() error {
	var img []byte
	err := d.db.QueryRow(`SELECT data FROM nvram_image WHERE id = 1`).Scan(&img)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		img = erasedImage(d.size)
	case err != nil:
		return fmt.Errorf("read image: %w", err)
	case len(img) == d.size:
		return nil
	case len(img) > d.size:
		img = img[:d.size]
	default:
		img = append(img, erasedImage(d.size-len(img))...)
	}

	_, err = d.db.Exec(`INSERT INTO nvram_image (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`, img)
	if err != nil {
		return fmt.Errorf("initialise image: %w", err)
	}
	return nil
}

// Read returns n bytes at addr.
func (d *SQLiteDevice) Read(addr, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if err := checkRange(d.size, addr, n); err != nil {
		return nil, err
	}

	var img []byte
	if err := d.db.QueryRow(`SELECT data FROM nvram_image WHERE id = 1`).Scan(&img); err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	out := make([]byte, n)
	copy(out, img[addr:addr+n])
	return out, nil
}

// Write patches data into the image at addr atomically.
func (d *SQLiteDevice) Write(addr int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if err := checkRange(d.size, addr, len(data)); err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin write: %w", err)
	}
	defer tx.Rollback()

	var img []byte
	if err := tx.QueryRow(`SELECT data FROM nvram_image WHERE id = 1`).Scan(&img); err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	copy(img[addr:], data)

	if _, err := tx.Exec(`UPDATE nvram_image SET data = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1`, img); err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO nvram_writes (addr, length) VALUES (?, ?)`, addr, len(data)); err != nil {
		return fmt.Errorf("log write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write: %w", err)
	}
	return nil
}

// WriteCount returns how many writes have touched [addr, addr+n).
func (d *SQLiteDevice) WriteCount(addr, n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	var count int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM nvram_writes WHERE addr < ? AND addr + length > ?`,
		addr+n, addr).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count writes: %w", err)
	}
	return count, nil
}

// Size returns the image size.
func (d *SQLiteDevice) Size() int {
	return d.size
}

// Close closes the database.
func (d *SQLiteDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}
