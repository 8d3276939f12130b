package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/equipcare/backend/internal/importer"
)

// wrapStoreError classifies a database failure so the scheduler can decide
// whether retrying makes sense. Connection problems, lock waits, and
// serialization conflicts are transient; constraint violations and the rest
// are permanent.
func wrapStoreError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return importer.NewTransientPersistError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return importer.NewTransientPersistError(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", // connection exceptions
				"40", // transaction rollback (serialization, deadlock)
				"53", // insufficient resources
				"55", // object not in prerequisite state (lock not available)
				"57": // operator intervention (shutdown, cancel)
				return importer.NewTransientPersistError(err)
			}
		}
		return importer.NewPermanentPersistError(err)
	}

	return importer.NewPermanentPersistError(err)
}
