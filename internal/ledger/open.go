package ledger

import (
	"context"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/sirupsen/logrus"
)

// Backends understood by Open.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Open builds a file-backed ledger. PostgreSQL ledgers live in the store package.
func Open(ctx context.Context, backend, path string, useLock bool, logger logrus.FieldLogger) (attendance.Ledger, error) {
	switch backend {
	case "", BackendCSV:
		l, err := NewCSV(path, useLock, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case BackendSQLite:
		l, err := NewSQLite(ctx, path, useLock, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
