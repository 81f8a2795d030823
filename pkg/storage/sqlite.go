package storage

import (
	"errors"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
)

// OpenSQLite opens path with foreign keys enforced and a busy timeout. The
// file is created with FileMode when absent; an existing file is tightened to
// FileMode.
func OpenSQLite(path string) (*sqlx.DB, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	if err := os.Chmod(path, FileMode); err != nil {
		return nil, fmt.Errorf("failed to set permissions: %w", err)
	}

	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One handle per scope; SQLite serialises writers anyway.
	db.SetMaxOpenConns(1)
	return db, nil
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY violation.
func IsUniqueViolation(err error) bool {
	return hasExtendedCode(err, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey)
}

// IsForeignKeyViolation reports whether err is a FOREIGN KEY violation.
func IsForeignKeyViolation(err error) bool {
	return hasExtendedCode(err, sqlite3.ErrConstraintForeignKey)
}

// IsCheckViolation reports whether err is a CHECK constraint violation.
func IsCheckViolation(err error) bool {
	return hasExtendedCode(err, sqlite3.ErrConstraintCheck)
}

func hasExtendedCode(err error, codes ...sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.ExtendedCode == c {
			return true
		}
	}
	return false
}
