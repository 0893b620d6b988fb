package kvtable

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an update or delete references a record
	// that does not exist. Plain reads report absence with a nil record instead.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a record kept changing under an optimistic
	// update and Options.MaxRetries attempts were exhausted.
	ErrConflict = errors.New("conflicting concurrent modification")

	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrClosed       = errors.New("database is closed")
	ErrUnknownTable = errors.New("unknown table")

	// errRetry aborts the current write attempt without side effects.
	errRetry = errors.New("retry")
)

// StorageError reports a failure of the underlying key-value store. These
// are never swallowed: a dropped write would break the record/index
// consistency.
type StorageError struct {
	Op  string
	Err error
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{op, err}
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// TableError adds table, field and key context to an error.
type TableError struct {
	Table *Table
	Field string
	Key   []byte
	Msg   string
	Err   error
}

func tableErrf(tbl *Table, field string, key []byte, err error, format string, args ...any) error {
	return &TableError{tbl, field, key, fmt.Sprintf(format, args...), err}
}

func (e *TableError) Unwrap() error {
	return e.Err
}

func (e *TableError) Error() string {
	var buf strings.Builder
	if e.Table != nil {
		buf.WriteString(e.Table.Name())
	} else {
		buf.WriteString("<nil table>")
	}
	if e.Field != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Field)
	}
	if e.Key != nil {
		buf.WriteByte('/')
		buf.Write(e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
