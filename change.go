package kvtable

import (
	"fmt"
)

type (
	// Change describes one committed record mutation, delivered to
	// Options.OnChange after the write transaction commits.
	Change struct {
		table  *Table
		op     Op
		id     ID
		record *Record
		old    *Record
	}

	Op int
)

const (
	OpNone   Op = 0
	OpCreate Op = 1
	OpUpdate Op = 2
	OpDelete Op = 3
)

func (chg *Change) Table() *Table {
	return chg.table
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) ID() ID {
	return chg.id
}

// Record is the new state, nil for deletions.
func (chg *Change) Record() *Record {
	return chg.record
}
func (chg *Change) HasOldRecord() bool {
	return chg.old != nil
}

// OldRecord is the state before the change, nil for creations.
func (chg *Change) OldRecord() *Record {
	return chg.old
}

func (chg *Change) String() string {
	return fmt.Sprintf("%s %s/%s", chg.op, chg.table.name, chg.id)
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// notifyChange schedules the change handler to run once tx commits.
func (tx *Tx) notifyChange(tbl *Table, op Op, id ID, rec, old *Record) {
	h := tx.db.onChange
	if h == nil {
		return
	}
	chg := &Change{table: tbl, op: op, id: id, record: rec.Clone(), old: old.Clone()}
	tx.afterCommit(func() {
		h(chg)
	})
}
