// Package ledger keeps a durable record of every device address change so
// that devices left mid change can be found after a crash.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/asdine/storm/v3/q"
	"github.com/google/uuid"

	serr "github.com/CodedInternet/servobus/onboard/errors"
	"github.com/CodedInternet/servobus/onboard/servo"
)

const (
	OUTCOME_PENDING = "pending"
	OUTCOME_DONE    = "done"
	OUTCOME_FAILED  = "failed"
	OUTCOME_PARTIAL = "partial"
)

var ERR_UNKNOWN_RECORD = errors.New("no such reassignment record")

// Reassignment is one attempt to move a device to a new address.
type Reassignment struct {
	ID       string    `storm:"id" json:"id"`
	Bus      string    `storm:"index" json:"bus"`
	From     uint8     `json:"from"`
	To       uint8     `storm:"index" json:"to"`
	Step     int       `json:"step"`
	Outcome  string    `storm:"index" json:"outcome"`
	Error    string    `json:"error,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
}

// Unresolved reports whether the device may answer to either address.
func (r Reassignment) Unresolved() bool {
	return r.Outcome == OUTCOME_PENDING || r.Outcome == OUTCOME_PARTIAL
}

type Ledger struct {
	db   *storm.DB
	owns bool
}

var _ servo.Ledger = (*Ledger)(nil)

// New keeps records in an already open database.
func New(db *storm.DB) (*Ledger, error) {
	if err := db.Init(&Reassignment{}); err != nil {
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Open creates or opens a dedicated database file.
func Open(path string) (*Ledger, error) {
	db, err := storm.Open(path)
	if err != nil {
		return nil, err
	}
	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.owns = true
	return l, nil
}

func (l *Ledger) Close() error {
	if !l.owns {
		return nil
	}
	return l.db.Close()
}

func (l *Ledger) Begin(bus string, from, to uint8) (string, error) {
	r := Reassignment{
		ID:      uuid.NewString(),
		Bus:     bus,
		From:    from,
		To:      to,
		Outcome: OUTCOME_PENDING,
		Started: time.Now().UTC(),
	}
	if err := l.db.Save(&r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// Finish records the outcome of an attempt. step is the last step started.
func (l *Ledger) Finish(id string, step int, cause error) error {
	var r Reassignment
	if err := l.db.One("ID", id, &r); err != nil {
		if errors.Is(err, storm.ErrNotFound) {
			return fmt.Errorf("%w: %s", ERR_UNKNOWN_RECORD, id)
		}
		return err
	}

	r.Step = step
	r.Finished = time.Now().UTC()
	r.Outcome = OUTCOME_DONE
	if cause != nil {
		r.Error = cause.Error()
		r.Outcome = OUTCOME_FAILED
		var rerr *serr.ReassignError
		if errors.As(cause, &rerr) && rerr.Partial() {
			r.Outcome = OUTCOME_PARTIAL
		}
	}
	return l.db.Save(&r)
}

func sortByStart(records []Reassignment) []Reassignment {
	sort.SliceStable(records, func(i, j int) bool { return records[i].Started.Before(records[j].Started) })
	return records
}

// Unresolved lists attempts that were interrupted or left partial, oldest
// first.
func (l *Ledger) Unresolved() ([]Reassignment, error) {
	var out []Reassignment
	err := l.db.Select(q.Or(
		q.Eq("Outcome", OUTCOME_PENDING),
		q.Eq("Outcome", OUTCOME_PARTIAL),
	)).Find(&out)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	return sortByStart(out), nil
}

// History lists every attempt on bus, or on all buses when bus is empty.
func (l *Ledger) History(bus string) ([]Reassignment, error) {
	var out []Reassignment
	var err error
	if bus == "" {
		err = l.db.All(&out)
	} else {
		err = l.db.Find("Bus", bus, &out)
	}
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return nil, err
	}
	return sortByStart(out), nil
}

// NVMWrites counts the stores attempted by reassignments to addr on bus.
// Each one consumes a write cycle of the device memory.
func (l *Ledger) NVMWrites(bus string, addr uint8) (int, error) {
	var out []Reassignment
	err := l.db.Select(
		q.Eq("Bus", bus),
		q.Eq("To", addr),
		q.Gte("Step", serr.StepSave),
	).Find(&out)
	if err != nil && !errors.Is(err, storm.ErrNotFound) {
		return 0, err
	}
	return len(out), nil
}
