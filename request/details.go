package request

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/leave-engine/ledger"
)

type Kind string

const (
	KindLeave    Kind = "leave"
	KindOvertime Kind = "overtime"
)

func (k Kind) Valid() bool { return k == KindLeave || k == KindOvertime }

// Unit is the quantity unit each kind is requested in.
func (k Kind) Unit() ledger.Unit {
	if k == KindOvertime {
		return ledger.UnitHours
	}
	return ledger.UnitDays
}

// NumberPrefix is used in human-readable request numbers.
func (k Kind) NumberPrefix() string {
	if k == KindOvertime {
		return "OT"
	}
	return "LV"
}

// Details carries the fields only one kind of request needs. Implemented by
// LeaveDetails and OvertimeDetails only.
type Details interface {
	Kind() Kind
	Start() time.Time
	Validate() error
	sealed()
}

type LeaveDetails struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

func (LeaveDetails) Kind() Kind         { return KindLeave }
func (d LeaveDetails) Start() time.Time { return d.StartDate }
func (LeaveDetails) sealed()            {}

func (d LeaveDetails) Validate() error {
	if d.StartDate.IsZero() || d.EndDate.IsZero() {
		return fmt.Errorf("%w: leave needs start and end dates", ErrInvalidDetails)
	}
	if d.EndDate.Before(d.StartDate) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidDetails)
	}
	if d.EndDate.Year() != d.StartDate.Year() {
		return fmt.Errorf("%w: leave may not span calendar years", ErrInvalidDetails)
	}
	return nil
}

type OvertimeDetails struct {
	Date time.Time `json:"date"`
}

func (OvertimeDetails) Kind() Kind         { return KindOvertime }
func (d OvertimeDetails) Start() time.Time { return d.Date }
func (OvertimeDetails) sealed()            {}

func (d OvertimeDetails) Validate() error {
	if d.Date.IsZero() {
		return fmt.Errorf("%w: overtime needs a date", ErrInvalidDetails)
	}
	return nil
}

// MarshalDetails encodes details for storage.
func MarshalDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: missing details", ErrInvalidDetails)
	}
	return json.Marshal(d)
}

// UnmarshalDetails decodes stored details for the given kind.
func UnmarshalDetails(kind Kind, data []byte) (Details, error) {
	switch kind {
	case KindLeave:
		var d LeaveDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode leave details: %w", err)
		}
		return d, nil
	case KindOvertime:
		var d OvertimeDetails
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("decode overtime details: %w", err)
		}
		return d, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDetails, kind)
}
