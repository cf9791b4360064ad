package invoicerelay

import (
	"fmt"
	"strings"
	"time"
)

const (
	DateLayout = "2006/01/02"
	TimeLayout = "2006/01/02 15:04:05"

	// AcceptedExtension is matched case-sensitively against object keys.
	AcceptedExtension = ".xml"
)

type Status string

const (
	StatusCopied   Status = "COPIED"
	StatusUploaded Status = "UPLOADED"
)

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

func (s Status) Valid() bool {
	return s == StatusCopied || s == StatusUploaded
}

func (s Status) Terminal() bool {
	return s == StatusUploaded
}

// CanTransitionTo is the complete transition table for a record.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusCopied && next == StatusUploaded
}

type Key struct {
	FileName string `json:"fileName"`
	Date     string `json:"date"`
}

func (k Key) String() string {
	return k.FileName + "@" + k.Date
}

func (k Key) Validate() error {
	if strings.TrimSpace(k.FileName) == "" {
		return validationError("key", k, "fileName is required")
	}
	if strings.TrimSpace(k.Date) == "" {
		return validationError("key", k, "date is required")
	}
	if _, err := time.Parse(DateLayout, k.Date); err != nil {
		return validationError("key", k, "date %q is not formatted %s", k.Date, DateLayout)
	}
	return nil
}

// Record is the tracking row for one invoice file.
type Record struct {
	FileName   string `json:"fileName" dynamodbav:"fileName"`
	Date       string `json:"date" dynamodbav:"date"`
	BucketName string `json:"bucketName" dynamodbav:"bucketName"`
	MovingTime string `json:"movingTime,omitempty" dynamodbav:"moving_time,omitempty"`
	Status     Status `json:"status" dynamodbav:"file_status"`
}

func (r Record) Key() Key {
	return Key{FileName: r.FileName, Date: r.Date}
}

func (r Record) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.BucketName) == "" {
		return validationError("record", r.Key(), "bucketName is required")
	}
	if !r.Status.Valid() {
		return validationError("record", r.Key(), "status %q is not valid", r.Status)
	}
	if r.MovingTime != "" {
		if _, err := time.Parse(TimeLayout, r.MovingTime); err != nil {
			return validationError("record", r.Key(), "movingTime %q is not formatted %s", r.MovingTime, TimeLayout)
		}
	}
	return nil
}

// MovingTimeIn parses the scheduled move time in loc. The boolean is false
// when the record carries no usable schedule.
func (r Record) MovingTimeIn(loc *time.Location) (time.Time, bool) {
	if strings.TrimSpace(r.MovingTime) == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	parsed, err := time.ParseInLocation(TimeLayout, r.MovingTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

func FormatMovingTime(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimeLayout)
}

// ScanFilter selects records for reconciliation. Zero fields do not constrain.
type ScanFilter struct {
	Status Status
	DueBy  time.Time
	// IncludeUnscheduled also matches records without a parseable movingTime.
	IncludeUnscheduled bool
	Location           *time.Location
	Limit              int
}

// DueByString renders DueBy in the stored layout. Stored times compare
// chronologically as strings, which SQL and DynamoDB filters rely on.
func (f ScanFilter) DueByString() string {
	if f.DueBy.IsZero() {
		return ""
	}
	return FormatMovingTime(f.DueBy, f.Location)
}

func (f ScanFilter) Match(r Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.DueBy.IsZero() {
		return true
	}
	due, ok := r.MovingTimeIn(f.Location)
	if !ok {
		return f.IncludeUnscheduled
	}
	return !due.After(f.DueBy)
}
