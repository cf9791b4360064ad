package invoicerelay

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTransitionsOnlyCopiedToUploaded(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCopied, StatusUploaded, true},
		{StatusUploaded, StatusCopied, false},
		{StatusUploaded, StatusUploaded, false},
		{StatusCopied, StatusCopied, false},
		{Status("MOVED"), StatusUploaded, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.want {
			t.Fatalf("expected %s -> %s allowed=%v, got %v", tc.from, tc.to, tc.want, got)
		}
	}
	if !StatusUploaded.Terminal() || StatusCopied.Terminal() {
		t.Fatalf("expected only UPLOADED to be terminal")
	}
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	status, err := ParseStatus(" COPIED ")
	if err != nil || status != StatusCopied {
		t.Fatalf("expected COPIED, got %q (err=%v)", status, err)
	}
	if _, err := ParseStatus("copied"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for lowercase status, got %v", err)
	}
}

func TestKeyValidateRequiresFormattedDate(t *testing.T) {
	if err := (Key{FileName: "invoice123.xml", Date: "2024/01/15"}).Validate(); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
	for _, key := range []Key{
		{Date: "2024/01/15"},
		{FileName: "invoice123.xml"},
		{FileName: "invoice123.xml", Date: "2024-01-15"},
	} {
		err := key.Validate()
		if KindOf(err) != KindValidation {
			t.Fatalf("expected validation error for %+v, got %v", key, err)
		}
	}
}

func TestRecordValidateChecksMovingTimeLayout(t *testing.T) {
	record := Record{FileName: "a.xml", Date: "2024/01/15", BucketName: "b", Status: StatusCopied, MovingTime: "2024/01/15 10:30:00"}
	if err := record.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
	record.MovingTime = "2024-01-15T10:30:00Z"
	if err := record.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bad movingTime, got %v", err)
	}
}

func TestScanFilterMatchesDueCopiedRecords(t *testing.T) {
	now := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	filter := ScanFilter{Status: StatusCopied, DueBy: now}

	due := Record{FileName: "a.xml", Date: "2024/01/15", BucketName: "b", Status: StatusCopied, MovingTime: "2024/01/15 10:30:00"}
	exact := due
	exact.MovingTime = "2024/01/15 11:00:00"
	future := due
	future.MovingTime = "2024/01/15 11:00:01"
	uploaded := due
	uploaded.Status = StatusUploaded
	unscheduled := due
	unscheduled.MovingTime = ""

	if !filter.Match(due) || !filter.Match(exact) {
		t.Fatalf("expected past and exactly-due records to match")
	}
	if filter.Match(future) {
		t.Fatalf("expected future record not to match")
	}
	if filter.Match(uploaded) {
		t.Fatalf("expected UPLOADED record not to match")
	}
	if filter.Match(unscheduled) {
		t.Fatalf("expected unscheduled record not to match by default")
	}
	filter.IncludeUnscheduled = true
	if !filter.Match(unscheduled) {
		t.Fatalf("expected unscheduled record to match when included")
	}
	if got := filter.DueByString(); got != "2024/01/15 11:00:00" {
		t.Fatalf("expected due-by string in stored layout, got %q", got)
	}
}

func TestErrorKindsMatchSentinels(t *testing.T) {
	key := Key{FileName: "a.xml", Date: "2024/01/15"}
	err := inconsistencyError("delete_source", key, errors.New("boom"))
	if !errors.Is(err, ErrInconsistency) || errors.Is(err, ErrTransient) {
		t.Fatalf("expected inconsistency error only, got %v", err)
	}
	if KindOf(errors.New("network down")) != KindTransient {
		t.Fatalf("expected unclassified errors to be transient")
	}
	if KindOf(ErrNotFound) != KindNotFound {
		t.Fatalf("expected bare ErrNotFound to classify as not_found")
	}
	conflict := &StatusConflictError{Key: key, Expected: StatusCopied, Current: StatusUploaded}
	if !errors.Is(conflict, ErrStatusConflict) {
		t.Fatalf("expected conflict to match ErrStatusConflict")
	}
	if got := err.Error(); got != "delete_source: inconsistency [a.xml@2024/01/15]: boom" {
		t.Fatalf("unexpected error text %q", got)
	}
}
