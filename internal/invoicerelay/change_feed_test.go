package invoicerelay

import (
	"context"
	"testing"
	"time"
)

func nextEvent(t *testing.T, events <-chan ChangeEvent) ChangeEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	return ChangeEvent{}
}

func TestNotifyingTrackingStorePublishesWrites(t *testing.T) {
	feed := NewChangeFeed(8)
	store := NewNotifyingTrackingStore(NewInMemoryTrackingStore(), feed)
	events, cancel := feed.Subscribe()
	defer cancel()
	ctx := context.Background()

	record := sampleRecord("invoice123.xml", "2024/01/15 10:30:00")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	insert := nextEvent(t, events)
	if insert.Type != ChangeInsert || insert.NewImage == nil || *insert.NewImage != record || insert.Sequence != 1 {
		t.Fatalf("unexpected insert event %+v", insert)
	}

	if _, err := store.Reschedule(ctx, record.Key(), "2024/01/15 09:00:00"); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	reschedule := nextEvent(t, events)
	if reschedule.Type != ChangeModify || reschedule.OldImage == nil || reschedule.OldImage.MovingTime != record.MovingTime {
		t.Fatalf("unexpected reschedule event %+v", reschedule)
	}
	if reschedule.NewImage.Status != StatusCopied || reschedule.NewImage.MovingTime != "2024/01/15 09:00:00" {
		t.Fatalf("unexpected reschedule new image %+v", reschedule.NewImage)
	}

	if _, err := store.UpdateStatus(ctx, record.Key(), StatusCopied, StatusUploaded); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	modify := nextEvent(t, events)
	if modify.Type != ChangeModify || modify.OldImage.Status != StatusCopied || modify.NewImage.Status != StatusUploaded {
		t.Fatalf("unexpected status event %+v", modify)
	}

	// Failed writes publish nothing.
	if _, err := store.UpdateStatus(ctx, record.Key(), StatusCopied, StatusUploaded); err == nil {
		t.Fatalf("expected conflict on second update")
	}
	if err := store.Delete(ctx, record.Key()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	remove := nextEvent(t, events)
	if remove.Type != ChangeRemove || remove.OldImage == nil || remove.OldImage.Status != StatusUploaded || remove.NewImage != nil {
		t.Fatalf("unexpected remove event %+v", remove)
	}
	if remove.Sequence != 4 {
		t.Fatalf("expected sequence 4 after four committed writes, got %d", remove.Sequence)
	}
}

func TestChangeFeedDropsWhenSubscriberIsFull(t *testing.T) {
	feed := NewChangeFeed(1)
	events, cancel := feed.Subscribe()
	feed.Publish(ChangeEvent{Type: ChangeInsert})
	feed.Publish(ChangeEvent{Type: ChangeModify})
	if feed.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", feed.Dropped())
	}
	if evt := nextEvent(t, events); evt.Type != ChangeInsert {
		t.Fatalf("expected buffered insert, got %+v", evt)
	}
	cancel()
	cancel()
	if _, open := <-events; open {
		t.Fatalf("expected channel closed after cancel")
	}
	// Publishing after the last subscriber left must not block or panic.
	feed.Publish(ChangeEvent{Type: ChangeRemove})
}
