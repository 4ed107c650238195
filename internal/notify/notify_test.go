package notify

import (
	"testing"
	"time"
)

func TestFeedReplacesByID(t *testing.T) {
	feed := NewFeed()
	base := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	feed.Publish(Notification{ID: 1002, Kind: JobMeetingWatch, Body: "first", PublishedAt: base})
	feed.Publish(Notification{ID: 1002, Kind: JobMeetingWatch, Body: "second", PublishedAt: base.Add(5 * time.Minute)})

	snapshot := feed.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("re-publishing an id must replace, got %d entries", len(snapshot))
	}
	if snapshot[0].Body != "second" {
		t.Fatalf("expected the latest body, got %q", snapshot[0].Body)
	}
}

func TestFeedSnapshotNewestFirst(t *testing.T) {
	feed := NewFeed()
	base := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	feed.Publish(Notification{ID: 1001, Kind: JobDailyDigest, PublishedAt: base})
	feed.Publish(Notification{ID: 1002, Kind: JobMeetingWatch, PublishedAt: base.Add(time.Hour)})

	snapshot := feed.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("expected two entries, got %d", len(snapshot))
	}
	if snapshot[0].ID != 1002 || snapshot[1].ID != 1001 {
		t.Fatalf("expected newest first, got %v then %v", snapshot[0].ID, snapshot[1].ID)
	}
}

type countingNotifier struct {
	count int
}

func (c *countingNotifier) Publish(Notification) { c.count++ }

func TestMultiFansOut(t *testing.T) {
	first := &countingNotifier{}
	second := &countingNotifier{}
	multi := Multi{first, second}

	multi.Publish(Notification{ID: 1001})
	if first.count != 1 || second.count != 1 {
		t.Fatalf("expected both notifiers to receive the publish, got %d and %d", first.count, second.count)
	}
}
