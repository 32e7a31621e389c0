package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/happy-bday-app-sub003/internal/domain"
	"github.com/fairyhunter13/happy-bday-app-sub003/internal/worker"
)

var _ worker.AnalyticsSink = (*RedisSink)(nil)

func TestDayBucket_UTC(t *testing.T) {
	// 23:30 in Tokyo on June 16 is still June 16 in UTC.
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := time.Date(2026, time.June, 16, 23, 30, 0, 0, loc)

	if got := dayBucket(local); got != "20260616" {
		t.Errorf("dayBucket = %q, want 20260616", got)
	}
}

func TestSentKey_PerEventTypePerDay(t *testing.T) {
	k1 := sentKey(domain.EventTypeBirthday, "20260615")
	k2 := sentKey(domain.EventTypeAnniversary, "20260615")
	k3 := sentKey(domain.EventTypeBirthday, "20260616")

	if k1 != "bday:sent:birthday:20260615" {
		t.Errorf("unexpected key %q", k1)
	}
	if k1 == k2 || k1 == k3 {
		t.Errorf("keys must be distinct per event type and day: %q %q %q", k1, k2, k3)
	}
}

func TestLastSentKey(t *testing.T) {
	id := uuid.MustParse("6b1b4a2e-90c5-4a58-b80e-6f1a97c2f001")
	want := "bday:contact:6b1b4a2e-90c5-4a58-b80e-6f1a97c2f001:last_sent"
	if got := lastSentKey(id); got != want {
		t.Errorf("lastSentKey = %q, want %q", got, want)
	}
}
