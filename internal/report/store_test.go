package report

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/tiktalk/chat-app/internal/protocol"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		r    protocol.Report
		want string
	}{
		{protocol.Report{}, KindGlobal},
		{protocol.Report{IsDM: true}, KindDM},
		{protocol.Report{IsStranger: true}, KindStranger},
	}
	for _, tt := range tests {
		if got := KindOf(tt.r); got != tt.want {
			t.Errorf("KindOf(%+v) = %q, want %q", tt.r, got, tt.want)
		}
	}
}

// newTestArchive connects to the database named by TEST_DATABASE_URL and
// applies migrations. Tests that call it are skipped when the variable is
// unset.
func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := Open(ctx, dsn)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	if err := a.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		a.db.Exec(`DELETE FROM moderation_reports WHERE server = 'test'`)
		a.Close()
	})
	return a
}

func TestInsertAndCountRecent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	ip := "203.0.113.77"

	for i := 0; i < 3; i++ {
		err := a.Insert(ctx, "test", protocol.Report{
			ID:           "r_1",
			ReporterNick: "rep",
			ReporterIP:   "198.51.100.1",
			TargetNick:   "troll",
			IP:           ip,
			Reason:       "spam",
			Source:       "Global Chat",
			Timestamp:    time.Now().UnixMilli(),
		})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	count, err := a.CountRecent(ctx, ip, time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}
