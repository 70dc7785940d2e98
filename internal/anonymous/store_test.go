package anonymous

import (
	"context"
	"errors"
	"testing"

	"github.com/campuslink/chat-app/internal/db/dbtest"
	"github.com/campuslink/chat-app/internal/report"
)

func TestStore_CreateGetRecent(t *testing.T) {
	conn := dbtest.Open(t)
	s := NewStore(conn)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		if _, err := s.Create(ctx, Message{GuestID: "g", PosterUserID: "u1", Content: c}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].Content != "two" || recent[1].Content != "three" {
		t.Fatalf("recent = %+v", recent)
	}
	if recent[0].PosterUserID != "u1" {
		t.Error("poster id not stored")
	}

	if _, err := s.Get(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get unknown: %v", err)
	}
}

func TestStore_ReportCountAndFlag(t *testing.T) {
	conn := dbtest.Open(t)
	s := NewStore(conn)
	reports := report.NewStore(conn)
	ctx := context.Background()

	m, err := s.Create(ctx, Message{GuestID: "g", PosterUserID: "u1", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range []string{"r1", "r2"} {
		if _, err := reports.Create(ctx, &report.Report{MessageID: m.ID, ReporterUserID: r, Reason: "spam"}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReportCount != 2 || got.Flagged {
		t.Errorf("got = %+v", got)
	}

	flipped, err := s.Flag(ctx, m.ID)
	if err != nil || !flipped {
		t.Fatalf("Flag = %v, %v", flipped, err)
	}
	flipped, _ = s.Flag(ctx, m.ID)
	if flipped {
		t.Error("second Flag reported a flip")
	}
}
