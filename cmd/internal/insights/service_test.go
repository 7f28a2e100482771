package insights

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedService(at time.Time) *Service {
	return NewService(testLogger()).WithClock(func() time.Time { return at })
}

func TestResolveRange(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := fixedService(now)

	// Zero options: trailing 30 days ending now.
	start, end := s.resolveRange(QueryOptions{})
	if !end.Equal(now) {
		t.Fatalf("end=%v want now", end)
	}
	if got := end.Sub(start); got != defaultWindow {
		t.Fatalf("window=%v want %v", got, defaultWindow)
	}

	// Explicit range passes through.
	a := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	start, end = s.resolveRange(QueryOptions{StartDate: a, EndDate: b})
	if !start.Equal(a) || !end.Equal(b) {
		t.Fatalf("range=[%v, %v] want [%v, %v]", start, end, a, b)
	}

	// Inverted range collapses to the end date, never errors.
	start, end = s.resolveRange(QueryOptions{StartDate: b, EndDate: a})
	if !start.Equal(a) || !end.Equal(a) {
		t.Fatalf("inverted range=[%v, %v] want collapsed to %v", start, end, a)
	}
}

func TestSentimentTrend_CappedAtSevenPoints(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := fixedService(now)

	points, err := s.SentimentTrend(context.Background(), QueryOptions{})
	if err != nil {
		t.Fatalf("SentimentTrend: %v", err)
	}
	if len(points) != 7 {
		t.Fatalf("points=%d want 7 (30-day window capped)", len(points))
	}
	for i := 1; i < len(points); i++ {
		if !points[i].Date.After(points[i-1].Date) {
			t.Fatalf("points out of order: %v then %v", points[i-1].Date, points[i].Date)
		}
	}

	// A 3-day range yields 3 points.
	points, err = s.SentimentTrend(context.Background(), QueryOptions{
		StartDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SentimentTrend: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("points=%d want 3", len(points))
	}
}

func TestBuildAnalyticsUpdate(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := fixedService(now)

	nodes := []v1.ConversationNode{
		{ConversationID: "c1", UnreadCount: 3, EndDate: now.Add(-time.Hour), Sentiment: 0.5},
		{ConversationID: "c2", UnreadCount: 0, EndDate: now.Add(-30 * 24 * time.Hour)},
	}

	update := s.BuildAnalyticsUpdate(context.Background(), "u1", nodes, QueryOptions{})
	if len(update.Topics) == 0 {
		t.Fatalf("topics empty")
	}
	if len(update.SentimentTrend) == 0 {
		t.Fatalf("sentiment trend empty")
	}
	if update.ResponseTime.AverageHandlingTimeMinutes == 0 {
		t.Fatalf("response time missing")
	}
	if len(update.PriorityScores) != 2 || len(update.UnreadCounts) != 2 {
		t.Fatalf("per-conversation maps: %v / %v", update.PriorityScores, update.UnreadCounts)
	}
	if update.UnreadCounts["c1"] != 3 {
		t.Fatalf("unread c1=%d", update.UnreadCounts["c1"])
	}
	if update.PriorityScores["c1"] <= update.PriorityScores["c2"] {
		t.Fatalf("unread+recent conversation must outrank stale one: %v", update.PriorityScores)
	}

	// No nodes: maps stay nil, aggregates still present.
	update = s.BuildAnalyticsUpdate(context.Background(), "u1", nil, QueryOptions{})
	if update.PriorityScores != nil || update.UnreadCounts != nil {
		t.Fatalf("empty node list must not allocate maps")
	}
	if update.Topics == nil || update.SentimentTrend == nil {
		t.Fatalf("aggregate slices must be non-nil")
	}
}

func TestBuildAnalyticsUpdate_FetchFailureDegrades(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	s := fixedService(now)

	// Cancelled context fails every range fetch; the payload still composes.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	nodes := []v1.ConversationNode{{ConversationID: "c1", UnreadCount: 1}}
	update := s.BuildAnalyticsUpdate(ctx, "u1", nodes, QueryOptions{})

	if len(update.Topics) != 0 || len(update.SentimentTrend) != 0 {
		t.Fatalf("failed fetches must yield empty aggregates: %+v", update)
	}
	if update.Topics == nil || update.SentimentTrend == nil {
		t.Fatalf("aggregates must stay non-nil on failure")
	}
	// Per-conversation signals are computed locally and survive.
	if update.UnreadCounts["c1"] != 1 {
		t.Fatalf("unread=%v", update.UnreadCounts)
	}
}

func TestPriorityScore(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	// Maximal: saturated unread, just-ended, fully positive.
	max := PriorityScore(v1.ConversationNode{
		UnreadCount: 25,
		EndDate:     now,
		Sentiment:   1,
	}, now)
	if max != 1 {
		t.Fatalf("max score=%v want 1", max)
	}

	// Minimal: nothing unread, ancient, fully negative.
	min := PriorityScore(v1.ConversationNode{
		UnreadCount: 0,
		EndDate:     now.Add(-30 * 24 * time.Hour),
		Sentiment:   -1,
	}, now)
	if min != 0 {
		t.Fatalf("min score=%v want 0", min)
	}

	// Zero end date contributes no recency but neutral sentiment still counts.
	neutral := PriorityScore(v1.ConversationNode{Sentiment: 0}, now)
	if neutral != 0.1 {
		t.Fatalf("neutral score=%v want 0.1 (0.2 weight * 0.5)", neutral)
	}

	// Future end dates clamp instead of overshooting.
	future := PriorityScore(v1.ConversationNode{
		EndDate: now.Add(24 * time.Hour),
	}, now)
	if future > 1 {
		t.Fatalf("future end date overshot: %v", future)
	}

	mid := PriorityScore(v1.ConversationNode{UnreadCount: 5, EndDate: now, Sentiment: 0}, now)
	// 0.5*0.5 + 0.3*1 + 0.2*0.5 = 0.65
	if mid != 0.65 {
		t.Fatalf("mid score=%v want 0.65", mid)
	}
}
