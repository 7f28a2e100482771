// Package insights computes aggregate analytics over the maintained
// conversation state: topic volume, sentiment trend, response-time stats,
// and per-conversation priority/unread signals.
//
// The three range fetchers are placeholder queries against a stubbed
// analytics store. Their parameter contracts are real: the optional date
// range defaults to the trailing 30 days and creator_id is plumbed through
// as a filter even though the placeholder data does not vary by creator.
package insights

import (
	"context"
	"log/slog"
	"math"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"
)

// defaultWindow is the trailing range used when no dates are given.
const defaultWindow = 30 * 24 * time.Hour

// QueryOptions parameterizes an analytics query. Zero dates mean
// "trailing 30 days"; empty CreatorID means "all creators".
type QueryOptions struct {
	StartDate time.Time
	EndDate   time.Time
	CreatorID string
}

// Service executes analytics queries.
type Service struct {
	log *slog.Logger
	now func() time.Time
}

// NewService constructs an insights Service.
func NewService(log *slog.Logger) *Service {
	return &Service{
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source (tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// resolveRange applies the trailing-30-days default and repairs an
// inverted range.
func (s *Service) resolveRange(opts QueryOptions) (time.Time, time.Time) {
	end := opts.EndDate
	if end.IsZero() {
		end = s.now()
	}
	start := opts.StartDate
	if start.IsZero() {
		start = end.Add(-defaultWindow)
	}
	if start.After(end) {
		start = end
	}
	return start, end
}

// TopicMetrics aggregates volume, share, and trend per topic in the range.
func (s *Service) TopicMetrics(ctx context.Context, opts QueryOptions) ([]v1.TopicMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end := s.resolveRange(opts)
	s.log.Debug("insights.topics", "start", start, "end", end, "creator_id", opts.CreatorID)

	// Stub store: fixed aggregate until the graph query backend lands.
	return []v1.TopicMetrics{
		{Topic: "General", Volume: 42, PercentageOfTotal: 70.0, Trend: 0.8},
		{Topic: "Monetization", Volume: 18, PercentageOfTotal: 30.0, Trend: -0.2},
	}, nil
}

// SentimentTrend returns the ordered (date, average sentiment) series for
// the range, one point per day, capped at the range length.
func (s *Service) SentimentTrend(ctx context.Context, opts QueryOptions) ([]v1.SentimentTrendPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start, end := s.resolveRange(opts)
	s.log.Debug("insights.sentiment_trend", "start", start, "end", end, "creator_id", opts.CreatorID)

	days := int(end.Sub(start).Hours()/24) + 1
	if days > 7 {
		days = 7
	}
	if days < 1 {
		days = 1
	}

	points := make([]v1.SentimentTrendPoint, 0, days)
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i)
		// Stub store: smooth deterministic series over the window.
		points = append(points, v1.SentimentTrendPoint{
			Date:           time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC),
			SentimentScore: math.Round((0.5+0.1*math.Sin(float64(i)))*100) / 100,
		})
	}
	return points, nil
}

// ResponseTimeMetrics returns handling-time aggregates for the range.
func (s *Service) ResponseTimeMetrics(ctx context.Context, opts QueryOptions) (v1.ResponseTimeMetrics, error) {
	if err := ctx.Err(); err != nil {
		return v1.ResponseTimeMetrics{}, err
	}
	start, end := s.resolveRange(opts)
	s.log.Debug("insights.response_time", "start", start, "end", end, "creator_id", opts.CreatorID)

	// Stub store: fixed aggregates until the graph query backend lands.
	return v1.ResponseTimeMetrics{
		AverageHandlingTimeMinutes: 15.2,
		SilencePercentage:          35.0,
		Turns:                      5.4,
	}, nil
}

// BuildAnalyticsUpdate composes the three range metrics plus
// per-conversation priority scores and unread counts into one payload.
// Each sub-fetch is independently fault-tolerant: a failure yields that
// metric's zero default without failing the whole payload.
func (s *Service) BuildAnalyticsUpdate(ctx context.Context, userID string, nodes []v1.ConversationNode, opts QueryOptions) v1.AnalyticsUpdate {
	update := v1.AnalyticsUpdate{
		Topics:         []v1.TopicMetrics{},
		SentimentTrend: []v1.SentimentTrendPoint{},
	}

	if topics, err := s.TopicMetrics(ctx, opts); err != nil {
		s.log.Warn("insights.topics.fail", "user_id", userID, "err", err)
	} else {
		update.Topics = topics
	}

	if trend, err := s.SentimentTrend(ctx, opts); err != nil {
		s.log.Warn("insights.sentiment_trend.fail", "user_id", userID, "err", err)
	} else {
		update.SentimentTrend = trend
	}

	if rt, err := s.ResponseTimeMetrics(ctx, opts); err != nil {
		s.log.Warn("insights.response_time.fail", "user_id", userID, "err", err)
	} else {
		update.ResponseTime = rt
	}

	if len(nodes) > 0 {
		update.PriorityScores = make(map[string]float64, len(nodes))
		update.UnreadCounts = make(map[string]int, len(nodes))
		now := s.now()
		for _, n := range nodes {
			update.PriorityScores[n.ConversationID] = PriorityScore(n, now)
			update.UnreadCounts[n.ConversationID] = n.UnreadCount
		}
	}

	return update
}

// PriorityScore ranks a conversation for inbox sorting: unread pressure,
// recency, and sentiment, each normalized to [0, 1].
func PriorityScore(n v1.ConversationNode, now time.Time) float64 {
	unread := float64(n.UnreadCount) / 10
	if unread > 1 {
		unread = 1
	}

	recency := 0.0
	if !n.EndDate.IsZero() {
		age := now.Sub(n.EndDate)
		if age < 0 {
			age = 0
		}
		recency = 1 - age.Hours()/(7*24)
		if recency < 0 {
			recency = 0
		}
	}

	sentiment := (n.Sentiment + 1) / 2
	if sentiment < 0 {
		sentiment = 0
	}
	if sentiment > 1 {
		sentiment = 1
	}

	score := 0.5*unread + 0.3*recency + 0.2*sentiment
	return math.Round(score*1000) / 1000
}
