package v1

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// ID is an entity identifier that arrives from clients as either a JSON
// string or a JSON number. It is stored in canonical string form.
type ID string

// UnmarshalJSON accepts string, number, or null. It never fails on scalar
// input; downstream validation decides whether an empty ID is acceptable.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String returns the canonical string form.
func (id ID) String() string { return string(id) }

// Time is a timestamp that arrives as an ISO-8601 string, a numeric epoch
// (seconds or milliseconds), or null. Unparseable input degrades to the
// zero value instead of failing the whole record.
type Time struct {
	T time.Time
}

// IsZero reports whether no usable timestamp was provided.
func (t Time) IsZero() bool { return t.T.IsZero() }

// MarshalJSON emits RFC 3339 UTC, or null when unset.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.T.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.T.UTC())
}

// UnmarshalJSON parses known timestamp shapes and swallows everything else.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.T = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			t.T = time.Time{}
			return nil
		}
		t.T = parseTimeString(s)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		t.T = time.Time{}
		return nil
	}
	t.T = parseEpoch(f)
	return nil
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	// Bare epoch in a string.
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return parseEpoch(f)
	}
	return time.Time{}
}

func parseEpoch(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	// Heuristic: values past the year ~33658 in seconds are milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// UserRef is a lightweight reference to a platform user profile.
type UserRef struct {
	ID       ID     `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// MediaItem is a media attachment carried by a message.
type MediaItem struct {
	ID       ID      `json:"id,omitempty"`
	URL      string  `json:"url,omitempty"`
	Type     string  `json:"type,omitempty"`
	MimeType string  `json:"mime_type,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Size     int64   `json:"size,omitempty"`
}

// Message is the canonical chat message shape consumed by the pipeline.
//
// ReplyTo is a self-reference: a message may quote another message of the
// same type, hence the pointer indirection.
type Message struct {
	ID         string `json:"id"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`

	CreatedAt Time `json:"created_at,omitempty"`
	ChangedAt Time `json:"changed_at,omitempty"`

	// FromCreator is tri-state: nil means normalization could not decide.
	FromCreator *bool `json:"is_creator,omitempty"`

	IsPinned   bool    `json:"is_pinned,omitempty"`
	IsTip      bool    `json:"is_tip,omitempty"`
	IsFree     bool    `json:"is_free,omitempty"`
	MediaCount int     `json:"media_count,omitempty"`
	Price      float64 `json:"price,omitempty"`

	Media   []MediaItem `json:"media,omitempty"`
	ReplyTo *Message    `json:"reply_to_message,omitempty"`
}

// ChatThread is the canonical conversation thread shape.
type ChatThread struct {
	ID            string         `json:"id"`
	WithUser      *UserRef       `json:"with_user,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
	UnreadCount   int            `json:"unread_count,omitempty"`
	LastMessageAt Time           `json:"last_message_time,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// ---- Graph / enrichment payload types ----

// Topic is a topic vertex surfaced by enrichment.
type Topic struct {
	TopicID     string    `json:"topicId"`
	Description string    `json:"description"`
	Embedding   []float64 `json:"embedding,omitempty"`
	Category    string    `json:"category,omitempty"`
}

// EngagementAction is an engagement-action vertex surfaced by enrichment.
type EngagementAction struct {
	ActionID  string    `json:"actionId"`
	Name      string    `json:"name"`
	Embedding []float64 `json:"embedding,omitempty"`
	Type      string    `json:"type,omitempty"`
}

// InteractionOutcome is an interaction-outcome vertex surfaced by enrichment.
type InteractionOutcome struct {
	OutcomeID string  `json:"outcomeId"`
	Name      string  `json:"name"`
	Score     float64 `json:"score,omitempty"`
}

// ConversationNode is an enriched conversation as delivered to dashboards.
//
// Invariants:
//   - MessageCount equals len(Messages) used for enrichment.
//   - EndDate never precedes StartDate.
type ConversationNode struct {
	ConversationID string    `json:"conversationId"`
	FanID          string    `json:"fanId,omitempty"`
	StartDate      time.Time `json:"startDate"`
	EndDate        time.Time `json:"endDate"`
	MessageCount   int       `json:"messageCount"`

	Messages []Message `json:"messages,omitempty"`

	Topics    []Topic              `json:"topics,omitempty"`
	Actions   []EngagementAction   `json:"actions,omitempty"`
	Sentiment float64              `json:"sentiment"`
	Outcomes  []InteractionOutcome `json:"outcomes,omitempty"`

	// UI sorting context.
	PriorityScore float64  `json:"priorityScore,omitempty"`
	UnreadCount   int      `json:"unreadCount,omitempty"`
	WithUser      *UserRef `json:"withUser,omitempty"`
}

// EnrichmentResult carries enrichment output without full message history.
type EnrichmentResult struct {
	ConversationID string               `json:"conversationId"`
	Topics         []Topic              `json:"topics"`
	Actions        []EngagementAction   `json:"actions"`
	Sentiment      float64              `json:"sentiment"`
	Outcomes       []InteractionOutcome `json:"outcomes"`
}

// ---- Analytics payload types ----

// TopicMetrics aggregates volume and trend for one topic.
type TopicMetrics struct {
	Topic             string  `json:"topic"`
	Volume            int     `json:"volume"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
	Trend             float64 `json:"trend"`
}

// SentimentTrendPoint is one point in the sentiment timeline.
type SentimentTrendPoint struct {
	Date           time.Time `json:"date"`
	SentimentScore float64   `json:"sentiment_score"`
}

// ResponseTimeMetrics aggregates handling-time behavior.
type ResponseTimeMetrics struct {
	AverageHandlingTimeMinutes float64 `json:"average_handling_time_minutes"`
	SilencePercentage          float64 `json:"silence_percentage"`
	Turns                      float64 `json:"turns"`
}

// AnalyticsUpdate is the composed analytics payload sent after every
// snapshot and every delta.
type AnalyticsUpdate struct {
	Topics         []TopicMetrics        `json:"topics"`
	SentimentTrend []SentimentTrendPoint `json:"sentiment_trend"`
	ResponseTime   ResponseTimeMetrics   `json:"response_time_metrics"`

	PriorityScores map[string]float64 `json:"priorityScores,omitempty"`
	UnreadCounts   map[string]int     `json:"unreadCounts,omitempty"`
}

// FullSyncResponse is the one-time post-snapshot payload: every enriched
// conversation plus the composed analytics.
type FullSyncResponse struct {
	Conversations []ConversationNode `json:"conversations"`
	Analytics     AnalyticsUpdate    `json:"analytics"`
}

// SendMessageCommand instructs the extension to send a message to a chat.
type SendMessageCommand struct {
	ChatID   ID     `json:"chat_id"`
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}
