// Package enrich derives topics, engagement actions, sentiment, and
// interaction outcomes from raw conversation data.
//
// The stage implementations are deterministic placeholders for real model
// inference. The contract they run under is real: a stage failure degrades
// to an empty/neutral result, and Enrich itself never fails — every input
// conversation yields exactly one node.
package enrich

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"
)

// Stage functions compute one enrichment facet from a message subset.
type (
	TopicStage     func([]v1.Message) ([]v1.Topic, error)
	ActionStage    func([]v1.Message) ([]v1.EngagementAction, error)
	SentimentStage func([]v1.Message) (float64, error)
	OutcomeStage   func([]v1.Message) ([]v1.InteractionOutcome, error)
)

// Service runs the enrichment pipeline for one conversation at a time.
type Service struct {
	log *slog.Logger
	now func() time.Time

	topics    TopicStage
	actions   ActionStage
	sentiment SentimentStage
	outcomes  OutcomeStage
}

// Option configures a Service.
type Option func(*Service)

// WithTopicStage replaces the topic-extraction stage.
func WithTopicStage(fn TopicStage) Option { return func(s *Service) { s.topics = fn } }

// WithActionStage replaces the action-classification stage.
func WithActionStage(fn ActionStage) Option { return func(s *Service) { s.actions = fn } }

// WithSentimentStage replaces the sentiment-scoring stage.
func WithSentimentStage(fn SentimentStage) Option { return func(s *Service) { s.sentiment = fn } }

// WithOutcomeStage replaces the outcome-detection stage.
func WithOutcomeStage(fn OutcomeStage) Option { return func(s *Service) { s.outcomes = fn } }

// WithClock replaces the time source (used by tests for date determinism).
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService constructs a Service with the placeholder stages.
func NewService(log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		topics:    ExtractTopics,
		actions:   ClassifyActions,
		sentiment: ScoreSentiment,
		outcomes:  DetectOutcomes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enrich produces the enriched node for one conversation.
//
// The message subset is the provided full message list filtered by chat id
// when one is given, falling back to the conversation's embedded messages.
// On an unexpected panic the node degrades to zero values rather than being
// omitted, so callers always receive one node per input conversation.
func (s *Service) Enrich(conv v1.ChatThread, allMessages []v1.Message) (node v1.ConversationNode) {
	fanID := "fan_unknown"
	if conv.WithUser != nil && conv.WithUser.ID != "" {
		fanID = conv.WithUser.ID.String()
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("enrich.panic", "conversation_id", conv.ID, "panic", fmt.Sprint(r))
			now := s.now()
			node = v1.ConversationNode{
				ConversationID: conv.ID,
				FanID:          fanID,
				StartDate:      now,
				EndDate:        now,
				Topics:         []v1.Topic{},
				Actions:        []v1.EngagementAction{},
				Outcomes:       []v1.InteractionOutcome{},
				WithUser:       conv.WithUser,
			}
		}
	}()

	messages := conv.Messages
	if allMessages != nil {
		messages = nil
		for _, m := range allMessages {
			if m.ChatID == conv.ID {
				messages = append(messages, m)
			}
		}
	}

	start, end := conversationSpan(messages, s.now)

	topics := s.runTopics(conv.ID, messages)
	actions := s.runActions(conv.ID, messages)
	sentiment := s.runSentiment(conv.ID, messages)
	outcomes := s.runOutcomes(conv.ID, messages)

	s.log.Debug("enrich.done",
		"conversation_id", conv.ID,
		"messages", len(messages),
		"topics", len(topics),
		"actions", len(actions),
		"sentiment", sentiment,
		"outcomes", len(outcomes),
	)

	return v1.ConversationNode{
		ConversationID: conv.ID,
		FanID:          fanID,
		StartDate:      start,
		EndDate:        end,
		MessageCount:   len(messages),
		Messages:       messages,
		Topics:         topics,
		Actions:        actions,
		Sentiment:      sentiment,
		Outcomes:       outcomes,
		UnreadCount:    conv.UnreadCount,
		WithUser:       conv.WithUser,
	}
}

// Result extracts the broadcast-friendly enrichment payload from a node.
func Result(node v1.ConversationNode) v1.EnrichmentResult {
	return v1.EnrichmentResult{
		ConversationID: node.ConversationID,
		Topics:         node.Topics,
		Actions:        node.Actions,
		Sentiment:      node.Sentiment,
		Outcomes:       node.Outcomes,
	}
}

// conversationSpan derives start/end from the first/last message timestamp,
// defaulting to now when no usable timestamp exists. End never precedes start.
func conversationSpan(messages []v1.Message, now func() time.Time) (time.Time, time.Time) {
	var start, end time.Time
	for _, m := range messages {
		if m.CreatedAt.IsZero() {
			continue
		}
		t := m.CreatedAt.T
		if start.IsZero() || t.Before(start) {
			start = t
		}
		if end.IsZero() || t.After(end) {
			end = t
		}
	}
	if start.IsZero() {
		start = now()
	}
	if end.IsZero() || end.Before(start) {
		end = start
	}
	return start, end
}

// ---- stage runners (fault containment) ----

func (s *Service) runTopics(convID string, msgs []v1.Message) (out []v1.Topic) {
	defer s.contain(convID, "topics", func() { out = []v1.Topic{} })
	got, err := s.topics(msgs)
	if err != nil {
		s.log.Warn("enrich.topics.fail", "conversation_id", convID, "err", err)
		return []v1.Topic{}
	}
	if got == nil {
		got = []v1.Topic{}
	}
	return got
}

func (s *Service) runActions(convID string, msgs []v1.Message) (out []v1.EngagementAction) {
	defer s.contain(convID, "actions", func() { out = []v1.EngagementAction{} })
	got, err := s.actions(msgs)
	if err != nil {
		s.log.Warn("enrich.actions.fail", "conversation_id", convID, "err", err)
		return []v1.EngagementAction{}
	}
	if got == nil {
		got = []v1.EngagementAction{}
	}
	return got
}

func (s *Service) runSentiment(convID string, msgs []v1.Message) (out float64) {
	defer s.contain(convID, "sentiment", func() { out = 0 })
	got, err := s.sentiment(msgs)
	if err != nil {
		s.log.Warn("enrich.sentiment.fail", "conversation_id", convID, "err", err)
		return 0
	}
	return got
}

func (s *Service) runOutcomes(convID string, msgs []v1.Message) (out []v1.InteractionOutcome) {
	defer s.contain(convID, "outcomes", func() { out = []v1.InteractionOutcome{} })
	got, err := s.outcomes(msgs)
	if err != nil {
		s.log.Warn("enrich.outcomes.fail", "conversation_id", convID, "err", err)
		return []v1.InteractionOutcome{}
	}
	if got == nil {
		got = []v1.InteractionOutcome{}
	}
	return got
}

// contain converts a stage panic into the stage's neutral value.
func (s *Service) contain(convID, stage string, neutral func()) {
	if r := recover(); r != nil {
		s.log.Warn("enrich.stage.panic", "conversation_id", convID, "stage", stage, "panic", fmt.Sprint(r))
		neutral()
	}
}

// ---- placeholder stage implementations ----
//
// Pure functions of their input: identical messages always yield identical
// results, which the realtime contract relies on.

var sentimentLexicon = map[string]float64{
	"love": 1, "great": 1, "amazing": 1, "thanks": 0.5, "thank": 0.5,
	"good": 0.5, "nice": 0.5, "yes": 0.25,
	"bad": -0.5, "hate": -1, "awful": -1, "no": -0.25, "never": -0.5,
}

// ExtractTopics is the default topic stage.
func ExtractTopics(messages []v1.Message) ([]v1.Topic, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	topics := []v1.Topic{{
		TopicID:     "topic_general",
		Description: "General conversation",
		Category:    "General",
	}}
	for _, m := range messages {
		if m.IsTip || m.Price > 0 {
			topics = append(topics, v1.Topic{
				TopicID:     "topic_monetization",
				Description: "Tips and paid content",
				Category:    "Monetization",
			})
			break
		}
	}
	return topics, nil
}

// ClassifyActions is the default engagement-action stage.
func ClassifyActions(messages []v1.Message) ([]v1.EngagementAction, error) {
	seen := make(map[string]struct{}, 3)
	var actions []v1.EngagementAction
	add := func(id, name, typ string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		actions = append(actions, v1.EngagementAction{ActionID: id, Name: name, Type: typ})
	}
	for _, m := range messages {
		switch {
		case m.IsTip:
			add("action_tip", "Tip", "tip")
		case len(m.Media) > 0 || m.MediaCount > 0:
			add("action_send_media", "Send Media", "media")
		case m.Text != "":
			add("action_send_text", "Send Text", "text")
		}
	}
	return actions, nil
}

// ScoreSentiment is the default sentiment stage: a small lexicon average
// clamped to [-1, 1].
func ScoreSentiment(messages []v1.Message) (float64, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	var score float64
	var words int
	for _, m := range messages {
		for _, w := range strings.Fields(strings.ToLower(m.Text)) {
			w = strings.Trim(w, ".,!?:;\"'")
			if s, ok := sentimentLexicon[w]; ok {
				score += s
			}
			words++
		}
	}
	if words == 0 {
		return 0, nil
	}
	avg := score / float64(words) * 4 // stretch: lexicon hits are sparse
	if avg > 1 {
		avg = 1
	}
	if avg < -1 {
		avg = -1
	}
	return avg, nil
}

// DetectOutcomes is the default outcome stage.
func DetectOutcomes(messages []v1.Message) ([]v1.InteractionOutcome, error) {
	var outcomes []v1.InteractionOutcome
	var tipTotal float64
	for _, m := range messages {
		if m.IsTip {
			tipTotal += m.Price
		}
	}
	if tipTotal > 0 {
		outcomes = append(outcomes, v1.InteractionOutcome{
			OutcomeID: "outcome_tip",
			Name:      "Tip Received",
			Score:     tipTotal,
		})
	}
	if s, _ := ScoreSentiment(messages); s > 0.2 {
		outcomes = append(outcomes, v1.InteractionOutcome{
			OutcomeID: "outcome_positive_sentiment",
			Name:      "Positive Sentiment",
			Score:     s,
		})
	}
	return outcomes, nil
}
