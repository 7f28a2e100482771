// Package graph turns enriched conversation data into a labeled property
// graph (vertices + typed edges) and maintains the per-user graph state.
package graph

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"
)

// VertexKind labels a vertex in the LPG.
type VertexKind string

// Vertex kinds.
const (
	VertexFan                VertexKind = "Fan"
	VertexCreator            VertexKind = "Creator"
	VertexConversation       VertexKind = "Conversation"
	VertexTopic              VertexKind = "Topic"
	VertexEngagementAction   VertexKind = "EngagementAction"
	VertexInteractionOutcome VertexKind = "InteractionOutcome"
)

// Edge labels.
const (
	EdgeHasConversation  = "HAS_CONVERSATION"
	EdgeDiscussTopic     = "DISCUSS_TOPIC"
	EdgeUsesEngagement   = "USES_ENGAGEMENT"
	EdgeTargetsTopic     = "TARGETS_TOPIC"
	EdgeResultsInOutcome = "RESULTS_IN_OUTCOME"
)

// Vertex is one node in the per-user LPG.
type Vertex struct {
	ID         string         `json:"id"`
	Kind       VertexKind     `json:"kind"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Edge is one typed, property-bearing relation between two vertices.
type Edge struct {
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties,omitempty"`
}

// BuildResult is the vertex/edge set produced for one conversation.
type BuildResult struct {
	Vertices []Vertex
	Edges    []Edge
}

// Builder constructs vertex/edge sets for one owning creator account.
type Builder struct {
	log       *slog.Logger
	creatorID string
}

// NewBuilder constructs a Builder for the given creator account.
func NewBuilder(log *slog.Logger, creatorID string) *Builder {
	return &Builder{log: log, creatorID: creatorID}
}

// Build produces the graph fragment for one enriched conversation.
//
// Edges: Fan->Conversation, Conversation->Topic, Conversation->Action,
// Action->Topic for every (action, topic) pair, Conversation->Outcome.
func (b *Builder) Build(node v1.ConversationNode, fanID string) (BuildResult, error) {
	if node.ConversationID == "" {
		return BuildResult{}, errors.New("graph: missing conversation id")
	}
	if fanID == "" {
		fanID = "fan_unknown"
	}

	start := node.StartDate
	if start.IsZero() {
		start = time.Now().UTC()
	}
	end := node.EndDate
	if end.IsZero() || end.Before(start) {
		end = start
	}

	fan := Vertex{
		ID:   fanID,
		Kind: VertexFan,
		Properties: map[string]any{
			"sentimentProfile": node.Sentiment,
		},
	}
	creator := Vertex{
		ID:   b.creatorID,
		Kind: VertexCreator,
	}
	conversation := Vertex{
		ID:   node.ConversationID,
		Kind: VertexConversation,
		Properties: map[string]any{
			"startDate":    start.Format(time.RFC3339),
			"endDate":      end.Format(time.RFC3339),
			"messageCount": node.MessageCount,
			"sentiment":    node.Sentiment,
		},
	}

	vertices := []Vertex{fan, creator, conversation}
	edges := []Edge{{
		FromID: fan.ID,
		ToID:   conversation.ID,
		Label:  EdgeHasConversation,
		Properties: map[string]any{
			"attendance": "Participated",
		},
	}}

	for _, t := range node.Topics {
		if t.TopicID == "" {
			return BuildResult{}, fmt.Errorf("graph: conversation %s: topic with empty id", node.ConversationID)
		}
		vertices = append(vertices, Vertex{
			ID:   t.TopicID,
			Kind: VertexTopic,
			Properties: map[string]any{
				"description": t.Description,
				"category":    t.Category,
			},
		})
		edges = append(edges, Edge{
			FromID: conversation.ID,
			ToID:   t.TopicID,
			Label:  EdgeDiscussTopic,
		})
	}

	for _, a := range node.Actions {
		if a.ActionID == "" {
			return BuildResult{}, fmt.Errorf("graph: conversation %s: action with empty id", node.ConversationID)
		}
		vertices = append(vertices, Vertex{
			ID:   a.ActionID,
			Kind: VertexEngagementAction,
			Properties: map[string]any{
				"name": a.Name,
				"type": a.Type,
			},
		})
		edges = append(edges, Edge{
			FromID: conversation.ID,
			ToID:   a.ActionID,
			Label:  EdgeUsesEngagement,
		})
		// Full (action, topic) cross product.
		for _, t := range node.Topics {
			edges = append(edges, Edge{
				FromID: a.ActionID,
				ToID:   t.TopicID,
				Label:  EdgeTargetsTopic,
			})
		}
	}

	for _, o := range node.Outcomes {
		if o.OutcomeID == "" {
			return BuildResult{}, fmt.Errorf("graph: conversation %s: outcome with empty id", node.ConversationID)
		}
		vertices = append(vertices, Vertex{
			ID:   o.OutcomeID,
			Kind: VertexInteractionOutcome,
			Properties: map[string]any{
				"name":  o.Name,
				"score": o.Score,
			},
		})
		edges = append(edges, Edge{
			FromID: conversation.ID,
			ToID:   o.OutcomeID,
			Label:  EdgeResultsInOutcome,
		})
	}

	b.log.Debug("graph.build",
		"conversation_id", node.ConversationID,
		"fan_id", fanID,
		"vertices", len(vertices),
		"edges", len(edges),
	)

	return BuildResult{Vertices: vertices, Edges: edges}, nil
}
