package app

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"chatlens/cmd/internal/graph"
	"chatlens/cmd/internal/ingest"
	"chatlens/cmd/internal/insights"
	"chatlens/cmd/internal/metrics"
	"chatlens/cmd/internal/realtime"
	v1 "chatlens/shared/contracts/wss/v1"

	"github.com/jackc/pgx/v5/pgxpool"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.WSGateway,
	ing *ingest.Service,
	ins *insights.Service,
	graphs graph.Store,
	bus realtime.Broadcaster,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/ws/{client_type}/{user_id}", ws.HandleWS)

	mux.HandleFunc("GET /api/v1/insights/topics", func(w http.ResponseWriter, r *http.Request) {
		out, err := ins.TopicMetrics(r.Context(), queryOptions(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/v1/insights/sentiment-trend", func(w http.ResponseWriter, r *http.Request) {
		out, err := ins.SentimentTrend(r.Context(), queryOptions(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/v1/insights/response-time", func(w http.ResponseWriter, r *http.Request) {
		out, err := ins.ResponseTimeMetrics(r.Context(), queryOptions(r))
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /api/v1/insights/full", func(w http.ResponseWriter, r *http.Request) {
		out := ins.BuildAnalyticsUpdate(r.Context(), "", nil, queryOptions(r))
		writeJSON(w, http.StatusOK, out)
	})

	// Recovery path for dashboards that missed the full_sync_response frame.
	mux.HandleFunc("GET /api/v1/sync/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing user id")
			return
		}
		full, ok := ing.FullSnapshot(r.Context(), userID)
		if !ok {
			writeJSONError(w, http.StatusNotFound, "no completed snapshot for user")
			return
		}
		writeJSON(w, http.StatusOK, full)
	})

	// Raw cache inspection, mainly for the extension's debug panel.
	mux.HandleFunc("GET /api/v1/cache/{user_id}/chats", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing user id")
			return
		}
		chats, ready := ing.CachedChats(userID)
		writeJSON(w, http.StatusOK, map[string]any{
			"chats":          chats,
			"snapshot_ready": ready,
		})
	})

	mux.HandleFunc("GET /api/v1/cache/{user_id}/messages", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing user id")
			return
		}
		msgs := ing.CachedMessages(userID, strings.TrimSpace(r.URL.Query().Get("chat_id")))
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	})

	mux.HandleFunc("GET /api/v1/graph/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing user id")
			return
		}
		stats, err := graphs.Stats(r.Context(), userID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		convs, err := graphs.ConversationsFor(r.Context(), userID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		ids := make([]string, 0, len(convs))
		for _, v := range convs {
			ids = append(ids, v.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"vertices":      stats.Vertices,
			"edges":         stats.Edges,
			"conversations": ids,
		})
	})

	mux.HandleFunc("POST /api/v1/commands/{user_id}", func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSONError(w, http.StatusBadRequest, "missing user id")
			return
		}

		var cmd v1.SendMessageCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid command body")
			return
		}
		if cmd.ChatID == "" || strings.TrimSpace(cmd.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "chat_id and text are required")
			return
		}

		frame, err := v1.EncodeOutbound(v1.TypeCommandToExecute, cmd)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := bus.Publish(r.Context(), realtime.ExtensionChannel(userID), frame); err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}

		log.Info("command.dispatched", "user_id", userID, "chat_id", cmd.ChatID.String())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
	})
}

// queryOptions parses the optional start_date/end_date/creator_id query
// parameters. Dates accept RFC 3339 or plain YYYY-MM-DD; unparseable values
// fall back to the service defaults.
func queryOptions(r *http.Request) insights.QueryOptions {
	q := r.URL.Query()
	opts := insights.QueryOptions{
		CreatorID: strings.TrimSpace(q.Get("creator_id")),
	}
	opts.StartDate = parseQueryDate(q.Get("start_date"))
	opts.EndDate = parseQueryDate(q.Get("end_date"))
	return opts
}

func parseQueryDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
