package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/o19s/search-relevance/internal/bus"
	"github.com/o19s/search-relevance/internal/judgments/coec"
	"github.com/o19s/search-relevance/internal/pkg/errors"
	"github.com/o19s/search-relevance/internal/runner"
	"github.com/o19s/search-relevance/internal/sampling"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateJudgments runs a click model over the behavioral events and
// returns the id of the persisted judgment set.
func (s *Server) handleCreateJudgments(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("click_model")
	if model == "" {
		model = coec.Name
	}
	if model != coec.Name {
		writeError(w, errors.InvalidRequestError("unknown click model: "+model))
		return
	}

	params := coec.Parameters{
		MaxRank:        s.cfg.Coec.MaxRank,
		ScrollPageSize: s.cfg.Coec.ScrollPageSize,
		RoundingDigits: s.cfg.Coec.RoundingDigits,
		Workers:        s.cfg.Coec.Workers,
	}
	if maxRank, err := intParam(r, "max_rank", params.MaxRank); err != nil {
		writeError(w, err)
		return
	} else {
		params.MaxRank = maxRank
	}

	clickModel := coec.New(s.engine, s.judgmentStore, s.queryCache, params, s.log)

	start := time.Now()
	judgmentsID, err := clickModel.CalculateJudgments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.collectors.JudgmentsCalculated.Inc()
	s.collectors.JudgmentsDuration.Observe(time.Since(start).Seconds())

	s.publish(r, bus.TopicJudgmentsCreated, map[string]string{"judgments_id": judgmentsID})
	writeJSON(w, http.StatusOK, map[string]string{"judgments_id": judgmentsID})
}

func (s *Server) handleDeleteJudgments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	found, err := s.judgmentStore.DeleteSet(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errors.NotFoundError("judgment set "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"judgments_id": id})
}

// handleCreateQuerySet samples a query set from the query corpus.
func (s *Server) handleCreateQuerySet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := sampling.Parameters{
		Name:           q.Get("name"),
		Description:    q.Get("description"),
		CorpusPageSize: s.cfg.Sampling.CorpusPageSize,
		MaxQueries:     s.cfg.Sampling.MaxQueries,
	}

	size, err := intParam(r, "query_set_size", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	params.QuerySetSize = size

	if seedStr := q.Get("seed"); seedStr != "" {
		seed, err := strconv.ParseInt(seedStr, 10, 64)
		if err != nil {
			writeError(w, errors.ValidationError("invalid seed: "+seedStr))
			return
		}
		params.Seed = seed
	}

	method := q.Get("sampling")
	sampler, newErr := sampling.New(method, s.engine, s.querySets, params, s.log)
	if newErr != nil {
		writeError(w, newErr)
		return
	}

	querySetID, sampleErr := sampler.Sample(r.Context())
	if sampleErr != nil {
		writeError(w, sampleErr)
		return
	}
	s.collectors.QuerySetsCreated.WithLabelValues(sampler.Name()).Inc()

	s.publish(r, bus.TopicQuerySetCreated, map[string]string{"query_set_id": querySetID})
	writeJSON(w, http.StatusOK, map[string]string{"query_set_id": querySetID})
}

func (s *Server) handleGetQuerySet(w http.ResponseWriter, r *http.Request) {
	querySet, err := s.querySets.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, querySet)
}

func (s *Server) handleDeleteQuerySet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	found, err := s.querySets.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errors.NotFoundError("query set "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"query_set_id": id})
}

// handleRunExperiment runs a query set against a live index and responds
// with the scored run result. The query template comes from the request
// body, or from a stored search configuration when
// search_configuration_id is set.
func (s *Server) handleRunExperiment(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := runner.Parameters{
		QuerySetID:     q.Get("query_set_id"),
		JudgmentsID:    q.Get("judgments_id"),
		Index:          q.Get("index"),
		IDField:        q.Get("id_field"),
		SearchPipeline: q.Get("search_pipeline"),
		Application:    q.Get("application"),
	}

	k, err := intParam(r, "k", s.cfg.Runner.DefaultK)
	if err != nil {
		writeError(w, err)
		return
	}
	params.K = k

	if thresholdStr := q.Get("threshold"); thresholdStr != "" {
		threshold, err := strconv.ParseFloat(thresholdStr, 64)
		if err != nil {
			writeError(w, errors.ValidationError("invalid threshold: "+thresholdStr))
			return
		}
		params.Threshold = threshold
	}

	if configID := q.Get("search_configuration_id"); configID != "" {
		config, err := s.searchConfigs.Get(r.Context(), configID)
		if err != nil {
			writeError(w, err)
			return
		}
		params.QueryBody = config.QueryBody
		params.SearchConfig = config.Name
	} else {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, errors.InvalidRequestError("reading request body: "+err.Error()))
			return
		}
		params.QueryBody = string(body)
		params.SearchConfig = q.Get("search_config")
	}

	start := time.Now()
	result, runErr := s.runner.Run(r.Context(), params)
	if runErr != nil {
		s.collectors.RunsCompleted.WithLabelValues("failure").Inc()
		writeError(w, runErr)
		return
	}
	s.collectors.RunsCompleted.WithLabelValues("success").Inc()
	s.collectors.RunDuration.Observe(time.Since(start).Seconds())
	s.collectors.QueriesFailed.Add(float64(result.FailedQueries))

	if s.history != nil {
		if err := s.history.RecordRun(r.Context(), result.RunID, time.Now(), result.Metrics); err != nil {
			s.log.Warn("recording run history", "run_id", result.RunID, "error", err)
		}
	}

	s.publish(r, bus.TopicRunCompleted, map[string]any{
		"run_id":         result.RunID,
		"query_set_id":   result.QuerySetID,
		"failed_queries": result.FailedQueries,
	})
	writeJSON(w, http.StatusOK, result)
}

// handleRunHistory returns recent run-level aggregates for one metric,
// read from the Redis-backed history.
func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.ParseDuration(sinceStr)
		if err != nil || parsed <= 0 {
			writeError(w, errors.ValidationError("invalid since: "+sinceStr))
			return
		}
		window = parsed
	}

	if s.history == nil {
		writeError(w, errors.New(errors.CodeUnavailable, "run history requires redis to be configured"))
		return
	}

	metric := r.PathValue("metric")
	points, err := s.history.Load(r.Context(), metric, time.Now().Add(-window))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": metric, "points": points})
}

func (s *Server) handleCreateSearchConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"name"`
		QueryBody string `json:"query_body"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	id, err := s.searchConfigs.Save(r.Context(), req.Name, req.QueryBody)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleListSearchConfigs(w http.ResponseWriter, r *http.Request) {
	size, err := intParam(r, "size", 100)
	if err != nil {
		writeError(w, err)
		return
	}

	configs, listErr := s.searchConfigs.List(r.Context(), size)
	if listErr != nil {
		writeError(w, listErr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"search_configurations": configs})
}

func (s *Server) handleDeleteSearchConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	found, err := s.searchConfigs.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		writeError(w, errors.NotFoundError("search configuration "+id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// publish emits a lifecycle notification. Publish failures are logged, not
// surfaced to the client.
func (s *Server) publish(r *http.Request, topic string, payload any) {
	event := bus.Event{
		ID:        uuid.NewString(),
		Type:      topic,
		Source:    "search-relevance",
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
	if err := s.bus.Publish(r.Context(), topic, event); err != nil {
		s.log.Warn("publishing event", "topic", topic, "error", err)
	}
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, fallback int) (int, *errors.AppError) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.ValidationError("invalid " + name + ": " + raw)
	}
	return value, nil
}
