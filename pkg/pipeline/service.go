// Package pipeline ties retrieval, the agents and the judge into the two
// operations served to callers: retrieve and triage.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/pkg/agent"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/judge"
	"github.com/xhad/doctorbot/pkg/logging"
	"github.com/xhad/doctorbot/pkg/retriever"
)

const (
	DefaultTopK = 8
	MaxTopK     = 50
)

type RetrieveRequest struct {
	Query       string `json:"query"`
	TopK        int    `json:"top_k"`
	UseReranker bool   `json:"use_reranker"`
}

type RetrieveResponse struct {
	Query     string                `json:"query"`
	Hits      []models.RetrievalHit `json:"hits"`
	TotalHits int                   `json:"total_hits"`
}

// TriageRequest asks for follow-up questions when FollowupAnswers is empty,
// and for a judged triage note otherwise. Answers are keyed by question text.
type TriageRequest struct {
	Query           string            `json:"query"`
	FollowupAnswers map[string]string `json:"followup_answers,omitempty"`
	TopK            int               `json:"top_k"`
}

// Stage names a step of a triage request, reported to progress callbacks.
type Stage string

const (
	StageRetrieving Stage = "retrieving"
	StageFollowups  Stage = "generating_followups"
	StageNote       Stage = "generating_note"
	StageJudging    Stage = "judging"
	StageDone       Stage = "done"
)

type Config struct {
	DefaultTopK    int
	RequestTimeout time.Duration
	// UseReranker applies the re-ranker to the evidence gathered for triage.
	UseReranker bool
	Logger      *log.Logger
}

// Service is built once at startup and shared by all requests.
type Service struct {
	retriever *retriever.Retriever
	followups *agent.FollowupAgent
	triage    *agent.TriageAgent
	judge     *judge.Judge
	config    Config
	logger    *log.Logger
}

func New(r *retriever.Retriever, f *agent.FollowupAgent, t *agent.TriageAgent, j *judge.Judge, config Config) (*Service, error) {
	if r == nil || f == nil || t == nil || j == nil {
		return nil, errs.Configuration("pipeline needs a retriever, both agents and a judge")
	}
	if config.DefaultTopK <= 0 {
		config.DefaultTopK = DefaultTopK
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 120 * time.Second
	}
	return &Service{
		retriever: r,
		followups: f,
		triage:    t,
		judge:     j,
		config:    config,
		logger:    logging.OrNop(config.Logger),
	}, nil
}

// ChunkCount is the number of chunks behind the retriever.
func (s *Service) ChunkCount() int {
	return s.retriever.Len()
}

func (s *Service) topK(k int) (int, error) {
	switch {
	case k == 0:
		return s.config.DefaultTopK, nil
	case k < 0 || k > MaxTopK:
		return 0, errs.BadRequest("top_k must be between 1 and %d, got %d", MaxTopK, k)
	}
	return k, nil
}

func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (RetrieveResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return RetrieveResponse{}, errs.BadRequest("query is required")
	}
	k, err := s.topK(req.TopK)
	if err != nil {
		return RetrieveResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	hits, err := s.retriever.Retrieve(ctx, query, k, req.UseReranker)
	if err != nil {
		return RetrieveResponse{}, deadline(ctx, "retrieve", err)
	}
	return RetrieveResponse{Query: query, Hits: hits, TotalHits: len(hits)}, nil
}

// Triage runs one triage request; see TriageStream.
func (s *Service) Triage(ctx context.Context, req TriageRequest) (models.TriageResult, error) {
	return s.TriageStream(ctx, req, nil)
}

// TriageStream is Triage with a callback invoked as each stage starts.
func (s *Service) TriageStream(ctx context.Context, req TriageRequest, progress func(Stage)) (models.TriageResult, error) {
	if progress == nil {
		progress = func(Stage) {}
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errs.BadRequest("query is required")
	}
	k, err := s.topK(req.TopK)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()
	started := time.Now()

	progress(StageRetrieving)
	hits, err := s.retriever.Retrieve(ctx, query, k, s.config.UseReranker)
	if err != nil {
		return nil, deadline(ctx, "retrieve evidence", err)
	}

	if len(req.FollowupAnswers) == 0 {
		progress(StageFollowups)
		questions, err := s.followups.GenerateFollowups(ctx, query, hits)
		if err != nil {
			return nil, deadline(ctx, "generate follow-ups", err)
		}
		progress(StageDone)
		s.logger.Info().Int("questions", len(questions)).Dur("elapsed", time.Since(started)).Msg("asked follow-ups")
		return models.AskFollowups{Questions: questions, Hits: hits}, nil
	}

	progress(StageNote)
	note, err := s.triage.GenerateTriageNote(ctx, query, req.FollowupAnswers, hits)
	if err != nil {
		return nil, deadline(ctx, "generate triage note", err)
	}

	progress(StageJudging)
	verdict, err := s.judge.Evaluate(ctx, note, hits)
	if err != nil {
		return nil, deadline(ctx, "judge triage note", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, deadline(ctx, "judge triage note", err)
	}

	progress(StageDone)
	s.logger.Info().
		Str("decision", string(verdict.Decision)).
		Float64("score", verdict.OverallScore).
		Int("hits", len(hits)).
		Dur("elapsed", time.Since(started)).
		Msg("triage complete")
	return models.ReturnTriage{Note: note, Verdict: verdict, Hits: hits}, nil
}

// deadline reports a request that ran out of time as ErrTimeout.
func deadline(ctx context.Context, op string, err error) error {
	if errors.Is(err, errs.ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.FromContext(op, context.DeadlineExceeded)
	}
	return errs.FromContext(op, err)
}
