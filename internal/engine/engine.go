// Package engine coordinates the grading pipeline: fingerprint cache,
// batch prompt construction, dispatch with retry, response
// segmentation, and the in-flight guard that keeps overlapping scopes
// (question ⊂ section ⊂ page) from racing each other.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wxkj99/na-quiz/internal/gateway"
	"github.com/wxkj99/na-quiz/internal/i18n"
	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/ratelimit"
	"github.com/wxkj99/na-quiz/internal/store"
)

// Failure taxonomy. All are surfaced to the user as messages, never as
// crashes.
var (
	// ErrBusy: an identifier in the batch is already being graded.
	ErrBusy = errors.New("questions already being graded")
	// ErrNothingToGrade: no question in the batch has a filled input.
	ErrNothingToGrade = errors.New("no filled inputs to grade")
	// ErrRateLimited: the client-side grading window is exhausted.
	ErrRateLimited = errors.New("grading rate limit exceeded")
	// ErrTooLarge: the prompt exceeds the size ceiling.
	ErrTooLarge = errors.New("prompt exceeds size limit")
	// ErrUnauthorized: bad or missing credentials/invite, terminal.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCanceled: the force re-grade confirmation was declined.
	ErrCanceled = errors.New("force re-grade canceled")
)

// Defaults for Config zero values.
const (
	// DefaultPromptLimit is the prompt length ceiling in characters.
	DefaultPromptLimit = 8000
	// DefaultGradeLimit is the grading budget per rate window.
	DefaultGradeLimit = 5
)

// Gateway is the model endpoint the engine dispatches to.
type Gateway interface {
	Complete(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// Config tunes an Engine. Zero values take the reference defaults.
type Config struct {
	MaxAttempts int
	PromptLimit int
	GradeLimit  int
	RateKey     string

	// Sleep suspends between attempts; tests inject a recorder.
	Sleep func(ctx context.Context, d time.Duration) error
	// Progress is called before each retry wait with the upcoming
	// attempt number and the wait length.
	Progress func(attempt int, wait time.Duration)
	// Confirm gates force mode. Nil means proceed without asking.
	Confirm func() bool
}

// Engine owns the in-flight guard and runs grade batches.
type Engine struct {
	kv      store.KV
	gw      Gateway
	limiter *ratelimit.Limiter
	cfg     Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates an Engine over the given store, gateway, and limiter.
func New(kv store.KV, gw Gateway, limiter *ratelimit.Limiter, cfg Config) *Engine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = MaxAttempts
	}
	if cfg.PromptLimit == 0 {
		cfg.PromptLimit = DefaultPromptLimit
	}
	if cfg.GradeLimit == 0 {
		cfg.GradeLimit = DefaultGradeLimit
	}
	if cfg.RateKey == "" {
		cfg.RateKey = model.RateKey("grade")
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Engine{
		kv:       kv,
		gw:       gw,
		limiter:  limiter,
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
}

// Outcome reports what a grade batch produced.
type Outcome struct {
	// Results holds freshly graded verdicts by question ID.
	Results map[string]string
	// Cached holds verdicts served from the fingerprint cache.
	Cached map[string]string
	// Summary carries the raw response text when a multi-question
	// response could not be segmented; per-question state is untouched.
	Summary string
	// Attempts is the number of dispatch attempts made (0 when no
	// network call was needed).
	Attempts int
}

type selectedQuestion struct {
	q   model.Question
	key string
}

// GradeBatch grades the given questions as one request. Cached verdicts
// are returned without a network call; force deletes existing records
// first. The batch fails fast with ErrBusy when any of its identifiers
// is already in flight.
func (e *Engine) GradeBatch(ctx context.Context, questions []model.Question, force bool) (*Outcome, error) {
	if len(questions) == 0 {
		return nil, errors.New("empty batch")
	}

	// Register the whole batch in the guard before any suspension
	// point; release on every exit path.
	if err := e.acquire(questions); err != nil {
		return nil, err
	}
	defer e.release(questions)

	if force && e.cfg.Confirm != nil && !e.cfg.Confirm() {
		return nil, ErrCanceled
	}

	out := &Outcome{
		Results: make(map[string]string),
		Cached:  make(map[string]string),
	}

	var selected []selectedQuestion
	for _, q := range questions {
		key := model.GradeKey(q.ID, q.Inputs)
		cached, ok, err := e.kv.Get(key)
		if err != nil {
			return nil, fmt.Errorf("read grade cache: %w", err)
		}
		if force {
			if err := e.kv.Delete(key); err != nil {
				return nil, fmt.Errorf("clear grade cache: %w", err)
			}
			ok = false
		} else if ok && q.HasInput() {
			out.Cached[q.ID] = cached
		}
		if !ok && q.HasInput() {
			selected = append(selected, selectedQuestion{q: q, key: key})
		}
	}

	if len(selected) == 0 {
		anyInput := false
		for _, q := range questions {
			if q.HasInput() {
				anyInput = true
				break
			}
		}
		if !anyInput {
			return nil, ErrNothingToGrade
		}
		// Everything was served from cache.
		return out, nil
	}

	allowed, err := e.limiter.Allow(e.cfg.RateKey, e.cfg.GradeLimit)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		return nil, ErrRateLimited
	}

	apiCfg, err := store.LoadAPIConfig(e.kv)
	if err != nil {
		return nil, err
	}

	selectedQs := make([]model.Question, len(selected))
	for i, s := range selected {
		selectedQs[i] = s.q
	}
	prompt := BuildPrompt(selectedQs, apiCfg.SendAnswer)
	if utf8.RuneCountInString(prompt) > e.cfg.PromptLimit {
		return nil, ErrTooLarge
	}

	text, attempts, err := e.dispatch(ctx, prompt)
	out.Attempts = attempts
	if err != nil {
		return nil, err
	}
	if text == "" {
		text = i18n.T("grade.empty_response")
	}

	if len(selected) == 1 {
		if err := e.commit(selected[0], StripDelim(text), out); err != nil {
			return nil, err
		}
		return out, nil
	}

	verdicts, ok := SplitVerdicts(text, len(selected))
	if !ok {
		// Conservative policy: a partially delimited response mutates
		// nothing per-question so a later attempt can still succeed.
		slog.Warn("response missing delimiters", "selected", len(selected))
		out.Summary = text
		return out, nil
	}
	for i, s := range selected {
		if err := e.commit(s, verdicts[i], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// dispatch sends the prompt with linear backoff between attempts.
func (e *Engine) dispatch(ctx context.Context, prompt string) (string, int, error) {
	messages := []model.ChatMessage{{Role: "user", Content: prompt}}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			wait := Backoff(attempt)
			if e.cfg.Progress != nil {
				e.cfg.Progress(attempt, wait)
			}
			if err := e.cfg.Sleep(ctx, wait); err != nil {
				return "", attempt - 1, err
			}
		}

		text, err := e.gw.Complete(ctx, messages)
		if err == nil {
			return text, attempt, nil
		}
		if ctx.Err() != nil {
			return "", attempt, ctx.Err()
		}

		status := gateway.StatusOf(err)
		if status == http.StatusUnauthorized {
			return "", attempt, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		if Decide(status, attempt, e.cfg.MaxAttempts) == Fail {
			return "", attempt, fmt.Errorf("grade request: %w", err)
		}
		slog.Warn("transient gateway failure, retrying",
			"attempt", attempt, "status", status, "error", err)
	}
}

// commit stores one question's verdict and its input snapshot together,
// so a verdict never exists without the snapshot that dates it.
func (e *Engine) commit(s selectedQuestion, verdict string, out *Outcome) error {
	if err := e.kv.Set(s.key, verdict); err != nil {
		return fmt.Errorf("store verdict: %w", err)
	}
	if err := e.kv.Set(model.SnapKey(s.q.ID), s.q.JoinedInputs()); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	out.Results[s.q.ID] = verdict
	return nil
}

func (e *Engine) acquire(questions []model.Question) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range questions {
		if _, busy := e.inflight[q.ID]; busy {
			return ErrBusy
		}
	}
	for _, q := range questions {
		e.inflight[q.ID] = struct{}{}
	}
	return nil
}

func (e *Engine) release(questions []model.Question) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, q := range questions {
		delete(e.inflight, q.ID)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
