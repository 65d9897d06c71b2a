package llm

import (
	"context"
	"sync"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

// Scripted replays canned replies in order, through the same structured-output
// policy as the real engines. It backs tests and offline dry runs.
type Scripted struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
	logger  *log.Logger
}

func NewScripted(replies ...string) *Scripted {
	return &Scripted{replies: replies, logger: logging.Nop()}
}

// FailWith makes every later call return err.
func (s *Scripted) FailWith(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

// Prompts returns the prompts received so far.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) GenerateText(ctx context.Context, prompt string) (string, error) {
	return s.generate(ctx, prompt, false)
}

func (s *Scripted) GenerateStructured(ctx context.Context, prompt string, out any) error {
	return decodeStructured(ctx, s.generate, prompt, out, s.logger)
}

func (s *Scripted) generate(ctx context.Context, prompt string, _ bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errs.FromContext("scripted", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errs.Generation("scripted model has no replies left")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}
