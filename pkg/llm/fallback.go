package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
	"github.com/xhad/doctorbot/pkg/logging"
)

// Fallback sends every request to Primary and, when that fails to respond,
// once to Secondary. Cancellation, rejected credentials and replies that
// already failed structured decoding are returned as they are.
type Fallback struct {
	Primary   types.LLM
	Secondary types.LLM
	Logger    *log.Logger
}

func (f *Fallback) GenerateText(ctx context.Context, prompt string) (string, error) {
	out, err := f.Primary.GenerateText(ctx, prompt)
	if !f.shouldFallBack(ctx, err) {
		return out, err
	}
	return f.Secondary.GenerateText(ctx, prompt)
}

func (f *Fallback) GenerateStructured(ctx context.Context, prompt string, out any) error {
	err := f.Primary.GenerateStructured(ctx, prompt, out)
	if !f.shouldFallBack(ctx, err) {
		return err
	}
	return f.Secondary.GenerateStructured(ctx, prompt, out)
}

func (f *Fallback) shouldFallBack(ctx context.Context, err error) bool {
	if err == nil || f.Secondary == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, errs.ErrGeneration) || errors.Is(err, errs.ErrAuthentication) {
		return false
	}
	logging.OrNop(f.Logger).Warn().
		Str("primary", nameOf(f.Primary)).
		Str("fallback", nameOf(f.Secondary)).
		Err(err).
		Msg("primary LLM failed, using fallback")
	return true
}

func nameOf(l types.LLM) string {
	if n, ok := l.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", l)
}

// classify maps a provider failure onto the pipeline's error kinds.
func classify(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.FromContext(provider, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "403", "unauthorized", "api key not valid", "permission denied"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%s: %w: %w", provider, errs.ErrAuthentication, err)
		}
	}
	return fmt.Errorf("%s request failed: %w", provider, err)
}
