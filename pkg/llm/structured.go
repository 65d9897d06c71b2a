package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/phuslu/log"
	"github.com/xhad/doctorbot/internal/models"
	"github.com/xhad/doctorbot/internal/types"
	"github.com/xhad/doctorbot/pkg/errs"
)

// generateFunc produces raw model text, in JSON mode when asked.
type generateFunc func(ctx context.Context, prompt string, jsonMode bool) (string, error)

const stricterInstruction = `

Your previous reply could not be used: %s.
Reply with exactly one JSON object that matches the requested schema.
Do not add prose, markdown fences, or comments. Use only the allowed enum values.`

// decodeStructured asks for JSON, decodes it into out and validates it when out
// implements types.Validator. An unusable reply is retried once with a stricter
// instruction; a second failure is a generation error.
func decodeStructured(ctx context.Context, gen generateFunc, prompt string, out any, logger *log.Logger) error {
	raw, err := gen(ctx, prompt, true)
	if err != nil {
		return err
	}
	perr := decodeInto(raw, out)
	if perr == nil {
		return nil
	}

	logger.Warn().Err(perr).Msg("structured output rejected, retrying once")
	raw, err = gen(ctx, prompt+fmt.Sprintf(stricterInstruction, perr), true)
	if err != nil {
		return err
	}
	if perr = decodeInto(raw, out); perr != nil {
		return errs.Generation("model output unusable after retry: %v", perr)
	}
	return nil
}

func decodeInto(raw string, out any) error {
	resetValue(out)

	body, err := ExtractJSON(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if v, ok := out.(types.Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("schema validation failed: %s", models.DescribeValidation(err))
		}
	}
	return nil
}

func resetValue(out any) {
	rv := reflect.ValueOf(out)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() {
		rv.Elem().Set(reflect.Zero(rv.Elem().Type()))
	}
}

var errNoJSON = errors.New("no JSON object in response")

// ExtractJSON returns the first balanced JSON object or array in s, skipping
// any prose or markdown fences around it.
func ExtractJSON(s string) (string, error) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", errNoJSON
	}

	var (
		stack    []byte
		inString bool
		escaped  bool
	)
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return "", fmt.Errorf("unbalanced JSON in response")
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("truncated JSON in response")
}
