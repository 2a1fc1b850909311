package reasoning

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/brunobiangulo/docqa/llm"
)

// RetryPolicy controls how rate-limited backend calls are retried. Only
// HTTP 429 responses are retried; the n-th wait lasts BaseDelay×n.
type RetryPolicy struct {
	Attempts  uint          `json:"attempts" yaml:"attempts" mapstructure:"attempts"`
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay" mapstructure:"base_delay"`

	// Timer replaces the wall clock, for tests.
	Timer retry.Timer `json:"-" yaml:"-" mapstructure:"-"`
}

// DefaultRetryPolicy returns three attempts with a 2s base delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second}
}

func (p RetryPolicy) generate(ctx context.Context, b llm.Backend, req llm.Request) (*llm.Response, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}
	base := p.BaseDelay

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return base * time.Duration(n)
		}),
		retry.RetryIf(llm.IsRateLimited),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("reasoning: rate limited",
				"model", req.Model,
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}),
		retry.LastErrorOnly(true),
	}
	if p.Timer != nil {
		opts = append(opts, retry.WithTimer(p.Timer))
	}

	return retry.DoWithData(func() (*llm.Response, error) {
		return b.Generate(ctx, req)
	}, opts...)
}
