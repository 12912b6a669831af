package ollama

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotRunning is returned by EnsureReady when the server does not answer.
var ErrNotRunning = errors.New("ollama is not running; start it with: ollama serve")

// EnsureReady checks that Ollama is running and model is available, pulling
// it when missing, then warms the model up so the first tile fetch does not
// pay the cold-load penalty. A failed warm-up is logged, not returned.
func EnsureReady(ctx context.Context, c *Client, model string, logger *zap.Logger) error {
	version, err := c.Version(ctx)
	if err != nil {
		return fmt.Errorf("%w (%w)", ErrNotRunning, err)
	}

	info, err := c.Show(ctx, model)
	switch {
	case errors.Is(err, ErrModelNotFound):
		logger.Info("pulling model", zap.String("model", model))
		err = c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				logger.Debug("pull progress",
					zap.String("model", model),
					zap.String("status", p.Status),
					zap.Float64("percent", float64(p.Completed)/float64(p.Total)*100),
				)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
	case err != nil:
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := c.Chat(warmCtx, ChatRequest{
		Model:     model,
		Messages:  []Message{{Role: "user", Content: "ping"}},
		KeepAlive: "30m",
	})
	if err != nil {
		logger.Warn("model warm-up failed", zap.String("model", model), zap.Error(err))
		return nil
	}
	logger.Info("model ready",
		zap.String("model", model),
		zap.String("ollama_version", version),
		zap.String("family", info.Family),
		zap.String("parameters", info.ParameterSize),
		zap.Duration("warm_up", res.Duration),
	)
	return nil
}
