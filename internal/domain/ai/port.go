package ai

import "context"

type Client interface {
	Analyze(ctx context.Context, document string) (string, error)
}
