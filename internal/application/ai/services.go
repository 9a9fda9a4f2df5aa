package ai

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/bryanwahyu/codeprobe/internal/domain/ai"
)

// maxDocument bounds what is sent to the model; findings lists can be long.
const maxDocument = 48 * 1024

type Service struct {
	client ai.Client
}

func NewService(client ai.Client) *Service {
	return &Service{client: client}
}

// Analyze returns remediation advice for a report summary.
func (s *Service) Analyze(ctx context.Context, document string) (string, error) {
	if strings.TrimSpace(document) == "" {
		return "", errors.New("empty document")
	}
	if len(document) > maxDocument {
		cut := maxDocument
		// jangan potong di tengah rune
		for cut > 0 && !utf8.RuneStart(document[cut]) {
			cut--
		}
		document = document[:cut]
	}
	return s.client.Analyze(ctx, document)
}
