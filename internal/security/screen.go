// Package security screens inbound prompts before they enter the queue and
// records the outcome durably.
package security

import (
	"context"
	"regexp"

	"go.uber.org/zap"

	apperrors "github.com/OpenSourceWTF/waaah/internal/common/errors"
	"github.com/OpenSourceWTF/waaah/internal/common/logger"
	"github.com/OpenSourceWTF/waaah/internal/task/repository"
	v1 "github.com/OpenSourceWTF/waaah/pkg/api/v1"
)

// rule flags a prompt pattern. Block rules reject the prompt outright;
// warn rules let it through but record the event.
type rule struct {
	flag    string
	block   bool
	pattern *regexp.Regexp
}

var rules = []rule{
	{flag: "instruction-override", block: true,
		pattern: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`)},
	{flag: "credential-exfiltration", block: true,
		pattern: regexp.MustCompile(`(?i)(print|dump|send|exfiltrate|leak).{0,40}(api[_ ]?key|secret|credential|token|password)`)},
	{flag: "destructive-shell", block: false,
		pattern: regexp.MustCompile(`(?i)rm\s+-rf\s+[/~]`)},
	{flag: "prompt-injection-marker", block: false,
		pattern: regexp.MustCompile(`(?i)</?(system|assistant)>`)},
}

// Screener checks prompts and writes security events.
type Screener struct {
	repo   *repository.Repository
	logger *logger.Logger
}

// NewScreener creates a Screener.
func NewScreener(repo *repository.Repository, log *logger.Logger) *Screener {
	return &Screener{
		repo:   repo,
		logger: log.WithFields(zap.String("component", "security")),
	}
}

// Screen evaluates a prompt. Blocked prompts return InvalidRouting; warned
// and clean prompts pass. Every non-clean outcome is recorded, and a
// failure to record a BLOCKED event still blocks.
func (s *Screener) Screen(ctx context.Context, source, fromID, prompt string) error {
	if source == "" {
		source = "cli"
	}

	var flags []string
	blocked := false
	for _, r := range rules {
		if r.pattern.MatchString(prompt) {
			flags = append(flags, r.flag)
			if r.block {
				blocked = true
			}
		}
	}

	if len(flags) == 0 {
		return nil
	}

	action := v1.SecurityWarned
	if blocked {
		action = v1.SecurityBlocked
	}
	event := &v1.SecurityEvent{
		Source: source,
		FromID: fromID,
		Prompt: prompt,
		Flags:  flags,
		Action: action,
	}
	if err := s.repo.RecordSecurityEvent(ctx, event); err != nil {
		s.logger.Error("failed to record security event", zap.Error(err))
	}

	s.logger.Warn("prompt flagged",
		zap.String("source", source),
		zap.Strings("flags", flags),
		zap.String("action", string(action)))

	if blocked {
		return apperrors.InvalidRouting("prompt rejected by security screening")
	}
	return nil
}
