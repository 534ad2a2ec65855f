package sanitize

import (
	"context"
	"errors"
	"log/slog"
)

// Message is one chat turn in the OpenAI message format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ScrubMessages scrubs the content of every message into a single scope so
// a value repeated across turns maps to the same token in deterministic
// mode. If any message fails, a scope created by this call is released
// before returning and no partial mapping survives.
func (e *Engine) ScrubMessages(ctx context.Context, msgs []Message, opts ScrubOptions) ([]Message, string, error) {
	out := make([]Message, len(msgs))
	created := opts.Scope == ""
	id := opts.Scope
	tokens := 0

	for i, m := range msgs {
		out[i] = m
		if m.Content == "" {
			continue
		}
		o := opts
		o.Scope = id
		res, err := e.Scrub(ctx, m.Content, o)
		if err != nil {
			if created && id != "" {
				if relErr := e.ReleaseScope(context.WithoutCancel(ctx), id); relErr != nil && !errors.Is(relErr, ErrScopeNotFound) {
					slog.Warn("sanitize: release after failed message scrub", "scope", id, "err", relErr)
				}
			}
			return nil, "", err
		}
		id = res.Scope
		tokens += len(res.Tokens)
		out[i].Content = res.Text
	}

	if id == "" {
		// Nothing had content; still hand back a scope so restore works.
		res, err := e.Scrub(ctx, "", opts)
		if err != nil {
			return nil, "", err
		}
		id = res.Scope
	}
	if tokens > 0 {
		slog.Info("sanitize: redacted tokens in messages", "scope", id, "messages", len(msgs), "tokens", tokens)
	}
	return out, id, nil
}

// RestoreMessages restores the content of every message from scope id and
// returns the combined warnings.
func (e *Engine) RestoreMessages(ctx context.Context, msgs []Message, id string) ([]Message, []UnmatchedToken, error) {
	out := make([]Message, len(msgs))
	var warnings []UnmatchedToken
	for i, m := range msgs {
		res, err := e.Restore(ctx, m.Content, id)
		if err != nil {
			return nil, nil, err
		}
		out[i] = Message{Role: m.Role, Content: res.Text}
		warnings = append(warnings, res.Warnings...)
	}
	return out, warnings, nil
}
