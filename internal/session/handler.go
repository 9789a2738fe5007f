package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/ratelimit"
)

// Handler answers one admitted "query" frame with zero or more frames to send back.
// It runs on the session's query worker and may call s.Request.
type Handler interface {
	HandleQuery(ctx context.Context, s *Session, query *protocol.Inbound, rateLimit ratelimit.Info) ([]any, error)
}

type HandlerFunc func(ctx context.Context, s *Session, query *protocol.Inbound, rateLimit ratelimit.Info) ([]any, error)

func (f HandlerFunc) HandleQuery(ctx context.Context, s *Session, query *protocol.Inbound, rateLimit ratelimit.Info) ([]any, error) {
	return f(ctx, s, query, rateLimit)
}

// DefaultHandler echoes the query. When the query names dataTypes it first asks the
// client for them and folds the reply into the answer.
type DefaultHandler struct{}

func (DefaultHandler) HandleQuery(ctx context.Context, s *Session, query *protocol.Inbound, rateLimit ratelimit.Info) ([]any, error) {
	p := s.Principal()
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	logger.InfoF("[%s] query from %s: %q", s.ID(), p.ID, query.Query)

	answer := fmt.Sprintf("**[%s]** Response to your question\n\n> %s\n\nDone", name, query.Query)
	if len(query.DataTypes) > 0 {
		raw, err := s.Request(ctx, RequestData, map[string]any{"dataTypes": query.DataTypes})
		if err != nil {
			logger.WarnF("[%s] Available data request failed, details: %v", s.ID(), err)
			answer += "\n\nAvailable data: unavailable"
		} else {
			answer += "\n\nAvailable data: " + replyData(raw)
		}
	}

	return []any{protocol.ResponseFrame{
		Type:         protocol.Response,
		Answer:       answer,
		RateLimit:    rateLimit,
		ConnectionID: s.ID(),
	}}, nil
}

// replyData extracts the "data" member of a reply frame, or the whole frame without it.
func replyData(raw json.RawMessage) string {
	var reply struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &reply); err == nil && len(reply.Data) > 0 {
		return string(reply.Data)
	}
	return string(raw)
}
