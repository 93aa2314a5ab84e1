package rpc

import (
	"context"
	"encoding/json"

	"biosign/go-backend/internal/app"
	"biosign/go-backend/internal/signing"
	"biosign/go-backend/pkg/models"
)

func (s *Server) dispatchPromptRPC(ctx context.Context, method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "prompt.authenticate":
		p, err := decodePromptParams(rawParams, false)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		pending, err := s.service.Authenticate(ctx, p.Options)
		result, rpcErr := s.promptResult(ctx, pending, err, p.Async)
		return result, rpcErr, true
	case "prompt.sign":
		p, err := decodePromptParams(rawParams, true)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		pending, err := s.service.AuthenticateAndSign(ctx, p.Options, *p.Payload)
		result, rpcErr := s.promptResult(ctx, pending, err, p.Async)
		return result, rpcErr, true
	case "prompt.sign_silent":
		p, err := decodePromptParams(rawParams, true)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		pending, err := s.service.SignWithRecentAuthentication(ctx, *p.Payload)
		result, rpcErr := s.promptResult(ctx, pending, err, p.Async)
		return result, rpcErr, true
	case "prompt.result":
		p, err := decodeSessionParams(rawParams)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		if p.Wait {
			result, err := s.service.AwaitSession(ctx, p.SessionID)
			if err != nil {
				return nil, mapServiceError(err), true
			}
			return result, nil, true
		}
		result, resolved, err := s.service.SessionResult(p.SessionID)
		if err != nil {
			return nil, mapServiceError(err), true
		}
		if !resolved {
			return models.PendingSession{SessionID: p.SessionID, Pending: true}, nil, true
		}
		return result, nil, true
	default:
		return nil, nil, false
	}
}

// abandonedSession is the reply for a synchronous prompt whose caller went
// away before the verdict. The session keeps running and stays reachable
// through prompt.result or an idempotent retry.
type abandonedSession struct {
	models.PendingSession
}

// promptResult waits for the session unless the caller asked for an
// asynchronous start. A caller that disconnects leaves the session running.
func (s *Server) promptResult(ctx context.Context, pending *signing.Pending, err error, async bool) (any, *rpcError) {
	if err != nil {
		return nil, mapServiceError(err)
	}
	if async {
		return models.PendingSession{SessionID: pending.ID(), Pending: true}, nil
	}
	r, err := pending.Wait(ctx)
	if err != nil {
		return abandonedSession{models.PendingSession{SessionID: pending.ID(), Pending: true}}, nil
	}
	return app.PromptResultFrom(pending.ID(), r), nil
}
