package server

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/sirupsen/logrus"
)

// ApiSecretMiddleware rejects report calls that do not carry secret, either
// as X-API-Key or as an Authorization bearer token. An empty secret disables
// the check. Swagger UI is mounted with HandlePrefix and never reaches it.
func ApiSecretMiddleware(secret string) middleware.Middleware {
	want := []byte(secret)
	return func(handler middleware.Handler) middleware.Handler {
		if secret == "" {
			return handler
		}
		return func(ctx context.Context, req any) (any, error) {
			tr, ok := transport.FromServerContext(ctx)
			if !ok {
				return nil, kerrors.InternalServer("NO_TRANSPORT", "no transport in context")
			}

			got := requestKey(tr.RequestHeader())
			switch {
			case got == "":
				return nil, kerrors.Unauthorized("API_KEY_MISSING", "missing API key")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				return nil, kerrors.Unauthorized("API_KEY_INVALID", "invalid API key")
			}
			return handler(ctx, req)
		}
	}
}

func requestKey(h transport.Header) string {
	if key := h.Get("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// AccessLogMiddleware logs every API call with its operation and outcome.
func AccessLogMiddleware(log *logrus.Entry) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			reply, err := handler(ctx, req)

			entry := log.WithField("elapsed", time.Since(start).String())
			if tr, ok := transport.FromServerContext(ctx); ok {
				entry = entry.WithField("operation", tr.Operation())
			}
			if err != nil {
				se := kerrors.FromError(err)
				entry.WithFields(logrus.Fields{"code": se.Code, "reason": se.Reason}).Warn("request failed")
			} else {
				entry.Debug("request served")
			}
			return reply, err
		}
	}
}
