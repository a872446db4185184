package audit

import (
	"context"
	"time"

	"github.com/hazyhaar/statesync/kit"
)

// Middleware records every call through an endpoint as an entry with the
// given action. The request is stored as JSON parameters.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Parameters: mustJSON(req),
				Transport:  kit.GetTransport(ctx),
				RequestID:  kit.GetRequestID(ctx),
				RemoteAddr: kit.GetRemoteAddr(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}
