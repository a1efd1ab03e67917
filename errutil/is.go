package errutil

import (
	"context"
	"errors"
	"net/http"
)

func IsContext(ctx context.Context) bool {
	err := ctx.Err()
	return nil != err && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// IsBandwidthLimitResponse reports whether a MEGA storage node rejected the
// transfer due to the free-tier bandwidth cap.
func IsBandwidthLimitResponse(resp *http.Response) bool {
	return resp.StatusCode == 509 // Bandwidth Limit Exceeded
}
