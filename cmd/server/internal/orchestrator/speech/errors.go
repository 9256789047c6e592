package speech

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/houzhh15/lexscribe/cmd/server/internal/orchestrator/pipeerr"
)

// maxErrorBody bounds how much of an error body ends up in messages.
const maxErrorBody = 300

// ClassifyStatus maps a non-2xx response to a pipeline error kind.
func ClassifyStatus(status int, body []byte) *pipeerr.Error {
	msg := errorMessage(body)
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}

	var kind pipeerr.Kind
	switch {
	case status == http.StatusUnauthorized:
		kind = pipeerr.Authentication
	case status == http.StatusForbidden:
		kind = pipeerr.Permission
	case status == http.StatusTooManyRequests:
		kind = pipeerr.Quota
	case status == http.StatusRequestEntityTooLarge:
		kind = pipeerr.PayloadTooLarge
	case status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType:
		if mentionsEncoding(msg) {
			kind = pipeerr.EncodingMismatch
		} else {
			kind = pipeerr.UnsupportedFormat
		}
	case status == http.StatusUnprocessableEntity:
		kind = pipeerr.UnsupportedFormat
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		kind = pipeerr.TransientNetwork
	case status >= 500:
		kind = pipeerr.Server
	default:
		kind = pipeerr.Unknown
	}

	e := pipeerr.New(kind, fmt.Sprintf("speech API returned status %d: %s", status, msg))
	e.StatusCode = status
	return e
}

// ClassifyOperationError maps the message of a failed operation.
func ClassifyOperationError(msg string) *pipeerr.Error {
	if mentionsEncoding(msg) {
		return pipeerr.New(pipeerr.EncodingMismatch, msg)
	}
	return pipeerr.New(pipeerr.Server, "operation failed: "+msg)
}

// transportError classifies a failed round trip. Context errors win over the transport error.
func transportError(ctx context.Context, err error) *pipeerr.Error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pipeerr.Wrap(pipeerr.KindOf(ctxErr), "request aborted", ctxErr)
	}
	if errors.Is(err, context.Canceled) {
		return pipeerr.Wrap(pipeerr.Cancelled, "request aborted", err)
	}
	return pipeerr.Wrap(pipeerr.TransientNetwork, "speech API unreachable", err)
}

func mentionsEncoding(msg string) bool {
	m := strings.ToLower(msg)
	for _, needle := range []string{"encoding", "sample rate", "sample_rate", "samplerate", "sampleratehertz"} {
		if strings.Contains(m, needle) {
			return true
		}
	}
	return false
}
