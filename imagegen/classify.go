package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/sashabaranov/go-openai"

	"rugcomposer/core"
)

// upstreamPatterns maps lowercase message substrings to categories. The first
// matching row wins.
var upstreamPatterns = []struct {
	category core.UpstreamCategory
	patterns []string
}{
	{core.UpstreamMaskFormat, []string{"mask"}},
	{core.UpstreamBilling, []string{"billing hard limit", "insufficient_quota"}},
	{core.UpstreamInvalidCredentials, []string{"invalid api key", "incorrect api key"}},
	{core.UpstreamRateLimited, []string{"rate limit"}},
}

// ClassifyUpstreamError categorizes an edit service failure by the text it
// carried.
func ClassifyUpstreamError(err error) core.UpstreamCategory {
	if err == nil {
		return core.UpstreamUnknown
	}

	text := strings.ToLower(upstreamText(err))
	for _, row := range upstreamPatterns {
		for _, pattern := range row.patterns {
			if strings.Contains(text, pattern) {
				return row.category
			}
		}
	}
	return core.UpstreamUnknown
}

// IsMaskRejection reports whether err is the service refusing the mask.
func IsMaskRejection(err error) bool {
	return ClassifyUpstreamError(err) == core.UpstreamMaskFormat
}

// ClassifyError maps any orchestrator failure onto the render error taxonomy.
// Deadlines and transport failures are network errors; anything the service
// answered is an upstream error.
func ClassifyError(err error) *core.RenderError {
	if renderErr, ok := core.AsRenderError(err); ok {
		return renderErr
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr), errors.As(err, &reqErr), errors.Is(err, ErrNoCandidates):
		return core.NewUpstreamError(ClassifyUpstreamError(err), err)
	case errors.Is(err, context.DeadlineExceeded), isNetError(err):
		return core.NewNetworkError(err)
	default:
		return core.NewUpstreamError(ClassifyUpstreamError(err), err)
	}
}

// upstreamText is the text the category table is matched against: the
// service's message plus its code and type, so code-only signals such as
// insufficient_quota still classify.
func upstreamText(err error) string {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		parts := []string{apiErr.Message, apiErr.Type}
		if apiErr.Code != nil {
			parts = append(parts, fmt.Sprint(apiErr.Code))
		}
		return strings.Join(parts, " ")
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return string(reqErr.Body)
	}
	return err.Error()
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
