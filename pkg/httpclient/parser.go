package httpclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseResponse decodes JSON bodies into BodyJSON. Text bodies are kept as a string.
func ParseResponse(resp *Response) error {
	if len(resp.Body) == 0 {
		return nil
	}

	contentType := strings.ToLower(resp.ContentType)

	switch {
	case strings.Contains(contentType, "json"), contentType == "":
		var result any
		if err := json.Unmarshal(resp.Body, &result); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
		resp.BodyJSON = result
		return nil
	case strings.Contains(contentType, "text/"):
		resp.BodyJSON = string(resp.Body)
		return nil
	default:
		return fmt.Errorf("unsupported content type %q", resp.ContentType)
	}
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

// IsRetryableStatus reports timeouts, rate limiting and every 5xx.
func IsRetryableStatus(statusCode int) bool {
	return statusCode == 408 || statusCode == 429 || statusCode >= 500
}

// IsRateLimitStatus returns true if the status code indicates rate limiting
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == 429
}
