package rest

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// throttleBody is the JSON error shape some platforms attach to 429 responses.
type throttleBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details []struct {
			Reason     string `json:"reason"`
			RetryDelay string `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// RetryDelay extracts a server-suggested retry delay from a throttle or
// gateway response. It checks the Retry-After header first (seconds or HTTP
// date), then a retryDelay field in the JSON body. Returns 0 when the server
// gave no hint. The body is restored after reading so callers can still
// consume it.
func RetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			return time.Until(t)
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))

	var tb throttleBody
	if err := json.Unmarshal(bodyBytes, &tb); err != nil {
		return 0
	}
	for _, detail := range tb.Error.Details {
		if detail.RetryDelay == "" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
			return d
		}
	}
	return 0
}
