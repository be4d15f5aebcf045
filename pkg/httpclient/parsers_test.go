package httpclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseOpenAIHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")
	headers.Set("x-ratelimit-remaining-requests", "12")
	headers.Set("x-ratelimit-remaining-tokens", "4096")

	info := ParseOpenAIHeaders(headers)
	assert.Equal(t, 30*time.Second, info.RetryAfter)
	assert.Equal(t, 12, info.RequestsRemaining)
	assert.Equal(t, 4096, info.TokensRemaining)
}

func TestParseOpenAIHeadersEmpty(t *testing.T) {
	info := ParseOpenAIHeaders(http.Header{})
	assert.Zero(t, info.RetryAfter)
	assert.Zero(t, info.ResetTime)
	assert.Zero(t, info.RequestsRemaining)
}
