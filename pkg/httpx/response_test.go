package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusNotFound, errors.New("no such item: 12"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Not Found", resp.Error)
	assert.Equal(t, "no such item: 12", resp.Message)
}

func TestRespondRawJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondRawJSON(rec, http.StatusOK, []byte(`{"items":[]}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))
	assert.Equal(t, `{"items":[]}`, rec.Body.String())
}

func TestMatchesETag(t *testing.T) {
	etag := ETag(0xabc)
	assert.Equal(t, `"abc"`, etag)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"absent", "", false},
		{"exact", `"abc"`, true},
		{"weak", `W/"abc"`, true},
		{"list", `"x", "abc"`, true},
		{"wildcard", "*", true},
		{"stale", `"abd"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("If-None-Match", tt.header)
			}
			assert.Equal(t, tt.want, MatchesETag(r, etag))
		})
	}
}
