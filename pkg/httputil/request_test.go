package httputil

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		expectError bool
	}{
		{name: "valid JSON", body: `{"name": "test"}`},
		{name: "invalid JSON", body: `{invalid}`, expectError: true},
		{name: "unknown field", body: `{"name": "test", "extra": 1}`, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(tt.body))
			var dest struct {
				Name string `json:"name"`
			}

			err := ParseJSON(req, &dest)

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, "test", dest.Name)
			}
		})
	}
}

func TestParseJSONOrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/test", bytes.NewBufferString(`{`))
	var dest map[string]string

	ok := ParseJSONOrError(w, req, &dest)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseOptionalJSONOrError(t *testing.T) {
	type body struct {
		Reason string `json:"reason"`
	}

	var dest body
	w := httptest.NewRecorder()
	assert.True(t, ParseOptionalJSONOrError(w, httptest.NewRequest("DELETE", "/x", nil), &dest))
	assert.Empty(t, dest.Reason)

	assert.True(t, ParseOptionalJSONOrError(w, httptest.NewRequest("DELETE", "/x", bytes.NewBufferString(`{"reason":"done"}`)), &dest))
	assert.Equal(t, "done", dest.Reason)

	w = httptest.NewRecorder()
	assert.False(t, ParseOptionalJSONOrError(w, httptest.NewRequest("DELETE", "/x", bytes.NewBufferString(`{"other":1}`)), &dest))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathInt64(t *testing.T) {
	tests := []struct {
		name        string
		vars        map[string]string
		expected    int64
		expectError bool
	}{
		{name: "valid", vars: map[string]string{"id": "42"}, expected: 42},
		{name: "missing", vars: map[string]string{}, expectError: true},
		{name: "not a number", vars: map[string]string{"id": "abc"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), tt.vars)

			val, err := ParsePathInt64(req, "id")

			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, val)
		})
	}
}

func TestParsePathInt64OrError(t *testing.T) {
	w := httptest.NewRecorder()
	req := mux.SetURLVars(httptest.NewRequest("GET", "/", nil), map[string]string{"id": "x"})

	_, ok := ParsePathInt64OrError(w, req, "id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest("GET", "/?limit=25&user_id=7&from=2026-04-01T09:00:00Z&actions=a,%20b,,c", nil)

	limit, err := ParseQueryInt(req, "limit", 100)
	require.NoError(t, err)
	assert.Equal(t, 25, limit)

	offset, err := ParseQueryInt(req, "offset", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	userID, err := ParseQueryInt64Ptr(req, "user_id")
	require.NoError(t, err)
	require.NotNil(t, userID)
	assert.Equal(t, int64(7), *userID)

	missing, err := ParseQueryInt64Ptr(req, "role_id")
	require.NoError(t, err)
	assert.Nil(t, missing)

	from, err := ParseQueryTime(req, "from")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), from.UTC())

	assert.Equal(t, []string{"a", "b", "c"}, ParseQueryList(req, "actions"))
	assert.Nil(t, ParseQueryList(req, "none"))

	bad := httptest.NewRequest("GET", "/?limit=ten&from=yesterday", nil)
	_, err = ParseQueryInt(bad, "limit", 100)
	assert.Error(t, err)
	_, err = ParseQueryTime(bad, "from")
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:5123"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.99, 10.0.0.1")
	assert.Equal(t, "203.0.113.99", ClientIP(req))
}
