package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)

	WriteError(rec, req, ErrSignature())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Bad request", body.Message)
	require.Equal(t, []string{"Webhook signature verification failed"}, body.Messages)
}

func TestWriteErrorNil(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), map[string]bool{"received": true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"received":true}`, rec.Body.String())
}
