package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/arena/internal/api"
)

func TestClient_SendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/rounds/start", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req api.StartRoundRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 604800, req.DurationSeconds)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":4,"status":"active","prize_pool":"3000000","entries":3}`))
	}))
	defer srv.Close()

	rd, err := New(srv.URL+"/", "tok").StartRound(t.Context(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 4, rd.ID)
	assert.Equal(t, 3, rd.Entries)
	assert.Equal(t, "3000000", rd.PrizePool.String())
}

func TestClient_DecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"store: prize already withdrawn"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Withdraw(t.Context(), 1)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "store: prize already withdrawn", apiErr.Message)
}

func TestClient_EscapesParticipant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/rounds/2/winners/a%2Fb", r.URL.EscapedPath())
		w.Write([]byte(`{"round_id":2,"participant":"a/b","winner":true}`))
	}))
	defer srv.Close()

	won, err := New(srv.URL, "").IsWinner(t.Context(), 2, "a/b")
	require.NoError(t, err)
	assert.True(t, won)
}
