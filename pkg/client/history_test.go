package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHistoryFetch(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]protocol.Message{
			testMessage("", "1", "u1"),
			testMessage("dev ops", "2", "u2"),
		})
	}))
	defer srv.Close()

	h := NewHTTPHistory(srv.URL+"/api/", "tok", time.Second)
	msgs, err := h.FetchHistory(context.Background(), "dev ops")

	require.NoError(t, err)
	assert.Equal(t, "/api/channels/dev%20ops/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []string{"1", "2"}, messageIDs(msgs))
	assert.Equal(t, "dev ops", msgs[0].ChannelID, "missing channel id is filled in")
}

func TestHTTPHistoryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPHistory(srv.URL, "", time.Second).FetchHistory(context.Background(), "c1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
}

func TestHTTPHistoryBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPHistory(srv.URL, "", time.Second).FetchHistory(context.Background(), "c1")
	assert.ErrorContains(t, err, "decode history")
}
