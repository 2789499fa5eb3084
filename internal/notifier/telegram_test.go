package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramNotifier_Send(t *testing.T) {
	var gotPath, gotChatID, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotChatID = r.FormValue("chat_id")
		gotText = r.FormValue("text")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token123", "chat456", WithAPIBase(srv.URL))
	require.NoError(t, n.Send(context.Background(), "trade opened"))

	assert.Equal(t, "/bottoken123/sendMessage", gotPath)
	assert.Equal(t, "chat456", gotChatID)
	assert.Equal(t, "trade opened", gotText)
}

func TestTelegramNotifier_SendErrorsOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat", WithAPIBase(srv.URL))
	assert.Error(t, n.Send(context.Background(), "msg"))
}

func TestTelegramNotifier_SendWithRetryRecovers(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat",
		WithAPIBase(srv.URL),
		WithRetryPolicy(3, time.Millisecond))
	require.NoError(t, n.SendWithRetry(context.Background(), "msg"))
	assert.Equal(t, 3, attempts)
}

func TestTelegramNotifier_SendWithRetryExhausts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("token", "chat",
		WithAPIBase(srv.URL),
		WithRetryPolicy(2, time.Millisecond))
	assert.Error(t, n.SendWithRetry(context.Background(), "msg"))
}
