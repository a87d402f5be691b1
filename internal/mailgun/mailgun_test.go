package mailgun

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/meetingnotes/internal/apiclient"
	"github.com/agentworkforce/meetingnotes/internal/notes"
)

func TestSendPostsForm(t *testing.T) {
	var form map[string]string
	var user, pass, path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		user, pass, _ = r.BasicAuth()
		assert.NoError(t, r.ParseForm())
		form = map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		_, _ = w.Write([]byte(`{"id":"<20261016.1@mg.example.com>","message":"Queued. Thank you."}`))
	}))
	defer server.Close()

	sender := New(Options{
		APIKey:  "key-123",
		Domain:  "mg.example.com",
		BaseURL: server.URL,
		Client:  apiclient.New(apiclient.Options{HTTPClient: server.Client()}),
	})
	id, err := sender.Send(context.Background(), notes.Email{To: "bob@example.com", Subject: "Meeting notes: Standup Transcript", Text: "body"})
	require.NoError(t, err)
	assert.Equal(t, "<20261016.1@mg.example.com>", id)
	assert.Equal(t, "/v3/mg.example.com/messages", path)
	assert.Equal(t, "api", user)
	assert.Equal(t, "key-123", pass)
	assert.Equal(t, "Meeting Notes <no-reply@mg.example.com>", form["from"])
	assert.Equal(t, "bob@example.com", form["to"])
	assert.Equal(t, "Meeting notes: Standup Transcript", form["subject"])
	assert.Equal(t, "body", form["text"])
}

func TestSendSurfacesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Invalid private key"}`))
	}))
	defer server.Close()

	sender := New(Options{APIKey: "bad", Domain: "mg.example.com", BaseURL: server.URL, Client: apiclient.New(apiclient.Options{HTTPClient: server.Client()})})
	_, err := sender.Send(context.Background(), notes.Email{To: "bob@example.com"})
	var statusErr *apiclient.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Status)
	assert.Equal(t, "Invalid private key", statusErr.Message)
}

func TestSendValidatesConfiguration(t *testing.T) {
	_, err := New(Options{}).Send(context.Background(), notes.Email{To: "bob@example.com"})
	require.Error(t, err)
	_, err = New(Options{APIKey: "k", Domain: "d"}).Send(context.Background(), notes.Email{})
	assert.ErrorIs(t, err, notes.ErrInvalidInput)
}
