package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"email-triage/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staticTokens() oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func newTestGraphClient(t *testing.T, handler http.Handler) *GraphClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewGraphClient(staticTokens(), ratelimit.NewBucket("test", 1000, 1000), testLogger())
	c.SetBaseURL(srv.URL)
	return c
}

func TestGetDeltaWalksPagesToDeltaLink(t *testing.T) {
	mux := http.NewServeMux()
	var baseURL string

	mux.HandleFunc("/me/mailFolders/inbox/messages/delta", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, `IdType="ImmutableId"`, r.Header.Get("Prefer"))

		fmt.Fprintf(w, `{
			"value": [
				{"id": "m1", "conversationId": "c1", "subject": "first",
				 "from": {"emailAddress": {"address": "a@example.com", "name": "A"}},
				 "receivedDateTime": "2026-08-20T10:00:00Z",
				 "body": {"contentType": "html", "content": "<p>hi</p>"},
				 "isRead": false}
			],
			"@odata.nextLink": %q
		}`, baseURL+"/page2")
	})
	mux.HandleFunc("/page2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"value": [
				{"id": "m2", "@removed": {"reason": "deleted"}}
			],
			"@odata.deltaLink": %q
		}`, baseURL+"/delta-resume")
	})

	c := newTestGraphClient(t, mux)
	baseURL = strings.TrimSuffix(c.baseURL, "/")

	result, err := c.GetDelta(context.Background(), "inbox", "")
	require.NoError(t, err)

	require.Len(t, result.Messages, 1)
	assert.Equal(t, "m1", result.Messages[0].ID)
	assert.Equal(t, "a@example.com", result.Messages[0].SenderEmail)
	assert.Equal(t, "<p>hi</p>", result.Messages[0].Body)
	assert.Equal(t, []string{"m2"}, result.Removed)
	assert.Equal(t, baseURL+"/delta-resume", result.NextToken, "the delta link is the resume token")
}

func TestGetDeltaResumesFromToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/resume-here", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [], "@odata.deltaLink": "next-delta"}`)
	})
	c := newTestGraphClient(t, mux)

	result, err := c.GetDelta(context.Background(), "inbox", c.baseURL+"/resume-here")
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Equal(t, "next-delta", result.NextToken)
}

func TestGetFolderIDResolvesAndCreatesPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			http.Error(w, "unexpected create at top level", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"value": [{"id": "fid-projects", "displayName": "Projects"}]}`)
	})
	created := false
	mux.HandleFunc("/me/mailFolders/fid-projects/childFolders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "Apollo", body["displayName"])
			created = true
			fmt.Fprint(w, `{"id": "fid-apollo", "displayName": "Apollo"}`)
			return
		}
		fmt.Fprint(w, `{"value": []}`)
	})

	c := newTestGraphClient(t, mux)

	id, err := c.GetFolderID(context.Background(), "Projects/Apollo")
	require.NoError(t, err)
	assert.Equal(t, "fid-apollo", id)
	assert.True(t, created, "the missing leaf folder was created")

	// Second resolution is served from the cache.
	created = false
	id, err = c.GetFolderID(context.Background(), "Projects/Apollo")
	require.NoError(t, err)
	assert.Equal(t, "fid-apollo", id)
	assert.False(t, created)
}

func TestGetFolderIDMatchesCaseInsensitively(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [{"id": "fid-inbox", "displayName": "Inbox"}]}`)
	})
	c := newTestGraphClient(t, mux)

	id, err := c.GetFolderID(context.Background(), "inbox")
	require.NoError(t, err)
	assert.Equal(t, "fid-inbox", id)
}

func TestBatchMoveMapsPerMoveOutcomes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/$batch", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Requests []struct {
				ID     string `json:"id"`
				Method string `json:"method"`
				URL    string `json:"url"`
			} `json:"requests"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.Requests, 3)
		assert.Equal(t, "/me/messages/m1/move", payload.Requests[0].URL)

		fmt.Fprint(w, `{"responses": [
			{"id": "0", "status": 201, "body": {"id": "m1-moved"}},
			{"id": "1", "status": 404, "body": {"error": {"code": "ErrorItemNotFound", "message": "gone"}}},
			{"id": "2", "status": 201, "body": {"id": "m3"}}
		]}`)
	})
	c := newTestGraphClient(t, mux)

	results, err := c.BatchMove(context.Background(), []Move{
		{MessageID: "m1", DestinationFolderID: "f1"},
		{MessageID: "m2", DestinationFolderID: "f1"},
		{MessageID: "m3", DestinationFolderID: "f1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "m1-moved", results[0].NewID, "id reassignment surfaces as NewID")

	assert.ErrorIs(t, results[1].Err, ErrNotFound)

	assert.NoError(t, results[2].Err)
	assert.Empty(t, results[2].NewID, "unchanged id reports no NewID")
}

func TestBatchMoveMissingResponseIsAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/$batch", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"responses": [{"id": "0", "status": 201, "body": {"id": "m1"}}]}`)
	})
	c := newTestGraphClient(t, mux)

	results, err := c.BatchMove(context.Background(), []Move{
		{MessageID: "m1", DestinationFolderID: "f1"},
		{MessageID: "m2", DestinationFolderID: "f1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	assert.Contains(t, results[1].Err.Error(), "no response")
}

func TestStatusTranslation(t *testing.T) {
	cases := []struct {
		status int
		check  func(t *testing.T, err error)
	}{
		{http.StatusNotFound, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrNotFound)
		}},
		{http.StatusConflict, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConflict)
		}},
		{http.StatusPreconditionFailed, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConflict)
		}},
		{http.StatusTooManyRequests, func(t *testing.T, err error) {
			var rateErr *ratelimit.Error
			assert.ErrorAs(t, err, &rateErr)
		}},
		{http.StatusBadGateway, func(t *testing.T, err error) {
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, http.StatusBadGateway, apiErr.Status)
		}},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			c := newTestGraphClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, `{"error": {"code": "SomeCode", "message": "details"}}`)
			}))

			_, err := c.GetMessageImmutableID(context.Background(), "m1")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestGetSentItems(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/me/mailFolders/sentitems/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("$filter"), "sentDateTime ge ")
		fmt.Fprint(w, `{"value": [
			{"id": "s1", "conversationId": "c1", "sentDateTime": "2026-08-23T09:00:00Z"}
		]}`)
	})
	c := newTestGraphClient(t, mux)

	sent, err := c.GetSentItems(context.Background(), time.Date(2026, 8, 22, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, "c1", sent[0].ConversationID)
	assert.Equal(t, time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC), sent[0].SentAt)
}

func TestCategories(t *testing.T) {
	var createdBody map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/me/outlook/masterCategories", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createdBody))
			w.WriteHeader(http.StatusCreated)
			return
		}
		fmt.Fprint(w, `{"value": [{"displayName": "P1 - Urgent Important"}]}`)
	})
	c := newTestGraphClient(t, mux)

	names, err := c.ListCategories(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1 - Urgent Important"}, names)

	require.NoError(t, c.CreateCategory(context.Background(), "P2 - Important", "preset4"))
	assert.Equal(t, map[string]string{"displayName": "P2 - Important", "color": "preset4"}, createdBody)
}

func TestRateLimitFailFastSkipsRequest(t *testing.T) {
	requests := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, `{}`)
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// Drain a bucket that refills far too slowly to serve another token
	// within the wait cap.
	bucket := ratelimit.NewBucket("test", 0.001, 1)
	require.NoError(t, bucket.Wait(context.Background(), 1))

	c := NewGraphClient(staticTokens(), bucket, testLogger())
	c.SetBaseURL(srv.URL)

	_, err := c.GetMessageImmutableID(context.Background(), "m1")
	var rateErr *ratelimit.Error
	require.True(t, errors.As(err, &rateErr))
	assert.Zero(t, requests, "a rate-limited call never leaves the process")
}
