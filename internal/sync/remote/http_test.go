package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/core/internal/models"
	"github.com/fieldsync/core/internal/sync/retry"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(srv.URL, WithTokenSource(StaticToken("secret")), WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c
}

// TestNewHTTPClient_InvalidURL verifies base URL validation.
func TestNewHTTPClient_InvalidURL(t *testing.T) {
	_, err := NewHTTPClient("not a url")
	assert.Error(t, err)

	_, err = NewHTTPClient("")
	assert.Error(t, err)
}

// TestUploadBatch verifies the request shape and result decoding.
func TestUploadBatch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sync/batch", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Operations []map[string]interface{} `json:"operations"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Operations, 1)
		assert.Equal(t, "op-1", body.Operations[0]["operation_id"])
		assert.Equal(t, "createJob", body.Operations[0]["type"])
		assert.Equal(t, "tmp-1", body.Operations[0]["entity_id"])
		assert.Equal(t, "2026-03-01T09:00:00Z", body.Operations[0]["client_timestamp"])

		_, _ = w.Write([]byte(`{"results":[
			{"operation_id":"op-1","status":"success","server_id":"J2"}
		]}`))
	})

	op := models.SyncOperation{
		ID:              "op-1",
		Type:            models.OpCreateJob,
		EntityID:        "tmp-1",
		Payload:         json.RawMessage(`{"id":"tmp-1"}`),
		ClientTimestamp: ts,
	}
	resp, err := c.UploadBatch(context.Background(), BatchRequest{Operations: []BatchOperation{FromOperation(op)}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, StatusSuccess, resp.Results[0].Status)
	assert.Equal(t, "J2", resp.Results[0].ServerID)
}

// TestUploadBatch_Conflict verifies conflict details are decoded.
func TestUploadBatch_Conflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{
			"operation_id":"op-2","status":"conflict",
			"conflict":{"entity_type":"job","entity_id":"J1","field":"status",
				"server_value":"closed","local_value":"open",
				"server_timestamp":"2026-03-01T10:00:00Z","server_actor":"dispatch"}
		}]}`))
	})

	resp, err := c.UploadBatch(context.Background(), BatchRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	res := resp.Results[0]
	require.NotNil(t, res.Conflict)
	assert.Equal(t, StatusConflict, res.Status)
	assert.Equal(t, "status", res.Conflict.Field)
	assert.JSONEq(t, `"closed"`, string(res.Conflict.ServerValue))
	require.NotNil(t, res.Conflict.ServerTimestamp)
	assert.Equal(t, 10, res.Conflict.ServerTimestamp.Hour())

	op := models.SyncOperation{ID: "op-2", Type: models.OpUpdateJob, EntityID: "J1"}
	rec := res.Conflict.Record(op, time.Now())
	assert.Equal(t, "op-2", rec.ID)
	assert.Equal(t, models.EntityJob, rec.EntityType)
	assert.Equal(t, models.OpUpdateJob, rec.OperationType)
	assert.Equal(t, "dispatch", rec.ServerActor)
	assert.True(t, rec.Pending())
}

// TestFetchChanges_Jobs verifies query parameters and job decoding.
func TestFetchChanges_Jobs(t *testing.T) {
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/sync/changes", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2026-02-01T00:00:00Z", q.Get("since"))
		assert.Equal(t, "50", q.Get("limit"))
		assert.Equal(t, "100", q.Get("offset"))
		assert.Equal(t, "jobs", q.Get("entity"))

		_, _ = w.Write([]byte(`{
			"data":[{"id":"J1","client_name":"Acme","status":"open"}],
			"deleted_job_ids":["J9"],
			"pagination":{"has_more":true,"next_offset":150}
		}`))
	})

	page, err := c.FetchChanges(context.Background(), ChangesRequest{Since: since, Limit: 50, Offset: 100, Stream: StreamJobs})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "Acme", page.Jobs[0].ClientName)
	assert.Equal(t, []string{"J9"}, page.DeletedJobIDs)
	assert.True(t, page.Pagination.HasMore)
	assert.Equal(t, 150, page.Pagination.NextOffset)
	assert.Empty(t, page.MitigationItems)
}

// TestFetchChanges_MitigationItems verifies the tagged union is decoded
// from the entity_type discriminator.
func TestFetchChanges_MitigationItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mitigation_items", r.URL.Query().Get("entity"))
		_, _ = w.Write([]byte(`{
			"data":[
				{"entity_type":"hazard","id":"H1","job_id":"J1","title":"Ladder"},
				{"entity_type":"control","id":"C1","job_id":"J1","hazard_id":"H1","title":"Spotter"}
			],
			"deleted_mitigation_ids":["H9"],
			"pagination":{"has_more":false}
		}`))
	})

	page, err := c.FetchChanges(context.Background(), ChangesRequest{Since: BeginningOfTime, Limit: 100, Stream: StreamMitigationItems})
	require.NoError(t, err)
	require.Len(t, page.MitigationItems, 2)
	assert.Equal(t, models.EntityHazard, page.MitigationItems[0].EntityType)
	assert.Equal(t, "H1", page.MitigationItems[0].ID())
	assert.Equal(t, models.EntityControl, page.MitigationItems[1].EntityType)
	assert.Equal(t, "H1", page.MitigationItems[1].Control.HazardID)
	assert.Equal(t, []string{"H9"}, page.DeletedMitigationIDs)
	assert.False(t, page.Pagination.HasMore)
}

// TestFetchChanges_EmptyData verifies a page with no data decodes.
func TestFetchChanges_EmptyData(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":null,"pagination":{"has_more":false}}`))
	})

	page, err := c.FetchChanges(context.Background(), ChangesRequest{Since: BeginningOfTime, Limit: 10, Stream: StreamJobs})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
}

// TestResolveConflict verifies the request body and updated entity decoding.
func TestResolveConflict(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sync/resolve-conflict", r.URL.Path)

		var body ResolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "op-3", body.OperationID)
		assert.Equal(t, "server_wins", body.Strategy)

		_, _ = w.Write([]byte(`{"ok":true,"updated_job":{"id":"J1","status":"closed"}}`))
	})

	resp, err := c.ResolveConflict(context.Background(), ResolveRequest{OperationID: "op-3", Strategy: "server_wins"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	require.NotNil(t, resp.UpdatedJob)
	assert.Equal(t, "closed", resp.UpdatedJob.Status)
	assert.Nil(t, resp.UpdatedMitigationItem)
}

// TestStatusErrors verifies non-2xx responses surface as StatusError with
// the classification the retry policy expects.
func TestStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   retry.Class
		msg    string
	}{
		{"server error", http.StatusServiceUnavailable, `{"error":"maintenance"}`, retry.Retryable, "maintenance"},
		{"timeout", http.StatusRequestTimeout, ``, retry.Retryable, ""},
		{"unauthorized", http.StatusUnauthorized, `{"error":"token expired"}`, retry.Fatal, "token expired"},
		{"forbidden", http.StatusForbidden, `nope`, retry.Fatal, "nope"},
		{"bad request", http.StatusBadRequest, `{"error":"bad payload"}`, retry.Permanent, "bad payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			err := c.Health(context.Background())
			require.Error(t, err)

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.status, se.StatusCode())
			assert.Equal(t, tt.msg, se.Body)
			assert.Equal(t, tt.want, retry.Classify(err))
		})
	}
}

// TestOversizedResponse verifies the client stops reading past its body cap.
func TestOversizedResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		size    int
		wantErr bool
	}{
		{"within cap", http.StatusOK, 64, false},
		{"over cap", http.StatusOK, 65, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(strings.Repeat(" ", tt.size)))
			})
			c.maxBody = 64

			err := c.Health(context.Background())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "response exceeds 64 bytes")
			var se *StatusError
			assert.False(t, errors.As(err, &se))
		})
	}
}

// TestOversizedErrorResponse verifies an error status keeps its
// classification when the body is cut at the cap.
func TestOversizedErrorResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	})
	c.maxBody = 64

	err := c.Health(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode())
	assert.Len(t, se.Body, 64)
	assert.Equal(t, retry.Retryable, retry.Classify(err))
}

// TestHealth_Unreachable verifies a refused connection is retryable.
func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(url)
	require.NoError(t, err)

	err = c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, retry.Retryable, retry.Classify(err))
}

// TestNoTokenSource verifies no Authorization header is sent without a token source.
func TestNoTokenSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "custom/2", r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(srv.URL+"/", WithUserAgent("custom/2"))
	require.NoError(t, err)
	require.NoError(t, c.Health(context.Background()))
}
