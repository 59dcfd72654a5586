package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HanTheDev/orbit-gateway/internal/errs"
)

const articlesPattern = `{"class": "Article", "fields": ["title", "body"], "concepts": ["{{topic}}"], "limit": 3}`

// fakeWeaviate serves the readiness, meta and GraphQL endpoints the vector
// driver talks to.
func fakeWeaviate(t *testing.T, graphql http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/.well-known/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/meta", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"version": "1.25.0"}`))
	})
	mux.HandleFunc("/v1/graphql", graphql)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func openVector(t *testing.T, srv *httptest.Server) Driver {
	t.Helper()
	drv, err := OpenVector(context.Background(), Spec{Kind: KindVector, Params: map[string]string{"host": srv.URL}})
	require.NoError(t, err)
	return drv
}

func TestVectorDriverNearText(t *testing.T) {
	var query string
	srv := fakeWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body struct {
			Query string `json:"query"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		query = body.Query
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"Get": {"Article": [
			{"title": "Late parcels", "body": "carrier backlog"},
			{"title": "Port strike", "body": "containers held"}
		]}}}`))
	})

	rs, err := openVector(t, srv).Execute(context.Background(), BoundQuery{
		Pattern: articlesPattern,
		Values:  map[string]any{"topic": "shipping delays"},
	})
	require.NoError(t, err)

	assert.Contains(t, query, "Article")
	assert.Contains(t, query, "limit: 3")
	assert.Contains(t, query, "shipping delays")
	assert.Equal(t, []string{"title", "body"}, rs.Columns)
	require.Equal(t, 2, rs.RowCount())
	assert.Equal(t, "Late parcels", rs.Rows[0]["title"])
	assert.Equal(t, KindVector, rs.Source)
}

func TestVectorDriverGraphQLErrorsArePermanent(t *testing.T) {
	srv := fakeWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors": [{"message": "Cannot query field \"bogus\" on type \"Article\"."}]}`))
	})

	_, err := openVector(t, srv).Execute(context.Background(), BoundQuery{
		Pattern: articlesPattern,
		Values:  map[string]any{"topic": "anything"},
	})
	var be *errs.BackendError
	require.True(t, errors.As(err, &be))
	assert.False(t, be.Transient)
	assert.Equal(t, KindVector, be.Datasource)
	assert.Contains(t, err.Error(), "bogus")
}

func TestVectorDriverServerErrorIsBackendError(t *testing.T) {
	srv := fakeWeaviate(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := openVector(t, srv).Execute(context.Background(), BoundQuery{
		Pattern: articlesPattern,
		Values:  map[string]any{"topic": "anything"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindBackend, errs.KindOf(err))
}

func TestVectorDriverRejectsBadQueries(t *testing.T) {
	drv := &VectorDriver{}
	tests := map[string]string{
		"not json":      `{"class": Article}`,
		"missing class": `{"fields": ["title"]}`,
		"no fields":     `{"class": "Article"}`,
	}
	for name, pattern := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := drv.Execute(context.Background(), BoundQuery{Pattern: pattern})
			var be *errs.BackendError
			require.True(t, errors.As(err, &be))
			assert.False(t, be.Transient)
		})
	}
}

func TestOpenVectorFailsWhenNotReady(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := OpenVector(context.Background(), Spec{Kind: KindVector, Params: map[string]string{"host": srv.URL}})
	assert.Error(t, err)
}
