package sink

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFelderaSinkPostsToIngress(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := NewFelderaSink(server.URL, "beaver")
	require.NoError(t, s.Publish("beaver.public.users.insert", "", []byte(`{"insert":{"id":1}}`)))

	assert.Equal(t, "/ingress/public_users", gotPath)
	assert.Equal(t, "format=json", gotQuery)
	assert.Equal(t, `{"insert":{"id":1}}`, gotBody)
}

func TestFelderaSinkErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such table", http.StatusNotFound)
	}))
	defer server.Close()

	s := NewFelderaSink(server.URL, "beaver")
	err := s.Publish("beaver.public.users.insert", "", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "no such table")
}

func TestFelderaTableFromTopic(t *testing.T) {
	s := NewFelderaSink("http://localhost:8080", "beaver")

	assert.Equal(t, "public_users", s.tableFromTopic("beaver.public.users.insert"))
	assert.Equal(t, "transactions_begin", s.tableFromTopic("beaver.transactions.begin.event"))

	noPrefix := NewFelderaSink("http://localhost:8080", "")
	assert.Equal(t, "public_users", noPrefix.tableFromTopic("public.users.delete"))
}
