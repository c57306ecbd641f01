// internal/catalog/handler_test.go
package catalog

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bindery/internal/lending"
)

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestListingRoutes(t *testing.T) {
	svc := NewService(lending.NewMemoryStore())
	server := httptest.NewServer(NewHandler(svc).Routes())
	defer server.Close()

	resp, err := http.Post(server.URL+"/listings", "application/json",
		jsonBody(t, map[string]string{"title": "Always Coming Home"}))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var listing lending.Listing
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))

	resp, err = http.Get(server.URL + "/listings/" + listing.ID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/listings/" + uuid.New().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddListingWithoutTitle(t *testing.T) {
	svc := NewService(lending.NewMemoryStore())
	server := httptest.NewServer(NewHandler(svc).Routes())
	defer server.Close()

	resp, err := http.Post(server.URL+"/listings", "application/json",
		jsonBody(t, map[string]string{"title": ""}))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
