package diskapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct{ tok string }

func (s staticTokens) Token(context.Context) (string, error) { return s.tok, nil }

func TestListResourcesAllPaginates(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		assert.Equal(t, "OAuth secret", r.Header.Get("Authorization"))

		offset := r.URL.Query().Get("offset")

		var resp ListResourcesResponse
		if offset == "0" {
			resp = ListResourcesResponse{Embedded: ResourceList{
				Items: []Resource{{Path: "/Docs/A.txt", Type: KindFile}},
				Limit: 1, Offset: 0, Total: 2,
			}}
		} else {
			resp = ListResourcesResponse{Embedded: ResourceList{
				Items: []Resource{{Path: "/Docs/B.txt", Type: KindFile}},
				Limit: 1, Offset: 1, Total: 2,
			}}
		}

		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, nil)

	items, err := c.ListResourcesAll(context.Background(), "/Docs")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, "/Docs/A.txt", items[0].Path)
	assert.Equal(t, "/Docs/B.txt", items[1].Path)
}

func TestDeleteSynchronousReturnsNilLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, nil)

	link, err := c.Delete(context.Background(), "/Docs/A.txt", true)
	require.NoError(t, err)
	assert.Nil(t, link)
}

func TestGetMetadataReturnsResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/resources", r.URL.Path)
		assert.Equal(t, "/Docs/A.txt", r.URL.Query().Get("path"))

		_ = json.NewEncoder(w).Encode(Resource{Path: "/Docs/A.txt", Type: KindFile, MD5: "abc123"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, nil)

	res, err := c.GetMetadata(context.Background(), "/Docs/A.txt")
	require.NoError(t, err)
	assert.Equal(t, "/Docs/A.txt", res.Path)
	assert.Equal(t, "abc123", res.MD5)
}

func TestGetMetadataReturnsNotFoundWhenAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, nil)

	_, err := c.GetMetadata(context.Background(), "/Docs/A.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client(), staticTokens{"secret"}, nil)

	_, err := c.GetDiskInfo(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, 2, apiErr.RetryAfter)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, ClassRateLimit, ClassifyStatus(apiErr.StatusCode))
}
