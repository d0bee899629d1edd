package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPPublisherPostsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var c Content
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		require.Equal(t, "T", c.Title)
		_ = json.NewEncoder(w).Encode(Result{ExternalID: "yt_123", URL: "https://youtube.com/post/123"})
	}))
	defer srv.Close()

	p := NewHTTPPublisher(map[string]string{"youtube": srv.URL}, time.Second)
	res, err := p.Publish(context.Background(), Content{Title: "T", AssetID: "a1"}, "youtube")
	require.NoError(t, err)
	require.Equal(t, "yt_123", res.ExternalID)
	require.Equal(t, "https://youtube.com/post/123", res.URL)
}

func TestHTTPPublisherErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(map[string]string{"youtube": srv.URL}, time.Second)

	_, err := p.Publish(context.Background(), Content{Title: "T"}, "youtube")
	require.ErrorContains(t, err, "status 429")

	// 没配 endpoint 的平台
	_, err = p.Publish(context.Background(), Content{Title: "T"}, "instagram")
	require.ErrorContains(t, err, "no endpoint configured")
}

func TestHTTPPublisherHonorsContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewHTTPPublisher(map[string]string{"youtube": srv.URL}, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Publish(ctx, Content{Title: "T"}, "youtube")
	require.Error(t, err)
}

func TestSimulatedPublisher(t *testing.T) {
	p := NewSimulatedPublisher(0)
	res, err := p.Publish(context.Background(), Content{Title: "T", AssetID: "a9"}, "x")
	require.NoError(t, err)
	require.Contains(t, res.URL, "https://x.com/post/a9")
	require.NotEmpty(t, res.ExternalID)
}
