package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytbatch/backend"
)

type stubResolver struct {
	meta *backend.Metadata
	err  error
}

func (s *stubResolver) Resolve(ctx context.Context, videoID string) (*backend.Metadata, error) {
	return s.meta, s.err
}

type stubExpander struct {
	head  *backend.PlaylistHead
	items []backend.PlaylistItem
	err   error
}

func (s *stubExpander) Expand(ctx context.Context, playlistID string, emit func(backend.PlaylistItem)) (*backend.PlaylistHead, error) {
	for _, item := range s.items {
		emit(item)
	}
	return s.head, s.err
}

type stubStreamer struct {
	payload []byte
	err     error
}

func (s *stubStreamer) Serve(ctx context.Context, videoID string, expr backend.FormatExpression, sink io.Writer) error {
	if len(s.payload) > 0 {
		sink.Write(s.payload)
	}
	return s.err
}

type testEnv struct {
	server  *httptest.Server
	jobs    *backend.Controller
	streams *stubStreamer
}

func newTestEnv(t *testing.T, resolver *stubResolver, expander *stubExpander, streams *stubStreamer) *testEnv {
	t.Helper()
	cfg := backend.GetDefaultConfig()
	cfg.OutputDirectory = t.TempDir()
	cfg.RateLimitPerMinute = 0 // rate limiting off in tests

	if resolver == nil {
		resolver = &stubResolver{meta: &backend.Metadata{Title: "Stub Title", Author: "Stub Author"}}
	}
	if expander == nil {
		expander = &stubExpander{head: &backend.PlaylistHead{Title: "Stub List"}}
	}
	if streams == nil {
		streams = &stubStreamer{payload: []byte("stub-payload")}
	}

	jobs := backend.NewController(context.Background(), cfg, resolver.Resolve, expander.Expand)
	t.Cleanup(jobs.Stop)

	srv := NewServer(cfg, resolver, expander, streams, jobs)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, jobs: jobs, streams: streams}
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	var body map[string]any
	resp := getJSON(t, env.server.URL+"/api/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "worker")
}

func TestInfoEndpoint(t *testing.T) {
	env := newTestEnv(t, &stubResolver{meta: &backend.Metadata{
		Title:           "A Song",
		Author:          "An Artist",
		ThumbnailURL:    "https://example.com/t.jpg",
		ResolutionLabel: "1080p",
		ApproximateSize: "90.0 MB",
	}}, nil, nil)

	var meta backend.Metadata
	resp := getJSON(t, env.server.URL+"/api/info?ref=dQw4w9WgXcQ", &meta)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A Song", meta.Title)
	assert.Equal(t, "An Artist", meta.Author)
}

func TestInfoEndpointRejectsBadRef(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	resp := getJSON(t, env.server.URL+"/api/info?ref=not-a-link", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Playlist refs are not valid for the single-item endpoint
	resp = getJSON(t, env.server.URL+"/api/info?ref=https%3A%2F%2Fwww.youtube.com%2Fplaylist%3Flist%3DPLxyz", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInfoEndpointNotFound(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: &backend.ResolveError{
		Kind: backend.ResolveNotFound,
		Err:  errors.New("video unavailable"),
	}}, nil, nil)

	resp := getJSON(t, env.server.URL+"/api/info?ref=dQw4w9WgXcQ", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInfoEndpointBackendDown(t *testing.T) {
	env := newTestEnv(t, &stubResolver{err: &backend.ResolveError{
		Kind: backend.ResolveBackendUnavailable,
		Err:  errors.New("exec failed"),
	}}, nil, nil)

	resp := getJSON(t, env.server.URL+"/api/info?ref=dQw4w9WgXcQ", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPlaylistEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, &stubExpander{
		head: &backend.PlaylistHead{ID: "PLxyz", Title: "My List", Author: "Owner", Total: 2},
		items: []backend.PlaylistItem{
			{ID: "aaaaaaaaaaa", Title: "One", Position: 1},
			{ID: "bbbbbbbbbbb", Title: "Two", Position: 2},
		},
	}, nil)

	var body playlistResponse
	resp := getJSON(t, env.server.URL+"/api/playlist?ref=https%3A%2F%2Fwww.youtube.com%2Fplaylist%3Flist%3DPLxyz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "My List", body.Title)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Items, 2)
	assert.Equal(t, "aaaaaaaaaaa", body.Items[0].ID)
}

func TestPlaylistEndpointRejectsSingleRef(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	resp := getJSON(t, env.server.URL+"/api/playlist?ref=dQw4w9WgXcQ", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadEndpointStreams(t *testing.T) {
	env := newTestEnv(t, nil, nil, &stubStreamer{payload: []byte("media-payload")})

	resp, err := http.Get(env.server.URL + "/api/download?ref=dQw4w9WgXcQ&kind=audio&quality=192k")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "Stub Title.mp3")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "media-payload", string(body))
}

func TestDownloadEndpointFailureBeforeFirstByte(t *testing.T) {
	env := newTestEnv(t, nil, nil, &stubStreamer{err: &backend.StreamError{
		Reason: "no formats found",
		Err:    errors.New("exit status 1"),
	}})

	resp, err := http.Get(env.server.URL + "/api/download?ref=dQw4w9WgXcQ&kind=audio")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "no formats found")

	// The error body must not arrive dressed as a file download
	assert.Empty(t, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestDownloadEndpointResolverFailure(t *testing.T) {
	// Resolution fails but the streamer would succeed; the request must be
	// rejected before any stream byte or attachment header goes out
	env := newTestEnv(t, &stubResolver{err: &backend.ResolveError{
		Kind: backend.ResolveNotFound,
		Err:  errors.New("video unavailable"),
	}}, nil, &stubStreamer{payload: []byte("should-never-be-sent")})

	resp, err := http.Get(env.server.URL + "/api/download?ref=dQw4w9WgXcQ&kind=audio")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "should-never-be-sent")
}

func TestDownloadEndpointFailureAfterFirstByte(t *testing.T) {
	env := newTestEnv(t, nil, nil, &stubStreamer{
		payload: []byte("partial"),
		err: &backend.StreamError{
			Flushed: true,
			Reason:  "mid-stream failure",
			Err:     errors.New("exit status 1"),
		},
	})

	resp, err := http.Get(env.server.URL + "/api/download?ref=dQw4w9WgXcQ&kind=audio")
	require.NoError(t, err)
	defer resp.Body.Close()

	// Headers were already sent; the payload is simply truncated
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "partial", string(body))
	assert.NotContains(t, string(body), "error")
}

func TestDownloadEndpointRejectsBadQuality(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	resp := getJSON(t, env.server.URL+"/api/download?ref=dQw4w9WgXcQ&kind=audio&quality=64k", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	// Add a batch
	reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ\naaaabbbbccc", Kind: "audio", Quality: "192k"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var added addJobsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, added.IDs, 2)

	// List them
	var entries []backend.JobEntry
	resp = getJSON(t, env.server.URL+"/api/jobs/", &entries)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, entries, 2)

	// Fetch one
	var entry backend.JobEntry
	resp = getJSON(t, env.server.URL+"/api/jobs/"+added.IDs[0], &entry)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, backend.StatusQueued, entry.Status)

	// Remove it
	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/api/jobs/"+added.IDs[0], nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = getJSON(t, env.server.URL+"/api/jobs/"+added.IDs[0], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestJobsAddRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	reqBody, _ := json.Marshal(addJobsRequest{Kind: "audio"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsAddRejectsBadQuality(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ", Kind: "audio", Quality: "64k"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobsRetryEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	// A queued entry cannot be retried
	reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ", Kind: "audio", Quality: "192k"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var added addJobsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()

	resp, err = http.Post(env.server.URL+"/api/jobs/"+added.IDs[0]+"/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJobsClearEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ\naaaabbbbccc", Kind: "audio", Quality: "192k"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	resp.Body.Close()

	// Queued entries survive a finished-only clear
	resp, err = http.Post(env.server.URL+"/api/jobs/clear", "application/json", nil)
	require.NoError(t, err)
	var cleared map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	resp.Body.Close()
	assert.Equal(t, 0, cleared["cleared"])

	// all=true wipes everything
	resp, err = http.Post(env.server.URL+"/api/jobs/clear?all=true", "application/json", nil)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cleared))
	resp.Body.Close()
	assert.Equal(t, 2, cleared["cleared"])
}

func TestJobsDownloadAllEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)
	env.jobs.Start()

	reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ", Kind: "audio", Quality: "192k"})
	resp, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
	require.NoError(t, err)
	var added addJobsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&added))
	resp.Body.Close()

	// Wait for resolution to mark the entry ready
	require.Eventually(t, func() bool {
		entry := env.jobs.Get(added.IDs[0])
		return entry != nil && entry.Status == backend.StatusReady
	}, 3*time.Second, 20*time.Millisecond)

	resp, err = http.Post(env.server.URL+"/api/jobs/download-all", "application/json", nil)
	require.NoError(t, err)
	var scheduled map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&scheduled))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, scheduled["scheduled"])

	require.Eventually(t, func() bool {
		entry := env.jobs.Get(added.IDs[0])
		return entry != nil && entry.Status == backend.StatusDone
	}, 5*time.Second, 50*time.Millisecond)
}

func TestJobEventsStream(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/jobs/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Add a job once the subscription is established
	go func() {
		time.Sleep(100 * time.Millisecond)
		reqBody, _ := json.Marshal(addJobsRequest{Text: "dQw4w9WgXcQ", Kind: "audio", Quality: "192k"})
		r, err := http.Post(env.server.URL+"/api/jobs", "application/json", bytes.NewReader(reqBody))
		if err == nil {
			r.Body.Close()
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event backend.JobEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		assert.Equal(t, "added", event.Type)
		require.NotNil(t, event.Entry)
		assert.Equal(t, "dQw4w9WgXcQ", event.Entry.SourceRef)
		return
	}
	t.Fatal("no job event received before the stream closed")
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil, nil, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/jobs/", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
