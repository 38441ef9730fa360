package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergebot/pkg/train"
)

// fakeForge is a minimal in-memory GitHub standing in for the real API:
// refs, user pulls, synthetic draft PRs, and per-commit check results.
type fakeForge struct {
	mu     sync.Mutex
	refs   map[string]string          // branch -> tip sha
	pulls  map[int]map[string]any     // user pulls by number
	drafts map[string]int             // synthetic branch -> draft PR number
	closed map[int]bool               // draft PR number -> closed
	status map[string]string          // sha -> combined status state
	merges []string                   // recorded "base<-head" merge calls
	nextPR int
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		refs:   map[string]string{"main": "basetip0000000000000000000000000000000000"},
		pulls:  make(map[int]map[string]any),
		drafts: make(map[string]int),
		closed: make(map[int]bool),
		status: make(map[string]string),
		nextPR: 1000,
	}
}

func (f *fakeForge) addPull(number int, headSHA string) {
	f.pulls[number] = map[string]any{
		"number": number,
		"merged": false,
		"head":   map[string]any{"sha": headSHA, "ref": fmt.Sprintf("feature/%d", number)},
		"base":   map[string]any{"ref": "main"},
	}
}

func (f *fakeForge) handler() http.Handler {
	const prefix = "/repos/acme/widgets"
	writeJSON := func(w http.ResponseWriter, code int, v any) {
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(v)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		path := strings.TrimPrefix(r.URL.Path, prefix)
		switch {
		case r.Method == http.MethodGet && strings.HasPrefix(path, "/git/ref/heads/"):
			branch := strings.TrimPrefix(path, "/git/ref/heads/")
			sha, ok := f.refs[branch]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"object": map[string]string{"sha": sha}})

		case r.Method == http.MethodPost && path == "/git/refs":
			var req struct {
				Ref string `json:"ref"`
				SHA string `json:"sha"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			branch := strings.TrimPrefix(req.Ref, "refs/heads/")
			if _, exists := f.refs[branch]; exists {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Reference already exists"})
				return
			}
			f.refs[branch] = req.SHA
			writeJSON(w, http.StatusCreated, map[string]string{"ref": req.Ref})

		case r.Method == http.MethodDelete && strings.HasPrefix(path, "/git/refs/heads/"):
			branch := strings.TrimPrefix(path, "/git/refs/heads/")
			if _, exists := f.refs[branch]; !exists {
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
				return
			}
			delete(f.refs, branch)
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPost && path == "/merges":
			var req struct {
				Base string `json:"base"`
				Head string `json:"head"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.merges = append(f.merges, req.Base+"<-"+req.Head)
			f.refs[req.Base] = "merged-" + req.Head
			writeJSON(w, http.StatusCreated, map[string]any{"sha": f.refs[req.Base]})

		case r.Method == http.MethodGet && path == "/pulls":
			head := r.URL.Query().Get("head")
			branch := strings.TrimPrefix(head, "acme:")
			if number, ok := f.drafts[branch]; ok && !f.closed[number] {
				writeJSON(w, http.StatusOK, []map[string]any{{"number": number}})
				return
			}
			writeJSON(w, http.StatusOK, []map[string]any{})

		case r.Method == http.MethodPost && path == "/pulls":
			var req struct {
				Head string `json:"head"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.nextPR++
			f.drafts[req.Head] = f.nextPR
			writeJSON(w, http.StatusCreated, map[string]any{"number": f.nextPR})

		case r.Method == http.MethodPatch && strings.HasPrefix(path, "/pulls/"):
			var number int
			fmt.Sscanf(strings.TrimPrefix(path, "/pulls/"), "%d", &number)
			f.closed[number] = true
			writeJSON(w, http.StatusOK, map[string]any{"number": number, "state": "closed"})

		case r.Method == http.MethodGet && strings.HasPrefix(path, "/pulls/"):
			var number int
			fmt.Sscanf(strings.TrimPrefix(path, "/pulls/"), "%d", &number)
			pull, ok := f.pulls[number]
			if !ok {
				writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
				return
			}
			writeJSON(w, http.StatusOK, pull)

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/status"):
			sha := strings.TrimSuffix(strings.TrimPrefix(path, "/commits/"), "/status")
			state, ok := f.status[sha]
			if !ok {
				state = "pending"
			}
			writeJSON(w, http.StatusOK, map[string]any{"state": state, "total_count": 1})

		case r.Method == http.MethodGet && strings.HasSuffix(path, "/check-runs"):
			writeJSON(w, http.StatusOK, map[string]any{"total_count": 0, "check_runs": []any{}})

		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no route: " + r.Method + " " + path})
		}
	})
}

func newTestMaterializer(t *testing.T) (*CarMaterializer, *fakeForge) {
	t.Helper()
	forge := newFakeForge()
	srv := httptest.NewServer(forge.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, "tok", "acme", "widgets", nil)
	require.NoError(t, err)
	return NewCarMaterializer(client, "main"), forge
}

var _ train.Materializer = (*CarMaterializer)(nil)

func TestMaterializerCreate(t *testing.T) {
	mat, forge := newTestMaterializer(t)
	forge.addPull(1, "sha1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	forge.addPull(2, "sha2bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	handle, err := mat.Create(context.Background(), []int{1}, 2)
	require.NoError(t, err)
	assert.Equal(t, "mergebot/train/main/2", handle)

	// Branch exists and both heads were merged in order.
	_, ok := forge.refs[handle]
	assert.True(t, ok)
	require.Len(t, forge.merges, 2)
	assert.Contains(t, forge.merges[0], "sha1")
	assert.Contains(t, forge.merges[1], "sha2")

	// A draft PR was opened for the synthetic branch.
	assert.NotZero(t, forge.drafts[handle])
}

func TestMaterializerCreateIsIdempotent(t *testing.T) {
	mat, forge := newTestMaterializer(t)
	forge.addPull(1, "sha1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	first, err := mat.Create(context.Background(), nil, 1)
	require.NoError(t, err)

	// Second create reuses the branch and draft PR.
	second, err := mat.Create(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, forge.drafts, 1)
}

func TestMaterializerDelete(t *testing.T) {
	mat, forge := newTestMaterializer(t)
	forge.addPull(1, "sha1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	handle, err := mat.Create(context.Background(), nil, 1)
	require.NoError(t, err)
	draftNumber := forge.drafts[handle]

	require.NoError(t, mat.Delete(context.Background(), handle))
	assert.True(t, forge.closed[draftNumber])
	_, exists := forge.refs[handle]
	assert.False(t, exists)

	// Deleting again is a no-op.
	require.NoError(t, mat.Delete(context.Background(), handle))
}

func TestMaterializerReportStatus(t *testing.T) {
	mat, forge := newTestMaterializer(t)
	forge.addPull(1, "sha1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	handle, err := mat.Create(context.Background(), nil, 1)
	require.NoError(t, err)
	tip := forge.refs[handle]

	state, err := mat.ReportStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, train.CheckPending, state)

	forge.status[tip] = "success"
	state, err = mat.ReportStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, train.CheckSuccess, state)

	forge.status[tip] = "failure"
	state, err = mat.ReportStatus(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, train.CheckFailure, state)
}
