package labelstudio

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

func TestEncodeTasks(t *testing.T) {
	recs := []dataset.Record{
		{ID: "a", Text: "anfora", Domain: "archeologia", Label: "positivo"},
		{ID: "b", Text: "abside", Domain: "architettura"},
	}

	body, err := EncodeTasks(recs, false)
	require.NoError(t, err)
	var plain []map[string]any
	require.NoError(t, json.Unmarshal(body, &plain))
	require.Len(t, plain, 2)
	assert.Equal(t, map[string]any{"id": "a", "text": "anfora", "domain": "archeologia"}, plain[0]["data"])
	assert.NotContains(t, plain[0], "annotations")

	body, err = EncodeTasks(recs, true)
	require.NoError(t, err)
	got, skipped, err := ParseExport(body)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []dataset.Record{recs[0]}, got)
}

func TestBuildLabelConfig(t *testing.T) {
	cfg := BuildLabelConfig("Schede <beni>", []string{"negativo", "positivo"})
	assert.Contains(t, cfg, `<Header value="Schede &lt;beni&gt;"/>`)
	assert.Contains(t, cfg, `<Text name="text" value="$text"/>`)
	assert.Contains(t, cfg, `<Choices name="label" toName="text" choice="single" showInline="true">`)
	assert.Contains(t, cfg, "    <Choice value=\"negativo\"/>\n    <Choice value=\"positivo\"/>\n")
}

const export = `[
  {"id": 1, "data": {"id": "r1", "text": "anfora", "domain": "archeologia"},
   "annotations": [
     {"id": 10, "updated_at": "2024-05-01T10:00:00Z", "result": [{"from_name": "label", "to_name": "text", "type": "choices", "value": {"choices": ["negativo"]}}]},
     {"id": 11, "updated_at": "2024-05-02T10:00:00Z", "result": [{"from_name": "label", "to_name": "text", "type": "choices", "value": {"choices": ["positivo"]}}]},
     {"id": 12, "was_cancelled": true, "updated_at": "2024-05-03T10:00:00Z", "result": [{"from_name": "label", "to_name": "text", "type": "choices", "value": {"choices": ["negativo"]}}]}
   ]},
  {"id": 2, "data": {"id": "r2", "text": "abside", "domain": "architettura"}, "annotations": []},
  {"id": 3, "data": {"id": "r3", "text": "capitello", "domain": "architettura"},
   "annotations": [{"id": 30, "result": [{"type": "textarea", "value": {"text": ["nota"]}}, {"type": "choices", "from_name": "label", "value": {"choices": ["negativo", "positivo"]}}]}]}
]`

func TestParseExport(t *testing.T) {
	got, skipped, err := ParseExport([]byte(export))
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []dataset.Record{
		{ID: "r1", Text: "anfora", Domain: "archeologia", Label: "positivo"},
		{ID: "r3", Text: "capitello", Domain: "architettura", Label: "negativo"},
	}, got)

	_, _, err = ParseExport([]byte(`[{"id": 4, "data": {"text": "x"}}]`))
	assert.Error(t, err)
	_, _, err = ParseExport([]byte(`{`))
	assert.Error(t, err)
}

type fakeLS struct {
	t        *testing.T
	failures int
	calls    map[string]int
	imported []Task
	config   string
}

func (f *fakeLS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path
	f.calls[key]++

	if r.URL.Path == "/api/token/refresh" {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if body["refresh"] != "pat" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access": "acc"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer acc" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch key {
	case "POST /api/projects/7/import":
		if f.calls[key] <= f.failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.imported))
		_ = json.NewEncoder(w).Encode(map[string]int{"task_count": len(f.imported)})
	case "PATCH /api/projects/7":
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.config = body["label_config"]
		w.WriteHeader(http.StatusOK)
	case "GET /api/projects/7/export":
		assert.Equal(f.t, "JSON", r.URL.Query().Get("exportType"))
		_, _ = io.WriteString(w, export)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFake(t *testing.T, failures int) (*fakeLS, *Client) {
	f := &fakeLS{t: t, failures: failures, calls: map[string]int{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", "pat", nil).WithHTTPClient(srv.Client()).WithBackoff(time.Millisecond)
	return f, c
}

func TestClientPushAndPull(t *testing.T) {
	f, c := newFake(t, 1)
	ctx := context.Background()

	require.NoError(t, c.SetLabelConfig(ctx, 7, BuildLabelConfig("al", []string{"positivo"})))
	assert.Contains(t, f.config, `<Choice value="positivo"/>`)

	n, err := c.Import(ctx, 7, Tasks([]dataset.Record{{ID: "r1", Text: "anfora", Domain: "archeologia"}}, false))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "r1", f.imported[0].Data.ID)
	assert.Equal(t, 2, f.calls["POST /api/projects/7/import"])

	body, err := c.Export(ctx, 7)
	require.NoError(t, err)
	recs, _, err := ParseExport(body)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	assert.Equal(t, 1, f.calls["POST /api/token/refresh"])
}

func TestClientErrors(t *testing.T) {
	f, c := newFake(t, 0)
	_, err := c.Export(context.Background(), 8)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export failed: 404")
	assert.Equal(t, 1, f.calls["GET /api/projects/8/export"])

	bad := NewClient(c.baseURL, "wrong", nil).WithHTTPClient(c.http)
	_, err = bad.AccessToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token refresh failed: 401")
}
