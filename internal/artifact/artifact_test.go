package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/objstore"
)

var records = []dataset.Record{
	{ID: "b", Text: "Abside, semicircolare", Label: "positivo", Domain: "architettura"},
	{ID: "a", Text: "Anfora \"vinaria\"", Label: "negativo", Domain: "archeologia"},
}

func TestNames(t *testing.T) {
	assert.Equal(t, "unlabelled_batch_3.csv", BatchName(3, FormatCSV))
	assert.Equal(t, "unlabelled_batch_1.xlsx", BatchName(1, FormatXLSX))
	assert.Equal(t, "unlabelled_batch_2.json", BatchName(2, FormatLabelStudio))
	assert.Equal(t, "dataset_active_learning.csv", TrainingName(FormatCSV))

	f, err := ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	_, err = ParseFormat("parquet")
	assert.Error(t, err)
}

func TestEncodeCSV(t *testing.T) {
	body, err := Encode(records, FormatCSV, false)
	require.NoError(t, err)
	assert.Equal(t, "id,text,domain,label\n"+
		"b,\"Abside, semicircolare\",architettura,\n"+
		"a,\"Anfora \"\"vinaria\"\"\",archeologia,\n", string(body))

	body, err = Encode(records[:1], FormatCSV, true)
	require.NoError(t, err)
	assert.Equal(t, "id,text,domain,label\nb,\"Abside, semicircolare\",architettura,positivo\n", string(body))
}

func TestEncodeXLSX(t *testing.T) {
	body, err := Encode(records, FormatXLSX, true)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"dati"}, f.GetSheetList())
	rows, err := f.GetRows("dati")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"id", "text", "domain", "label"},
		{"b", "Abside, semicircolare", "architettura", "positivo"},
		{"a", "Anfora \"vinaria\"", "archeologia", "negativo"},
	}, rows)
}

func TestDirSinkRefusesOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	s := DirSink{Dir: dir}

	loc, err := s.Put(context.Background(), "unlabelled_batch_1.csv", []byte("first"), "text/csv", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "unlabelled_batch_1.csv"), loc)

	_, err = s.Put(context.Background(), "unlabelled_batch_1.csv", []byte("second"), "text/csv", nil)
	assert.ErrorIs(t, err, ErrExists)
	got, err := os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))

	s.Overwrite = true
	_, err = s.Put(context.Background(), "unlabelled_batch_1.csv", []byte("second"), "text/csv", nil)
	require.NoError(t, err)
	got, err = os.ReadFile(loc)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]))}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[k] = body
	m.meta[k] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func TestPublishBatchToS3(t *testing.T) {
	api := &memS3{objects: map[string][]byte{}, meta: map[string]map[string]string{}}
	sink := S3Sink{Client: objstore.New(api, 0, nil), Bucket: "al", Prefix: "runs/r1"}
	p := NewPublisher(sink, FormatCSV, nil)

	loc, err := p.PublishBatch(context.Background(), "r1", dataset.Batch{Index: 2, Seed: 99, Records: records})
	require.NoError(t, err)
	assert.Equal(t, "s3://al/runs/r1/unlabelled_batch_2.csv", loc)

	k := "al/runs/r1/unlabelled_batch_2.csv"
	assert.Contains(t, string(api.objects[k]), "b,\"Abside, semicircolare\",architettura,\n")
	assert.Equal(t, map[string]string{"run_id": "r1", "batch": "2", "seed": "99"}, api.meta[k])
}

func TestHFSinkCommits(t *testing.T) {
	var (
		calls            int
		payload          hfCommitRequest
		gotPath, gotAuth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_, _ = w.Write([]byte(`{"commitOid":"4f2a9c1","commitUrl":"https://hf.co/commit/4f2a9c1"}`))
	}))
	defer srv.Close()

	sink := NewHFSink("org/beni-culturali", "hf_token", "", "/active-learning/").
		WithBaseURL(srv.URL).
		WithHTTPClient(srv.Client()).
		WithBackoff(time.Millisecond)
	p := NewPublisher(sink, FormatCSV, nil)

	loc, err := p.PublishBatch(context.Background(), "run 1", dataset.Batch{Index: 1, Seed: 77, Records: records})
	require.NoError(t, err)
	assert.Equal(t, "hf://datasets/org/beni-culturali@4f2a9c1/active-learning/run-run_1/unlabelled_batch_1.csv", loc)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "/api/datasets/org%2Fbeni-culturali/commit/main", gotPath)
	assert.Equal(t, "Bearer hf_token", gotAuth)
	assert.Equal(t, "Add active learning batch 1", payload.Message)
	assert.False(t, payload.CreatePR)
	require.Len(t, payload.Operations, 1)
	op := payload.Operations[0]
	assert.Equal(t, "addOrUpdate", op.Operation)
	assert.Equal(t, "base64", op.Encoding)
	assert.Equal(t, "active-learning/run-run_1/unlabelled_batch_1.csv", op.Path)
	content, err := base64.StdEncoding.DecodeString(op.Content)
	require.NoError(t, err)
	assert.Contains(t, string(content), "id,text,domain,label\n")

	sum := sha256.Sum256(content)
	assert.Equal(t, "run_id: run 1\nbatch: 1\nseed: 77\nsha256: "+hex.EncodeToString(sum[:])+"\n", payload.Description)
}

func TestHFSinkTrainingCommitMessage(t *testing.T) {
	var payload hfCommitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHFSink("org/ds", "t", "main", "").WithBaseURL(srv.URL).WithHTTPClient(srv.Client())
	loc, err := NewPublisher(sink, FormatCSV, nil).PublishTraining(context.Background(), "r1", records)
	require.NoError(t, err)
	assert.Equal(t, "hf://datasets/org/ds/run-r1/dataset_active_learning.csv", loc)
	assert.Equal(t, fmt.Sprintf("Update training set (%d records)", len(records)), payload.Message)
	assert.Contains(t, payload.Description, "run_id: r1\nrecords: ")
}

func TestPathSegment(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"unlabelled_batch_1.csv", "unlabelled_batch_1.csv"},
		{"run 1", "run_1"},
		{"a/b\\c", "a_b_c"},
		{"../etc", "_etc"},
		{"..", "unnamed"},
		{"", "unnamed"},
		{"città", "citt_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, pathSegment(tt.in))
		})
	}
}

func TestHFSinkClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("no write access"))
	}))
	defer srv.Close()

	sink := NewHFSink("org/ds", "t", "main", "").WithBaseURL(srv.URL).WithHTTPClient(srv.Client())
	_, err := sink.Put(context.Background(), "x.csv", []byte("x"), "text/csv", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=403 body=no write access")
	assert.Equal(t, 1, calls)

	_, err = NewHFSink("", "", "", "").Put(context.Background(), "x.csv", nil, "", nil)
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	a, b := DirSink{Dir: t.TempDir()}, DirSink{Dir: t.TempDir()}
	loc, err := MultiSink{a, b}.Put(context.Background(), "f.csv", []byte("x"), "text/csv", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.Dir, "f.csv"), loc)
	assert.FileExists(t, filepath.Join(b.Dir, "f.csv"))
}
