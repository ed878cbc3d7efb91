package harvest

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const picoPage = `<?xml version="1.0" encoding="UTF-8"?>
<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/">
  <responseDate>2024-05-02T10:00:00Z</responseDate>
  <request verb="ListRecords">https://example.org/oai</request>
  <ListRecords>%s%s</ListRecords>
</OAI-PMH>`

func picoRecord(id, title, desc string, types, subjects []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `
    <record>
      <header><identifier>oai:example:%s</identifier><setSpec>ignored</setSpec></header>
      <metadata>
        <pico:record xmlns:pico="http://purl.org/pico/1.0/" xmlns:dc="http://purl.org/dc/elements/1.1/">
          <dc:identifier>%s</dc:identifier>
          <dc:title>%s</dc:title>
          <dc:description>%s</dc:description>`, id, id, title, desc)
	for _, t := range types {
		fmt.Fprintf(&b, "\n          <dc:type>%s</dc:type>", t)
	}
	for _, s := range subjects {
		fmt.Fprintf(&b, "\n          <dc:subject>%s</dc:subject>", s)
	}
	b.WriteString(`
        </pico:record>
      </metadata>
    </record>`)
	return b.String()
}

func token(t string) string {
	if t == "" {
		return ""
	}
	return fmt.Sprintf(`<resumptionToken cursor="0">%s</resumptionToken>`, t)
}

// oaiServer serves pages keyed by resumption token; "" is the first page.
type oaiServer struct {
	mu       sync.Mutex
	pages    map[string]string
	failOnce map[string]bool
	queries  []url.Values
}

func (s *oaiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := r.URL.Query()
	s.queries = append(s.queries, q)

	tok := q.Get("resumptionToken")
	if s.failOnce[tok] {
		delete(s.failOnce, tok)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, ok := s.pages[tok]
	if !ok {
		http.Error(w, "unknown token", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(body))
}

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/oai?source=test", nil).
		WithHTTPClient(srv.Client()).
		WithBackoff(time.Millisecond)
}

func TestListRecordsFollowsResumptionTokens(t *testing.T) {
	srv := &oaiServer{
		pages: map[string]string{
			"": fmt.Sprintf(picoPage,
				picoRecord("r1", "Anfora", "Anfora vinaria in terracotta", []string{"reperto"}, []string{"archeologia", "ceramica"})+
					picoRecord("r2", "Abside", "Abside semicircolare", nil, nil),
				token("page-2")),
			"page-2": fmt.Sprintf(picoPage,
				picoRecord("r3", "Chiesa", "Chiesa romanica", []string{"edificio", "luogo di culto"}, nil),
				`<resumptionToken completeListSize="3" cursor="2"/>`),
		},
		failOnce: map[string]bool{"page-2": true},
	}
	c := newClient(t, srv)

	records, err := c.ListRecords(context.Background(), "beni_archeologici", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, Record{
		Identifier:  "r1",
		Title:       "Anfora",
		Description: "Anfora vinaria in terracotta",
		Types:       []string{"reperto"},
		Subjects:    []string{"archeologia", "ceramica"},
	}, records[0])
	assert.Empty(t, records[1].Types)
	assert.Equal(t, []string{"edificio", "luogo di culto"}, records[2].Types)

	// first page, failed page-2, retried page-2
	require.Len(t, srv.queries, 3)
	first := srv.queries[0]
	assert.Equal(t, "ListRecords", first.Get("verb"))
	assert.Equal(t, "pico", first.Get("metadataPrefix"))
	assert.Equal(t, "beni_archeologici", first.Get("set"))
	assert.Equal(t, "test", first.Get("source"))

	resumed := srv.queries[2]
	assert.Equal(t, "page-2", resumed.Get("resumptionToken"))
	assert.Equal(t, "ListRecords", resumed.Get("verb"))
	assert.Empty(t, resumed.Get("set"))
	assert.Empty(t, resumed.Get("metadataPrefix"))
}

func TestListRecordsStopsAtLimit(t *testing.T) {
	srv := &oaiServer{pages: map[string]string{
		"": fmt.Sprintf(picoPage,
			picoRecord("r1", "a", "a", nil, nil)+picoRecord("r2", "b", "b", nil, nil)+picoRecord("r3", "c", "c", nil, nil),
			token("next")),
	}}
	c := newClient(t, srv)

	records, err := c.ListRecords(context.Background(), "s", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Len(t, srv.queries, 1)
}

func TestListRecordsOAIErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "no records match is empty",
			body: `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><error code="noRecordsMatch">empty set</error></OAI-PMH>`,
		},
		{
			name:    "bad argument",
			body:    `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><error code="badArgument">unknown set</error></OAI-PMH>`,
			wantErr: "oai-pmh error badArgument: unknown set",
		},
		{
			name:    "malformed xml",
			body:    `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords>`,
			wantErr: "failed to parse oai-pmh response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, &oaiServer{pages: map[string]string{"": tt.body}})
			records, err := c.ListRecords(context.Background(), "s", 0)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Empty(t, records)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestListRecordsRejectsRepeatedToken(t *testing.T) {
	loop := fmt.Sprintf(picoPage, picoRecord("r1", "a", "a", nil, nil), token("again"))
	c := newClient(t, &oaiServer{pages: map[string]string{"": loop, "again": loop}})

	_, err := c.ListRecords(context.Background(), "s", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `repeated resumption token "again"`)
}

func TestListRecordsClientErrorNotRetried(t *testing.T) {
	calls := 0
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := c.ListRecords(context.Background(), "s", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Equal(t, 1, calls)
}

func TestListRecordsOAIDC(t *testing.T) {
	body := `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListRecords><record><metadata>
  <oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier>  </dc:identifier>
    <dc:identifier>dc-1</dc:identifier>
    <dc:title>Fibula</dc:title>
  </oai_dc:dc>
</metadata></record></ListRecords></OAI-PMH>`
	srv := &oaiServer{pages: map[string]string{"": body}}
	c := newClient(t, srv).WithMetadataPrefix("oai_dc")

	records, err := c.ListRecords(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "dc-1", records[0].Identifier)
	assert.Equal(t, "Fibula", records[0].Title)
	assert.Equal(t, "oai_dc", srv.queries[0].Get("metadataPrefix"))
	_, hasSet := srv.queries[0]["set"]
	assert.False(t, hasSet)
}

func TestListSets(t *testing.T) {
	page := `<OAI-PMH xmlns="http://www.openarchives.org/OAI/2.0/"><ListSets>%s%s</ListSets></OAI-PMH>`
	srv := &oaiServer{pages: map[string]string{
		"":   fmt.Sprintf(page, `<set><setSpec>beni_archeologici</setSpec><setName>Beni archeologici</setName></set>`, token("t2")),
		"t2": fmt.Sprintf(page, `<set><setSpec>architettura</setSpec><setName>Architettura</setName></set>`, ""),
	}}
	c := newClient(t, srv)

	sets, err := c.ListSets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Set{
		{Spec: "beni_archeologici", Name: "Beni archeologici"},
		{Spec: "architettura", Name: "Architettura"},
	}, sets)
	assert.Equal(t, "ListSets", srv.queries[1].Get("verb"))
}

func TestEncodeCSV(t *testing.T) {
	body, err := EncodeCSV([]Record{
		{Identifier: "1", Title: "Title 1", Description: "Descrizione, lunga", Types: []string{"Type1", "Type2"}, Subjects: []string{"Subject1", "Subject2"}},
		{Identifier: "2", Title: "Title 2", Description: "Description 2", Types: []string{"Type3"}},
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(strings.NewReader(string(body))).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		Columns,
		{"1", "Title 1", "Descrizione, lunga", "Type1; Type2", "Subject1; Subject2"},
		{"2", "Title 2", "Description 2", "Type3", ""},
	}, rows)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "beni_archeologici.csv", FileName("beni_archeologici"))
	assert.Equal(t, "ci_musei_reperti.csv", FileName("ci:musei/reperti"))
	assert.Equal(t, "all.csv", FileName(" "))
}
