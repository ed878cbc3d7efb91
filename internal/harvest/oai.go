// Package harvest downloads catalogue records from OAI-PMH repositories.
// Each set becomes one tabular file, the per-domain corpus layout the
// loader reads with domain_from_source.
package harvest

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	nsOAI   = "http://www.openarchives.org/OAI/2.0/"
	nsOAIDC = "http://www.openarchives.org/OAI/2.0/oai_dc/"
	nsPICO  = "http://purl.org/pico/1.0/"

	// DefaultMetadataPrefix is the PICO application profile of CulturaItalia.
	DefaultMetadataPrefix = "pico"

	maxResponseSize = 64 << 20
)

// ErrNoRecordsMatch is the OAI-PMH noRecordsMatch condition.
var ErrNoRecordsMatch = errors.New("no records match")

// Error is an OAI-PMH protocol error returned inside a 200 response.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("oai-pmh error %s: %s", e.Code, strings.TrimSpace(e.Message))
}

func (e *Error) Is(target error) bool {
	return target == ErrNoRecordsMatch && e.Code == "noRecordsMatch"
}

// Record is the Dublin Core view of one catalogue record.
type Record struct {
	Identifier  string
	Title       string
	Description string
	Types       []string
	Subjects    []string
}

// Set is one entry of ListSets.
type Set struct {
	Spec string
	Name string
}

type dcMetadata struct {
	Identifier  []string `xml:"http://purl.org/dc/elements/1.1/ identifier"`
	Title       []string `xml:"http://purl.org/dc/elements/1.1/ title"`
	Description []string `xml:"http://purl.org/dc/elements/1.1/ description"`
	Type        []string `xml:"http://purl.org/dc/elements/1.1/ type"`
	Subject     []string `xml:"http://purl.org/dc/elements/1.1/ subject"`
}

func (m dcMetadata) record() Record {
	return Record{
		Identifier:  first(m.Identifier),
		Title:       first(m.Title),
		Description: first(m.Description),
		Types:       trimAll(m.Type),
		Subjects:    trimAll(m.Subject),
	}
}

type oaiSet struct {
	Spec string `xml:"http://www.openarchives.org/OAI/2.0/ setSpec"`
	Name string `xml:"http://www.openarchives.org/OAI/2.0/ setName"`
}

type oaiError struct {
	Code    string `xml:"code,attr"`
	Message string `xml:",chardata"`
}

// page is one response of a list request.
type page struct {
	records []Record
	sets    []Set
	token   string
}

// Client talks to one OAI-PMH endpoint.
type Client struct {
	endpoint string
	prefix   string
	http     *http.Client
	retries  uint64
	backoff  time.Duration
	logger   *zap.Logger
}

// NewClient returns a client for endpoint using the pico metadata prefix.
func NewClient(endpoint string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		prefix:   DefaultMetadataPrefix,
		http:     &http.Client{Timeout: 2 * time.Minute},
		retries:  3,
		backoff:  time.Second,
		logger:   logger,
	}
}

// WithMetadataPrefix selects the metadata format, pico or oai_dc.
func (c *Client) WithMetadataPrefix(p string) *Client {
	if p != "" {
		c.prefix = p
	}
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// WithBackoff sets the initial retry delay.
func (c *Client) WithBackoff(d time.Duration) *Client {
	c.backoff = d
	return c
}

// ListRecords harvests set, following resumption tokens until the list is
// complete or limit records are collected. limit <= 0 means no limit. A
// set with no records yields an empty slice.
func (c *Client) ListRecords(ctx context.Context, set string, limit int) ([]Record, error) {
	params := url.Values{"verb": {"ListRecords"}, "metadataPrefix": {c.prefix}}
	if set != "" {
		params.Set("set", set)
	}

	var out []Record
	err := c.list(ctx, params, func(p page) bool {
		out = append(out, p.records...)
		c.logger.Info("harvested page",
			zap.String("set", set),
			zap.Int("page_records", len(p.records)),
			zap.Int("total", len(out)),
		)
		return limit <= 0 || len(out) < limit
	})
	if errors.Is(err, ErrNoRecordsMatch) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to harvest set %q: %w", set, err)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSets returns every set the repository exposes.
func (c *Client) ListSets(ctx context.Context) ([]Set, error) {
	var out []Set
	err := c.list(ctx, url.Values{"verb": {"ListSets"}}, func(p page) bool {
		out = append(out, p.sets...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sets: %w", err)
	}
	return out, nil
}

// list issues a list request and its resumptions. Resumed requests carry
// only the verb and the token. more returns false to stop early.
func (c *Client) list(ctx context.Context, params url.Values, more func(page) bool) error {
	verb := params.Get("verb")
	seen := make(map[string]struct{})
	for {
		body, err := c.get(ctx, params)
		if err != nil {
			return err
		}
		p, err := parsePage(body)
		if err != nil {
			return err
		}
		if !more(p) || p.token == "" {
			return nil
		}
		if _, ok := seen[p.token]; ok {
			return fmt.Errorf("repository repeated resumption token %q", p.token)
		}
		seen[p.token] = struct{}{}
		params = url.Values{"verb": {verb}, "resumptionToken": {p.token}}
	}
}

func (c *Client) get(ctx context.Context, params url.Values) ([]byte, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", c.endpoint, err)
	}
	q := u.Query()
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	var body []byte
	b := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("oai-pmh request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("oai-pmh request failed with status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oai-pmh request failed with status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}
		return nil
	})
	return body, err
}

// parsePage streams a response, picking metadata records (pico:record or
// oai_dc:dc) wherever they sit, sets, the resumption token and errors.
func parsePage(body []byte) (page, error) {
	var p page
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return p, nil
		}
		if err != nil {
			return page{}, fmt.Errorf("failed to parse oai-pmh response: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch {
		case se.Name.Space == nsPICO && se.Name.Local == "record",
			se.Name.Space == nsOAIDC && se.Name.Local == "dc":
			var m dcMetadata
			if err := dec.DecodeElement(&m, &se); err != nil {
				return page{}, fmt.Errorf("failed to decode record: %w", err)
			}
			p.records = append(p.records, m.record())
		case se.Name.Space == nsOAI && se.Name.Local == "set":
			var s oaiSet
			if err := dec.DecodeElement(&s, &se); err != nil {
				return page{}, fmt.Errorf("failed to decode set: %w", err)
			}
			p.sets = append(p.sets, Set{Spec: strings.TrimSpace(s.Spec), Name: strings.TrimSpace(s.Name)})
		case se.Name.Space == nsOAI && se.Name.Local == "resumptionToken":
			var token string
			if err := dec.DecodeElement(&token, &se); err != nil {
				return page{}, fmt.Errorf("failed to decode resumption token: %w", err)
			}
			p.token = strings.TrimSpace(token)
		case se.Name.Space == nsOAI && se.Name.Local == "error":
			var e oaiError
			if err := dec.DecodeElement(&e, &se); err != nil {
				return page{}, fmt.Errorf("failed to decode error: %w", err)
			}
			return page{}, &Error{Code: e.Code, Message: e.Message}
		}
	}
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
