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
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// hfOperation is one file of a hub commit.
type hfOperation struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"`
}

type hfCommitRequest struct {
	Operations  []hfOperation `json:"operations"`
	Message     string        `json:"commit_message"`
	Description string        `json:"commit_description,omitempty"`
	CreatePR    bool          `json:"create_pr"`
}

type hfCommitResponse struct {
	CommitOID string `json:"commitOid"`
	CommitURL string `json:"commitUrl"`
}

// metaOrder fixes the order of artifact metadata in commit descriptions.
var metaOrder = []string{"run_id", "batch", "seed", "records"}

// HFSink commits artifacts to a Hugging Face dataset repository. Files land
// under Prefix/run-<run_id>/ when the artifact metadata carries a run_id,
// and the commit describes the run, batch and seed that produced them.
type HFSink struct {
	repo    string
	token   string
	branch  string
	prefix  string
	baseURL string
	retries uint64
	backoff time.Duration
	http    *http.Client
}

// NewHFSink returns a sink for repo. branch defaults to main.
func NewHFSink(repo, token, branch, prefix string) *HFSink {
	if branch == "" {
		branch = "main"
	}
	return &HFSink{
		repo:    repo,
		token:   token,
		branch:  branch,
		prefix:  strings.Trim(prefix, "/"),
		baseURL: "https://huggingface.co",
		retries: 3,
		backoff: time.Second,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithBaseURL points the sink at another hub endpoint.
func (s *HFSink) WithBaseURL(u string) *HFSink {
	s.baseURL = strings.TrimRight(u, "/")
	return s
}

// WithHTTPClient replaces the HTTP client.
func (s *HFSink) WithHTTPClient(c *http.Client) *HFSink {
	s.http = c
	return s
}

// WithBackoff sets the initial retry delay.
func (s *HFSink) WithBackoff(d time.Duration) *HFSink {
	s.backoff = d
	return s
}

// Put commits body as one file. The location pins the commit revision
// when the hub reports it.
func (s *HFSink) Put(ctx context.Context, name string, body []byte, _ string, meta map[string]string) (string, error) {
	if s.repo == "" || s.token == "" {
		return "", fmt.Errorf("huggingface repo or token not configured")
	}

	p := s.artifactPath(name, meta["run_id"])
	req := hfCommitRequest{
		Operations: []hfOperation{{
			Operation: "addOrUpdate",
			Path:      p,
			Content:   base64.StdEncoding.EncodeToString(body),
			Encoding:  "base64",
		}},
		Message:     commitMessage(name, meta),
		Description: commitDescription(body, meta),
	}

	res, err := s.commit(ctx, req)
	if err != nil {
		return "", err
	}
	repo := s.repo
	if res.CommitOID != "" {
		repo += "@" + res.CommitOID
	}
	return fmt.Sprintf("hf://datasets/%s/%s", repo, p), nil
}

func (s *HFSink) artifactPath(name, runID string) string {
	var parts []string
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	if runID != "" {
		parts = append(parts, "run-"+pathSegment(runID))
	}
	parts = append(parts, pathSegment(name))
	return path.Join(parts...)
}

// pathSegment maps a value to a single repository path element: anything
// outside [A-Za-z0-9._-] becomes an underscore and leading dots are
// dropped so the file is never hidden.
func pathSegment(value string) string {
	seg := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, value)
	seg = strings.TrimLeft(seg, ".")
	if seg == "" {
		return "unnamed"
	}
	return seg
}

func commitMessage(name string, meta map[string]string) string {
	switch {
	case meta["batch"] != "":
		return "Add active learning batch " + meta["batch"]
	case meta["records"] != "":
		return fmt.Sprintf("Update training set (%s records)", meta["records"])
	}
	return "Add " + name
}

func commitDescription(body []byte, meta map[string]string) string {
	var b strings.Builder
	for _, k := range metaOrder {
		if v := meta[k]; v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	sum := sha256.Sum256(body)
	fmt.Fprintf(&b, "sha256: %s\n", hex.EncodeToString(sum[:]))
	return b.String()
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// commit posts one commit, retrying rate limits, server errors and
// transport failures.
func (s *HFSink) commit(ctx context.Context, c hfCommitRequest) (hfCommitResponse, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return hfCommitResponse{}, fmt.Errorf("failed to marshal commit: %w", err)
	}
	commitURL := fmt.Sprintf("%s/api/datasets/%s/commit/%s",
		s.baseURL, url.PathEscape(s.repo), url.PathEscape(s.branch))

	var res hfCommitResponse
	b := retry.WithMaxRetries(s.retries, retry.NewExponential(s.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, commitURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create commit request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("huggingface commit request failed: %w", err))
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 300 {
			err := fmt.Errorf("huggingface commit error: status=%d body=%s", resp.StatusCode, respBody)
			if retryableStatus(resp.StatusCode) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = hfCommitResponse{}
		if len(bytes.TrimSpace(respBody)) > 0 {
			if err := json.Unmarshal(respBody, &res); err != nil {
				return fmt.Errorf("failed to decode commit response: %w", err)
			}
		}
		return nil
	})
	return res, err
}
