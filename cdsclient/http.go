package cdsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cds-git-sync/bridge/resource"
)

// HTTPClient is the default Client implementation (SPEC_FULL.md §6/§11): it
// signs every request with a ServiceSigner-minted bearer token and
// rate-limits outbound calls so a burst of webhook-triggered fetches cannot
// overrun the upstream CDS.
type HTTPClient struct {
	baseURL string
	signer  *ServiceSigner
	http    *http.Client
	limiter *rate.Limiter
}

// NewHTTPClient builds an HTTPClient against baseURL. ratePerSecond/burst
// configure the golang.org/x/time/rate limiter shared across all requests
// this client makes.
func NewHTTPClient(baseURL string, signer *ServiceSigner, ratePerSecond float64, burst int) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func (c *HTTPClient) do(ctx context.Context, timeout time.Duration, method, path string, query url.Values) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u, nil)
	if err != nil {
		return nil, err
	}

	if c.signer != nil {
		token, err := c.signer.Token()
		if err != nil {
			return nil, fmt.Errorf("unable to mint CDS request token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cds request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, timeout time.Duration, path string, out any, query ...url.Values) error {
	var q url.Values
	if len(query) > 0 {
		q = query[0]
	}
	resp, err := c.do(ctx, timeout, http.MethodGet, path, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("cds request %s returned %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetFolderDoc fetches a folder's filemeta snapshot.
func (c *HTTPClient) GetFolderDoc(ctx context.Context, f resource.Resource) (FolderDoc, error) {
	path := fmt.Sprintf("/relays/%s/folders/%s", f.RelayID, f.FolderID)
	var body struct {
		Filemeta resource.FileMeta `json:"filemeta_v0"`
	}
	if err := c.getJSON(ctx, MetadataTimeout, path, &body); err != nil {
		return FolderDoc{}, err
	}
	return FolderDoc{Filemeta: body.Filemeta}, nil
}

// GetDoc pulls the document named by relayID+resourceID once and
// classifies it by whichever of filemeta_v0/contents/edges+nodes is
// present, per SPEC_FULL.md §4.4.2.
func (c *HTTPClient) GetDoc(ctx context.Context, relayID, resourceID string) (RawDoc, error) {
	path := fmt.Sprintf("/documents/%s-%s", relayID, resourceID)

	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, MetadataTimeout, path, &raw); err != nil {
		return RawDoc{}, err
	}

	switch {
	case raw["filemeta_v0"] != nil:
		var fm resource.FileMeta
		if err := json.Unmarshal(raw["filemeta_v0"], &fm); err != nil {
			return RawDoc{}, fmt.Errorf("decoding filemeta_v0: %w", err)
		}
		return RawDoc{Kind: DocKindFolder, Filemeta: fm}, nil

	case raw["contents"] != nil:
		var text string
		if err := json.Unmarshal(raw["contents"], &text); err != nil {
			return RawDoc{}, fmt.Errorf("decoding contents: %w", err)
		}
		return RawDoc{Kind: DocKindDocument, Text: text}, nil

	case raw["edges"] != nil && raw["nodes"] != nil:
		canvas, err := decodeCanvas(raw)
		if err != nil {
			return RawDoc{}, err
		}
		return RawDoc{Kind: DocKindCanvas, Canvas: canvas}, nil

	default:
		return RawDoc{Kind: DocKindUnknown}, nil
	}
}

func decodeCanvas(raw map[string]json.RawMessage) (CanvasDoc, error) {
	var edges, nodes []map[string]any
	if err := json.Unmarshal(raw["edges"], &edges); err != nil {
		return CanvasDoc{}, fmt.Errorf("decoding edges: %w", err)
	}
	if err := json.Unmarshal(raw["nodes"], &nodes); err != nil {
		return CanvasDoc{}, fmt.Errorf("decoding nodes: %w", err)
	}

	nodeIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if id, ok := n["id"].(string); ok {
			nodeIDs[id] = true
		}
	}
	texts := make(map[string]string)
	for key, v := range raw {
		if key == "edges" || key == "nodes" || !nodeIDs[key] {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			texts[key] = s
		}
	}

	return CanvasDoc{Nodes: nodes, Edges: edges, Texts: texts}, nil
}

// GetDocumentText fetches a document's plain-text contents. The wire path
// addresses the document by its compound id, the one place in this system
// that id is allowed to appear (SPEC_FULL.md §3/§9).
func (c *HTTPClient) GetDocumentText(ctx context.Context, d resource.Resource) (string, error) {
	path := fmt.Sprintf("/documents/%s", compoundID(d))
	var body struct {
		Contents string `json:"contents"`
	}
	if err := c.getJSON(ctx, MetadataTimeout, path, &body); err != nil {
		return "", err
	}
	return body.Contents, nil
}

// GetCanvas fetches a canvas's edges/nodes plus any top-level text-by-id
// overrides.
func (c *HTTPClient) GetCanvas(ctx context.Context, can resource.Resource) (CanvasDoc, error) {
	path := fmt.Sprintf("/documents/%s", compoundID(can))

	var raw map[string]json.RawMessage
	if err := c.getJSON(ctx, MetadataTimeout, path, &raw); err != nil {
		return CanvasDoc{}, err
	}
	return decodeCanvas(raw)
}

// GetFileDownloadURL asks the CDS for a time-limited download URL for a
// binary file's content at hash.
func (c *HTTPClient) GetFileDownloadURL(ctx context.Context, f resource.Resource, hash string) (string, error) {
	path := fmt.Sprintf("/documents/%s/download-url", compoundID(f))
	var body struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, MetadataTimeout, path, &body, url.Values{"hash": {hash}}); err != nil {
		return "", err
	}
	return body.URL, nil
}

// DownloadFile fetches the raw bytes at a URL previously returned by
// GetFileDownloadURL, under the longer binary-download timeout.
func (c *HTTPClient) DownloadFile(ctx context.Context, rawURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, DownloadTimeout)
	defer cancel()

	if err := c.limiter.Wait(reqCtx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download %s returned %d: %s", rawURL, resp.StatusCode, body)
	}
	return io.ReadAll(resp.Body)
}
