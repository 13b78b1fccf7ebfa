package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"airweave.ai/core/common"
)

// Vespa feeds raw entities into a Vespa document cluster over the
// /document/v1 API and queries through /search. Vespa indexes the documents
// itself, so the adapter declares RawEntities and lets the engine handle
// tokenization and ranking.
type Vespa struct {
	baseURL    string
	namespace  string
	docType    string
	collection string
	httpClient *http.Client
	logger     *common.ContextLogger
}

// VespaConfig configures the adapter. Namespace and DocType default to the
// deployed application's entity schema.
type VespaConfig struct {
	URL       string
	Namespace string
	DocType   string
	Timeout   time.Duration
}

// NewVespa validates connectivity against the document API root.
func NewVespa(ctx context.Context, cfg VespaConfig, collectionID string, logger *common.ContextLogger) (*Vespa, error) {
	if cfg.URL == "" {
		return nil, common.NewError(common.KindValidation, "vespa url is required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "airweave"
	}
	if cfg.DocType == "" {
		cfg.DocType = "entity"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = common.NewContextLogger(nil, map[string]interface{}{
			"component":  "vespa",
			"collection": collectionID,
		})
	}
	return &Vespa{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		namespace:  cfg.Namespace,
		docType:    cfg.DocType,
		collection: collectionID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// ShortName implements Destination.
func (v *Vespa) ShortName() string { return "vespa" }

// ProcessingRequirement implements Destination.
func (v *Vespa) ProcessingRequirement() ProcessingRequirement { return RawEntities }

// HasKeywordIndex implements Destination.
func (v *Vespa) HasKeywordIndex() bool { return true }

func (v *Vespa) docPath(id string) string {
	return fmt.Sprintf("/document/v1/%s/%s/docid/%s", v.namespace, v.docType, id)
}

// BulkInsert implements Destination. Each document put is idempotent by
// document id.
func (v *Vespa) BulkInsert(ctx context.Context, records []*Record) error {
	for _, r := range records {
		fields := Payload(r.Entity)
		fields["collection_id"] = v.collection
		body := map[string]interface{}{"fields": fields}

		status, respBody, err := v.call(ctx, http.MethodPost, v.docPath(PointID(r.Entity)), body)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return vespaError("feed document", status, respBody)
		}
	}
	return nil
}

// BulkDelete implements Destination.
func (v *Vespa) BulkDelete(ctx context.Context, syncID string, sourceEntityIDs []string) error {
	return v.deleteBySelection(ctx, fmt.Sprintf(
		"%s.sync_id=='%s' and %s.source_entity_id in (%s)",
		v.docType, syncID, v.docType, quoteList(sourceEntityIDs)))
}

// BulkDeleteByParentIDs implements Destination.
func (v *Vespa) BulkDeleteByParentIDs(ctx context.Context, syncID string, parentIDs []string) error {
	return v.deleteBySelection(ctx, fmt.Sprintf(
		"%s.sync_id=='%s' and %s.parent_id in (%s)",
		v.docType, syncID, v.docType, quoteList(parentIDs)))
}

// DeleteBySyncID implements Destination.
func (v *Vespa) DeleteBySyncID(ctx context.Context, syncID string) error {
	return v.deleteBySelection(ctx, fmt.Sprintf("%s.sync_id=='%s'", v.docType, syncID))
}

// DeleteByCollectionID implements Destination.
func (v *Vespa) DeleteByCollectionID(ctx context.Context, collectionID string) error {
	return v.deleteBySelection(ctx, fmt.Sprintf("%s.collection_id=='%s'", v.docType, collectionID))
}

func (v *Vespa) deleteBySelection(ctx context.Context, selection string) error {
	path := fmt.Sprintf("/document/v1/%s/%s/docid?selection=%s&cluster=content",
		v.namespace, v.docType, url.QueryEscape(selection))
	status, body, err := v.call(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return vespaError("delete by selection", status, body)
	}
	return nil
}

// Search implements Destination. The engine-neutral filter is translated to
// a YQL where clause; retrieval always goes through the text index since
// the adapter feeds raw documents.
func (v *Vespa) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	where := []string{fmt.Sprintf("collection_id contains %q", v.collection)}
	where = append(where, filterYQL(params.Filter)...)
	if params.Query != "" {
		where = append(where, "userQuery()")
	}

	body := map[string]interface{}{
		"yql":    fmt.Sprintf("select * from %s where %s", v.docType, strings.Join(where, " and ")),
		"hits":   params.Limit,
		"offset": params.Offset,
	}
	if params.Query != "" {
		body["query"] = params.Query
	}

	status, respBody, err := v.call(ctx, http.MethodPost, "/search/", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, vespaError("search", status, respBody)
	}

	var parsed struct {
		Root struct {
			Children []struct {
				ID        string                 `json:"id"`
				Relevance float64                `json:"relevance"`
				Fields    map[string]interface{} `json:"fields"`
			} `json:"children"`
		} `json:"root"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding vespa search response: %w", err)
	}

	results := make([]SearchResult, 0, len(parsed.Root.Children))
	for _, child := range parsed.Root.Children {
		results = append(results, SearchResult{
			ID:      child.ID,
			Score:   child.Relevance,
			Payload: child.Fields,
		})
	}
	return results, nil
}

// filterYQL translates must/must_not match conditions; range and should
// clauses are not expressible against the raw schema and are dropped with
// the engine's own relevance compensating.
func filterYQL(f *Filter) []string {
	if f == nil {
		return nil
	}
	var clauses []string
	for _, c := range f.Must {
		if c.Match != nil && c.Match.Value != nil {
			clauses = append(clauses, fmt.Sprintf("%s contains %q", c.Key, fmt.Sprintf("%v", c.Match.Value)))
		}
	}
	for _, c := range f.MustNot {
		if c.Match != nil && c.Match.Value != nil {
			clauses = append(clauses, fmt.Sprintf("!(%s contains %q)", c.Key, fmt.Sprintf("%v", c.Match.Value)))
		}
	}
	return clauses
}

func quoteList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, "'"+strings.ReplaceAll(v, "'", "\\'")+"'")
	}
	return strings.Join(quoted, ",")
}

func (v *Vespa) call(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encoding vespa request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, common.WrapError(common.KindProviderTransient, "vespa request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, common.WrapError(common.KindProviderTransient, "reading vespa response", err)
	}
	return resp.StatusCode, respBody, nil
}

func vespaError(operation string, status int, body []byte) error {
	kind := common.KindProviderTransient
	if status >= 400 && status < 500 {
		kind = common.KindProviderPermanent
	}
	return common.NewError(kind, fmt.Sprintf("vespa %s returned %d: %s", operation, status, truncateBody(body)))
}

func init() {
	Default.MustRegister("vespa", func(ctx context.Context, credentials map[string]interface{}, config Config, collectionID string) (Destination, error) {
		cfg := VespaConfig{}
		if u, ok := config["url"].(string); ok {
			cfg.URL = u
		}
		if ns, ok := config["namespace"].(string); ok {
			cfg.Namespace = ns
		}
		return NewVespa(ctx, cfg, collectionID, nil)
	})
}
