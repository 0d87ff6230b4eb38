package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goversion "github.com/hashicorp/go-version"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
)

const (
	documentCacheKey = "policy-document"
	defaultCacheTTL  = 5 * time.Minute
	maxDocumentSize  = 4 * 1024
	fetchTimeout     = 10 * time.Second
)

// Document is the JSON policy document served to the app. Numeric thresholds
// win over the display-version fields when both are present.
type Document struct {
	SchemaVersion  int    `json:"schemaVersion"`
	MandatoryBelow int64  `json:"mandatoryBelow"`
	AdvisoryBelow  int64  `json:"advisoryBelow"`
	// MinMandatoryVersion and MinAdvisoryVersion carry display versions for
	// publishers that announce semver externally but build numbers
	// internally; a BuildIndex maps them to build identifiers.
	MinMandatoryVersion string `json:"minMandatoryVersion,omitempty"`
	MinAdvisoryVersion  string `json:"minAdvisoryVersion,omitempty"`
	Maintenance         bool   `json:"maintenance,omitempty"`
	StoreURL            string `json:"storeURL,omitempty"`
}

// BuildIndex maps a display version to the first build identifier that
// carries it. The second return is false when the version is unknown.
type BuildIndex func(v *goversion.Version) (int64, bool)

// HTTPSource is a Source fetching the policy document over HTTP. Fetches are
// retried with exponential backoff; the last good document is cached for a
// short window so frequent checks do not refetch.
type HTTPSource struct {
	url          string
	currentBuild int64
	client       *http.Client
	buildIndex   BuildIndex
	cache        *gocache.Cache

	listenerMux sync.Mutex
	onChange    func()
	lastHash    uint64
}

// NewHTTPSource creates a source for the given policy URL and the build
// identifier of the running application.
func NewHTTPSource(url string, currentBuild int64, opts ...HTTPSourceOption) *HTTPSource {
	s := &HTTPSource{
		url:          url,
		currentBuild: currentBuild,
		client:       &http.Client{Timeout: fetchTimeout},
		cache:        gocache.New(defaultCacheTTL, time.Minute),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HTTPSourceOption customizes an HTTPSource.
type HTTPSourceOption func(*HTTPSource)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.client = client
	}
}

// WithBuildIndex installs the display-version to build mapping used for the
// MinMandatoryVersion/MinAdvisoryVersion document fields.
func WithBuildIndex(index BuildIndex) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.buildIndex = index
	}
}

// WithCacheTTL overrides how long the last good document is served without a
// refetch.
func WithCacheTTL(ttl time.Duration) HTTPSourceOption {
	return func(s *HTTPSource) {
		s.cache = gocache.New(ttl, time.Minute)
	}
}

// OnChange registers a callback fired whenever a fetch returns a document
// different from the previous one, so hosts can re-check without polling the
// engine.
func (s *HTTPSource) OnChange(fn func()) {
	s.listenerMux.Lock()
	defer s.listenerMux.Unlock()
	s.onChange = fn
}

// CurrentBuild returns the build identifier of the running application.
func (s *HTTPSource) CurrentBuild() int64 {
	return s.currentBuild
}

// Thresholds fetches the policy document and maps it to version thresholds.
// Errors bubble up so the engine can fail open.
func (s *HTTPSource) Thresholds(ctx context.Context) (*Thresholds, error) {
	doc, err := s.document(ctx)
	if err != nil {
		return nil, err
	}

	t := &Thresholds{
		MandatoryBelow: doc.MandatoryBelow,
		AdvisoryBelow:  doc.AdvisoryBelow,
	}
	if t.MandatoryBelow == 0 && doc.MinMandatoryVersion != "" {
		if bound, ok := s.resolveVersion(doc.MinMandatoryVersion); ok {
			t.MandatoryBelow = bound
		}
	}
	if t.AdvisoryBelow == 0 && doc.MinAdvisoryVersion != "" {
		if bound, ok := s.resolveVersion(doc.MinAdvisoryVersion); ok {
			t.AdvisoryBelow = bound
		}
	}
	return t, nil
}

// InMaintenance implements MaintenanceReporter from the document's
// maintenance field.
func (s *HTTPSource) InMaintenance(ctx context.Context) (bool, error) {
	doc, err := s.document(ctx)
	if err != nil {
		return false, err
	}
	return doc.Maintenance, nil
}

// StoreURL returns the store page announced by the policy document, empty
// when the document does not carry one.
func (s *HTTPSource) StoreURL(ctx context.Context) (string, error) {
	doc, err := s.document(ctx)
	if err != nil {
		return "", err
	}
	return doc.StoreURL, nil
}

func (s *HTTPSource) resolveVersion(raw string) (int64, bool) {
	if s.buildIndex == nil {
		log.Debugf("no build index configured, ignoring display version %q", raw)
		return 0, false
	}
	parsed, err := goversion.NewVersion(raw)
	if err != nil {
		log.Errorf("failed to parse policy version %q: %v", raw, err)
		return 0, false
	}
	bound, ok := s.buildIndex(parsed)
	if !ok {
		log.Debugf("display version %s not found in build index", parsed)
	}
	return bound, ok
}

func (s *HTTPSource) document(ctx context.Context) (*Document, error) {
	if cached, found := s.cache.Get(documentCacheKey); found {
		return cached.(*Document), nil
	}

	var doc *Document
	operation := func() error {
		fetched, err := s.fetchDocument(ctx)
		if err != nil {
			log.Debugf("policy fetch attempt failed: %v", err)
			return err
		}
		doc = fetched
		return nil
	}

	backOff := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     200 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         2 * time.Second,
		MaxElapsedTime:      8 * time.Second,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, ctx)

	if err := backoff.Retry(operation, backOff); err != nil {
		return nil, fmt.Errorf("fetch policy document: %w", err)
	}

	s.cache.SetDefault(documentCacheKey, doc)
	s.notifyIfChanged(doc)
	return doc, nil
}

func (s *HTTPSource) fetchDocument(ctx context.Context) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create policy request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request policy document: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnf("failed to close policy response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("invalid status code: %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// client errors will not heal within the retry window
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	if resp.ContentLength > maxDocumentSize {
		return nil, fmt.Errorf("too large response: %d", resp.ContentLength)
	}

	var doc Document
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDocumentSize)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	return &doc, nil
}

func (s *HTTPSource) notifyIfChanged(doc *Document) {
	hash, err := hashstructure.Hash(doc, hashstructure.FormatV2, nil)
	if err != nil {
		log.Errorf("failed to fingerprint policy document: %v", err)
		return
	}

	s.listenerMux.Lock()
	changed := s.lastHash != 0 && s.lastHash != hash
	s.lastHash = hash
	fn := s.onChange
	s.listenerMux.Unlock()

	if changed && fn != nil {
		log.Debugf("policy document changed")
		fn()
	}
}
