package backends

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// GatewayConfig configures a retrieval-only HTTP gateway adapter.
type GatewayConfig struct {
	// BaseURL of the gateway, e.g. "https://gateway.example.net".
	BaseURL string `json:"base_url"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxRetries bounds transient retries inside the adapter.
	MaxRetries uint64 `json:"max_retries"`

	LatencyRank int `json:"latency_rank"`
}

// GatewayBackend fetches content from a public HTTP gateway. It is a
// read-only tier of last resort: writes and removals report
// UNSUPPORTED, and every fetched body is verified against its
// fingerprint because the transport is untrusted.
type GatewayBackend struct {
	config     GatewayConfig
	client     *http.Client
	desc       storage.TierDescriptor
	classifier *storage.ErrorClassifier
	logger     *zap.Logger
}

// NewGatewayBackend creates the retrieval-only adapter.
func NewGatewayBackend(cfg GatewayConfig, logger *zap.Logger) (*GatewayBackend, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.LatencyRank == 0 {
		cfg.LatencyRank = 70
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GatewayBackend{
		config:     cfg,
		client:     &http.Client{Timeout: cfg.RequestTimeout},
		classifier: storage.NewErrorClassifier("gateway"),
		logger:     logger,
		desc: storage.TierDescriptor{
			Name:        "gateway",
			Class:       storage.ClassRetrievalOnly,
			LatencyRank: cfg.LatencyRank,
			// Serves content it does not own; nothing durable here.
			DurabilityRank: 0,
			Writable:       false,
			Capabilities:   []string{},
		},
	}, nil
}

func (b *GatewayBackend) contentURL(fp fingerprint.Fingerprint) string {
	return b.config.BaseURL + "/ipfs/" + fp.String()
}

// Put is unsupported on a retrieval-only tier.
func (b *GatewayBackend) Put(ctx context.Context, fp fingerprint.Fingerprint, data []byte) error {
	return storage.ErrUnsupported(b.desc.Name, "put")
}

// Remove is unsupported on a retrieval-only tier.
func (b *GatewayBackend) Remove(ctx context.Context, fp fingerprint.Fingerprint) error {
	return storage.ErrUnsupported(b.desc.Name, "remove")
}

// Get fetches and verifies a body, retrying transient failures with
// exponential backoff.
func (b *GatewayBackend) Get(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	var body []byte
	operation := func() error {
		data, err := b.fetch(ctx, fp)
		if err != nil {
			if !storage.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), b.config.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	ok, err := fp.Verify(body)
	if err != nil {
		return nil, b.classifier.Classify(err, "verify")
	}
	if !ok {
		return nil, storage.NewError(storage.ErrCodeCorruption, b.desc.Name,
			fmt.Sprintf("gateway body does not match fingerprint %s", fp), nil)
	}
	return body, nil
}

func (b *GatewayBackend) fetch(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.contentURL(fp), nil)
	if err != nil {
		return nil, b.classifier.Classify(err, "get")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, b.classifier.Classify(err, "get")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, storage.ErrNotFound(b.desc.Name)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, storage.NewError(storage.ErrCodeAuth, b.desc.Name,
			fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	default:
		return nil, storage.NewError(storage.ErrCodeTransient, b.desc.Name,
			fmt.Sprintf("gateway returned %d", resp.StatusCode), nil)
	}
}

// Has issues a HEAD request; gateways answer these cheaply.
func (b *GatewayBackend) Has(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.contentURL(fp), nil)
	if err != nil {
		return false, b.classifier.Classify(err, "head")
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false, b.classifier.Classify(err, "head")
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// Stat reports only health; a gateway exposes no usage.
func (b *GatewayBackend) Stat(ctx context.Context) (*storage.StatResult, error) {
	return &storage.StatResult{
		Health:    b.Health(ctx),
		CheckedAt: time.Now(),
	}, nil
}

// Health probes the gateway root.
func (b *GatewayBackend) Health(ctx context.Context) storage.HealthState {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, b.config.BaseURL, nil)
	if err != nil {
		return storage.HealthDown
	}
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("gateway health probe failed", zap.Error(err))
		return storage.HealthDown
	}
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return storage.HealthDegraded
	}
	return storage.HealthOK
}

// Descriptor returns the static tier description.
func (b *GatewayBackend) Descriptor() storage.TierDescriptor {
	return b.desc
}
