package beacon

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"

	"github.com/attestantio/go-eth2-client/api"
	_http "github.com/attestantio/go-eth2-client/http"
	"github.com/rs/zerolog"
)

// healthProber implements ports.BeaconHealthPort against the standard
// beacon node health endpoint. The eth2 API client is only used to
// read the sync distance while the node reports 206; it is constructed
// lazily because go-eth2-client contacts the node at construction time
// and the whole point of this adapter is tolerating a node that is not
// up yet.
type healthProber struct {
	endpoint   string
	httpClient *http.Client

	mu   sync.Mutex
	eth2 *_http.Service
}

func NewHealthProber(endpoint string) ports.BeaconHealthPort {
	return &healthProber{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// CheckHealth probes GET /eth/v1/node/health. 200 means synced and
// ready for duties, 206 means syncing, anything else is not-ready. A
// transport failure is returned as an error for the watcher to fold
// into ReadinessUnknown.
func (p *healthProber) CheckHealth(ctx context.Context) (domain.HealthCheck, error) {
	url := fmt.Sprintf("%s/eth/v1/node/health", p.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.HealthCheck{}, fmt.Errorf("creating health request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.HealthCheck{}, fmt.Errorf("beacon health probe: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return domain.HealthCheck{Status: domain.HealthOK}, nil
	case http.StatusPartialContent:
		return domain.HealthCheck{
			Status:       domain.HealthSyncing,
			SyncDistance: p.syncDistance(ctx),
		}, nil
	default:
		return domain.HealthCheck{Status: domain.HealthNotReady}, nil
	}
}

// syncDistance asks the node how far behind head it is. Advisory only:
// any failure yields zero and the probe result stands on the status
// code alone.
func (p *healthProber) syncDistance(ctx context.Context) uint64 {
	client, err := p.eth2Client(ctx)
	if err != nil {
		logger.DebugWithPrefix("beacon", "eth2 client unavailable for sync distance: %v", err)
		return 0
	}

	syncing, err := client.NodeSyncing(ctx, &api.NodeSyncingOpts{})
	if err != nil {
		logger.DebugWithPrefix("beacon", "failed to fetch sync state: %v", err)
		return 0
	}
	return uint64(syncing.Data.SyncDistance)
}

func (p *healthProber) eth2Client(ctx context.Context) (*_http.Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eth2 != nil {
		return p.eth2, nil
	}

	client, err := _http.New(ctx,
		_http.WithAddress(p.endpoint),
		_http.WithHTTPClient(p.httpClient),
		_http.WithTimeout(10*time.Second), // important as attestant API overrides the client timeout
		_http.WithLogLevel(zerolog.WarnLevel),
	)
	if err != nil {
		return nil, err
	}
	p.eth2 = client.(*_http.Service)
	return p.eth2, nil
}
