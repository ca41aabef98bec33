// Package registry is a small HTTP service registry. Servers announce their
// endpoints with periodic heartbeats; clients list the endpoints still alive.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Registry struct {
	timeout time.Duration
	log     *zap.Logger
	mu      sync.Mutex
	servers map[string]*ServerItem
}

type ServerItem struct {
	Endpoint string
	start    time.Time
}

const (
	defaultTimeout = time.Minute * 5
	DefaultPath    = "/_rpc/registry"

	serversHeader = "RPC-Servers"
	serverHeader  = "RPC-Server"
)

// NewRegistry forgets endpoints that have not sent a heartbeat within
// timeout; 0 keeps them forever.
func NewRegistry(timeout time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		timeout: timeout,
		log:     log,
		servers: make(map[string]*ServerItem),
	}
}

var DefaultRegister = NewRegistry(defaultTimeout, nil)

func (r *Registry) registerServer(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	server, ok := r.servers[endpoint]
	if !ok {
		server = &ServerItem{Endpoint: endpoint}
		r.servers[endpoint] = server
		r.log.Info("registry: endpoint joined", zap.String("endpoint", endpoint))
	}
	server.start = time.Now()
}

func (r *Registry) aliveServers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var alive []string
	for endpoint, server := range r.servers {
		if r.timeout == 0 || server.start.Add(r.timeout).After(time.Now()) {
			alive = append(alive, server.Endpoint)
		} else {
			delete(r.servers, endpoint)
			r.log.Info("registry: endpoint expired", zap.String("endpoint", endpoint))
		}
	}
	sort.Strings(alive)
	return alive
}

func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		w.Header().Set(serversHeader, strings.Join(r.aliveServers(), ","))
	case http.MethodPost:
		endpoint := req.Header.Get(serverHeader)
		if endpoint == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		r.registerServer(endpoint)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// HandleHTTP mounts r on mux at path.
func (r *Registry) HandleHTTP(mux *http.ServeMux, path string) {
	mux.Handle(path, r)
}

// Heartbeat announces endpoints to the registry at registryURL now and then
// every interval until ctx is done. A zero interval sends a heartbeat a minute
// before the default expiry.
func Heartbeat(ctx context.Context, registryURL string, endpoints []string, interval time.Duration, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	if interval == 0 {
		interval = defaultTimeout - time.Minute
	}
	if err := sendHeartbeats(ctx, registryURL, endpoints); err != nil {
		return err
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := sendHeartbeats(ctx, registryURL, endpoints); err != nil {
					log.Warn("registry: heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func sendHeartbeats(ctx context.Context, registryURL string, endpoints []string) error {
	for _, endpoint := range endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, registryURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set(serverHeader, endpoint)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("registry: heartbeat %s: %w", endpoint, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("registry: heartbeat %s: status %d", endpoint, resp.StatusCode)
		}
	}
	return nil
}

var ErrNoServers = errors.New("registry: no alive servers")

// Discover lists the alive endpoints known to the registry at registryURL.
func Discover(ctx context.Context, registryURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, registryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: discover: %w", err)
	}
	resp.Body.Close()
	v := resp.Header.Get(serversHeader)
	if v == "" {
		return nil, ErrNoServers
	}
	return strings.Split(v, ","), nil
}
