package collector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultBackoffMin  = 2 * time.Second
	defaultBackoffMax  = 120 * time.Second

	// AircraftStatePath is the subscribed surveillance container
	AircraftStatePath = "/aircraft/aircraft[id=*]/state"
)

// Sink receives decoded tracks
type Sink interface {
	Ingest(t types.Track) error
	Remove(id string) bool
}

// Collector streams aircraft state from one gNMI surveillance feed
type Collector struct {
	name        string
	address     string
	port        int
	username    string
	password    string
	tlsConfig   *TLSConfig
	logger      zerolog.Logger
	backoff     Backoff
	dialTimeout time.Duration
	decoder     *Decoder

	mu     sync.RWMutex
	health FeedHealth
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
}

// Backoff holds backoff configuration
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// FeedHealth tracks connection state for a feed
type FeedHealth struct {
	Feed           string    `json:"feed"`
	Address        string    `json:"address"`
	Connected      bool      `json:"connected"`
	SyncReceived   bool      `json:"sync_received"`
	ConnectedSince time.Time `json:"connected_since,omitempty"`
	LastUpdate     time.Time `json:"last_update,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	UpdateCount    int64     `json:"update_count"`
	TrackCount     int64     `json:"track_count"`
	RejectedCount  int64     `json:"rejected_count"`
	LastPath       string    `json:"last_path,omitempty"`
}

// NewCollector creates a collector for the named feed
func NewCollector(name string, feed config.FeedConfig, password string, logger zerolog.Logger) *Collector {
	c := &Collector{
		name:        name,
		address:     feed.Address,
		port:        feed.Port,
		username:    feed.Username,
		password:    password,
		logger:      logger,
		backoff:     Backoff{Min: defaultBackoffMin, Max: defaultBackoffMax},
		dialTimeout: defaultDialTimeout,
		decoder:     NewDecoder(logger),
		health:      FeedHealth{Feed: name, Address: fmt.Sprintf("%s:%d", feed.Address, feed.Port)},
	}
	if feed.TLS {
		c.tlsConfig = &TLSConfig{Enabled: true, CAFile: feed.CAFile, ServerName: feed.Address}
	}
	return c
}

// Health returns the current health status
func (c *Collector) Health() FeedHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with
// exponential backoff and jitter.
func (c *Collector) Run(ctx context.Context, sink Sink) error {
	attempt := 0
	for {
		synced, err := c.session(ctx, sink)
		if ctx.Err() != nil {
			c.setDisconnected("")
			return nil
		}
		if synced {
			attempt = 0
		}
		attempt++
		backoff := c.backoffDuration(attempt)
		c.setDisconnected(err.Error())

		c.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Msg("gNMI feed lost, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.setDisconnected("")
			return nil
		}
	}
}

func (c *Collector) setDisconnected(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.health.Connected {
		c.health.ReconnectCount++
	}
	c.health.Connected = false
	c.health.SyncReceived = false
	if reason != "" {
		c.health.LastError = reason
	}
}

// session runs one connection until it fails. synced reports whether the
// feed completed its initial sync before failing.
func (c *Collector) session(ctx context.Context, sink Sink) (synced bool, err error) {
	addr := fmt.Sprintf("%s:%d", c.address, c.port)
	c.logger.Info().Str("address", addr).Msg("Connecting to gNMI feed")

	opts, err := c.dialOptions()
	if err != nil {
		return false, fmt.Errorf("dial options: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.dialTimeout)
	defer dialCancel()

	// WithBlock ensures the connection is fully established before returning.
	conn, err := grpc.DialContext(dialCtx, addr, append(opts, grpc.WithBlock())...)
	if err != nil {
		return false, fmt.Errorf("failed to dial gNMI feed: %w", err)
	}
	defer conn.Close()

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	client, err := gnmi.NewGNMIClient(conn).Subscribe(subCtx)
	if err != nil {
		return false, fmt.Errorf("failed to create subscribe client: %w", err)
	}
	req, err := subscribeRequest()
	if err != nil {
		return false, err
	}
	if err := client.Send(req); err != nil {
		return false, fmt.Errorf("failed to start subscription: %w", err)
	}

	c.mu.Lock()
	c.health.Connected = true
	c.health.LastError = ""
	c.health.ConnectedSince = time.Now().UTC()
	c.mu.Unlock()
	c.logger.Info().Msg("gNMI feed subscribed")

	// Partial state from a previous session cannot be trusted
	c.decoder.Reset()

	for {
		resp, err := client.Recv()
		if err != nil {
			return synced, fmt.Errorf("receive update: %w", err)
		}
		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(v.Update, sink)
		case *gnmi.SubscribeResponse_Error:
			return synced, fmt.Errorf("subscribe error: %s", v.Error.GetMessage())
		case *gnmi.SubscribeResponse_SyncResponse:
			synced = true
			c.logger.Info().Msg("gNMI initial sync complete")
			c.mu.Lock()
			c.health.SyncReceived = true
			c.mu.Unlock()
		}
	}
}

// subscribeRequest builds the STREAM/ON_CHANGE subscription for aircraft state
func subscribeRequest() (*gnmi.SubscribeRequest, error) {
	path, err := parsePath(AircraftStatePath)
	if err != nil {
		return nil, fmt.Errorf("subscription path: %w", err)
	}
	return &gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Subscription: []*gnmi.Subscription{{
					Path: path,
					Mode: gnmi.SubscriptionMode_ON_CHANGE,
				}},
				Mode:     gnmi.SubscriptionList_STREAM,
				Encoding: gnmi.Encoding_JSON,
			},
		},
	}, nil
}

// handleNotification decodes one notification and forwards the result
func (c *Collector) handleNotification(notif *gnmi.Notification, sink Sink) {
	if notif == nil {
		return
	}
	tracks, removed := c.decoder.Apply(notif)

	var accepted, rejected int64
	for _, t := range tracks {
		err := sink.Ingest(t)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, types.ErrStaleUpdate):
			c.logger.Debug().Str("aircraft", t.ID).Uint64("seq", t.Seq).Msg("Stale track update ignored")
		default:
			rejected++
			c.logger.Warn().Err(err).Str("aircraft", t.ID).Msg("Track rejected")
		}
	}
	for _, id := range removed {
		sink.Remove(id)
		c.logger.Debug().Str("aircraft", id).Msg("Aircraft deleted by feed")
	}

	var lastPath string
	if n := len(notif.Update); n > 0 {
		lastPath = pathToString(notif.Prefix) + pathToString(notif.Update[n-1].Path)
	}

	c.mu.Lock()
	c.health.LastUpdate = time.Now().UTC()
	c.health.UpdateCount++
	c.health.TrackCount += accepted
	c.health.RejectedCount += rejected
	if lastPath != "" {
		c.health.LastPath = lastPath
	}
	c.mu.Unlock()
}

// dialOptions builds gRPC dial options
func (c *Collector) dialOptions() ([]grpc.DialOption, error) {
	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}
	if c.username != "" || c.password != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{username: c.username, password: c.password}))
	}
	return opts, nil
}

// transportCredentials returns appropriate transport credentials
func (c *Collector) transportCredentials() (credentials.TransportCredentials, error) {
	if c.tlsConfig == nil || !c.tlsConfig.Enabled {
		return insecure.NewCredentials(), nil
	}
	certPool, err := loadCertPool(c.tlsConfig.CAFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:            certPool,
		ServerName:         c.tlsConfig.ServerName,
		InsecureSkipVerify: c.tlsConfig.InsecureSkipVerify,
	}), nil
}

// loadCertPool loads CA certificates. An empty file means the system pool.
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs in %s", caFile)
	}
	return pool, nil
}

// basicAuth implements gRPC PerRPCCredentials for basic auth
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if b.username == "" && b.password == "" {
		return nil, nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(b.username + ":" + b.password))
	return map[string]string{
		"authorization": "Basic " + encoded,
	}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

// backoffDuration calculates exponential backoff with jitter
func (c *Collector) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return c.backoff.Min
	}
	backoff := c.backoff.Max
	if attempt < 16 {
		backoff = min(c.backoff.Min<<attempt, c.backoff.Max)
	}
	jitter := time.Duration(rand.Int63n(int64(c.backoff.Min)))
	return backoff + jitter
}

// parsePath parses a string path into a gNMI Path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		kv := strings.SplitN(selector, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[kv[0]] = kv[1]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// pathToString converts a gNMI Path to string representation
func pathToString(path *gnmi.Path) string {
	if path == nil {
		return ""
	}
	var b strings.Builder
	for _, elem := range path.Elem {
		b.WriteString("/")
		b.WriteString(elem.Name)
		if len(elem.Key) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[")
				b.WriteString(k)
				b.WriteString("=")
				b.WriteString(elem.Key[k])
				b.WriteString("]")
			}
		}
	}
	return b.String()
}
