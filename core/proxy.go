package core

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/signrover/signrover/log"

	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"
)

// Latency sentinel for nodes that failed the health probe.
const UnreachableLatency = 9999

// Name fragments that mark low-latency regions. Matching nodes get a bonus
// in auto selection.
var preferredRegionTags = []string{"hk", "hong kong", "香港", "mo", "macau", "澳门", "tw", "taiwan", "台湾", "台灣"}

const preferredRegionBonusMs = 50

type ProxyNode struct {
	Name     string
	Type     string
	Address  string
	Port     int
	Username string
	Password string

	Latency int
}

func (n *ProxyNode) URL() string {
	scheme := n.Type
	if scheme == "https" {
		scheme = "http"
	}
	if n.Username != "" {
		return fmt.Sprintf("%s://%s:%s@%s:%d", scheme, url.QueryEscape(n.Username), url.QueryEscape(n.Password), n.Address, n.Port)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.Address, n.Port)
}

func (n *ProxyNode) preferred() bool {
	lower := strings.ToLower(n.Name)
	for _, tag := range preferredRegionTags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// effectiveLatency is the probe latency with the region bonus applied.
func (n *ProxyNode) effectiveLatency() int {
	if n.Latency >= UnreachableLatency {
		return n.Latency
	}
	if n.preferred() {
		return n.Latency - preferredRegionBonusMs
	}
	return n.Latency
}

func supportedScheme(s string) bool {
	switch s {
	case "http", "https", "socks5":
		return true
	}
	return false
}

type clashProxy struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Server   string `yaml:"server"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type clashDoc struct {
	Proxies []clashProxy `yaml:"proxies"`
}

func parseClashConfig(data []byte) []*ProxyNode {
	var doc clashDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		log.Debug("proxy: clash parse failed: %v", err)
		return nil
	}
	var nodes []*ProxyNode
	for _, p := range doc.Proxies {
		if !supportedScheme(p.Type) {
			log.Debug("proxy: skipping node '%s' with unsupported type '%s'", p.Name, p.Type)
			continue
		}
		if p.Server == "" || p.Port == 0 {
			continue
		}
		nodes = append(nodes, &ProxyNode{
			Name:     p.Name,
			Type:     p.Type,
			Address:  p.Server,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
		})
	}
	return nodes
}

// parseProxyURI handles a single scheme://[user:pass@]host:port line.
func parseProxyURI(line string) *ProxyNode {
	u, err := url.Parse(strings.TrimSpace(line))
	if err != nil || !supportedScheme(u.Scheme) || u.Hostname() == "" {
		return nil
	}
	port := 0
	fmt.Sscanf(u.Port(), "%d", &port)
	if port == 0 {
		return nil
	}
	n := &ProxyNode{
		Name:    u.Fragment,
		Type:    u.Scheme,
		Address: u.Hostname(),
		Port:    port,
	}
	if n.Name == "" {
		n.Name = fmt.Sprintf("%s:%d", n.Address, n.Port)
	}
	if u.User != nil {
		n.Username = u.User.Username()
		n.Password, _ = u.User.Password()
	}
	return n
}

func parseURIList(data []byte) []*ProxyNode {
	var nodes []*ProxyNode
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if n := parseProxyURI(line); n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ParseSubscription accepts Clash YAML, a raw URI list, or a base64-encoded
// URI list and returns the usable nodes.
func ParseSubscription(data []byte) []*ProxyNode {
	body := strings.TrimSpace(string(data))
	if body == "" {
		return nil
	}
	if strings.Contains(body, "proxies:") {
		return parseClashConfig([]byte(body))
	}
	if nodes := parseURIList([]byte(body)); len(nodes) > 0 {
		return nodes
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body, "\n", ""))
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.ReplaceAll(body, "\n", ""))
	}
	if err == nil {
		return parseURIList(decoded)
	}
	return nil
}

// ProxyResolver turns a subscription feed into one healthy egress node. The
// selection is cached process-wide so every account in a run shares the same
// exit.
type ProxyResolver struct {
	cfg  *ProxyConfig
	http *resty.Client

	fetch func(url string) ([]byte, error)
	probe func(n *ProxyNode) int

	mtx      sync.Mutex
	selected *ProxyNode
	pickedAt time.Time
}

func NewProxyResolver(cfg *ProxyConfig) *ProxyResolver {
	r := &ProxyResolver{
		cfg: cfg,
		http: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2),
	}
	r.fetch = r.fetchSubscription
	r.probe = r.probeNode
	return r
}

func (r *ProxyResolver) fetchSubscription(u string) ([]byte, error) {
	rsp, err := r.http.R().Get(u)
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode() != 200 {
		return nil, fmt.Errorf("subscription fetch returned status %d", rsp.StatusCode())
	}
	return rsp.Body(), nil
}

// probeNode measures round-trip latency through the node. Unreachable nodes
// get the sentinel value instead of an error so selection stays a pure
// min-search.
func (r *ProxyResolver) probeNode(n *ProxyNode) int {
	client := resty.New().
		SetProxy(n.URL()).
		SetTimeout(time.Duration(r.cfg.ProbeTimeoutMs) * time.Millisecond)
	defer client.GetClient().CloseIdleConnections()

	start := time.Now()
	rsp, err := client.R().Get(r.cfg.ProbeUrl)
	if err != nil || rsp.StatusCode() >= 500 {
		return UnreachableLatency
	}
	return int(time.Since(start).Milliseconds())
}

// probeAll health-checks nodes concurrently with a bounded fan-out and fills
// in their Latency fields.
func (r *ProxyResolver) probeAll(nodes []*ProxyNode) {
	fanout := r.cfg.ProbeFanout
	if fanout < 1 {
		fanout = 1
	}
	sem := make(chan struct{}, fanout)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		sem <- struct{}{}
		go func(n *ProxyNode) {
			defer wg.Done()
			defer func() { <-sem }()
			n.Latency = r.probe(n)
			if n.Latency < UnreachableLatency {
				log.Debug("proxy: node '%s' latency %dms", n.Name, n.Latency)
			}
		}(n)
	}
	wg.Wait()
}

// Resolve returns the egress node to use, or nil for a direct connection.
// The decision is cached until the configured TTL lapses.
func (r *ProxyResolver) Resolve() (*ProxyNode, error) {
	if !r.cfg.Enabled {
		return nil, nil
	}
	if s := r.cfg.Static; s != nil && s.Address != "" {
		if !supportedScheme(s.Type) {
			return nil, fmt.Errorf("static proxy type '%s' not supported", s.Type)
		}
		return &ProxyNode{
			Name:     "static",
			Type:     s.Type,
			Address:  s.Address,
			Port:     s.Port,
			Username: s.Username,
			Password: s.Password,
		}, nil
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	ttl := time.Duration(r.cfg.CacheSeconds) * time.Second
	if r.selected != nil && time.Since(r.pickedAt) < ttl {
		return r.selected, nil
	}

	if r.cfg.SubscriptionUrl == "" {
		return nil, fmt.Errorf("proxy enabled but no subscription url or static proxy configured")
	}
	data, err := r.fetch(r.cfg.SubscriptionUrl)
	if err != nil {
		return nil, fmt.Errorf("proxy subscription: %w", err)
	}
	nodes := ParseSubscription(data)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("proxy subscription yielded no usable nodes")
	}
	log.Info("proxy: parsed %d usable nodes from subscription", len(nodes))

	var pick *ProxyNode
	switch r.cfg.Mode {
	case "manual":
		// First name match wins, in subscription order. No health check;
		// the operator asked for this node specifically.
		re, err := regexp.Compile(r.cfg.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("proxy name pattern: %w", err)
		}
		for _, n := range nodes {
			if re.MatchString(n.Name) {
				pick = n
				break
			}
		}
		if pick == nil {
			return nil, fmt.Errorf("no proxy node matches pattern '%s'", r.cfg.NamePattern)
		}
	case "random":
		pick = nodes[rand.Intn(len(nodes))]
	default:
		r.probeAll(nodes)
		var alive []*ProxyNode
		for _, n := range nodes {
			if n.Latency < UnreachableLatency {
				alive = append(alive, n)
			}
		}
		if len(alive) == 0 {
			return nil, fmt.Errorf("all %d proxy nodes failed the health probe", len(nodes))
		}
		pick = alive[0]
		for _, n := range alive[1:] {
			if n.effectiveLatency() < pick.effectiveLatency() {
				pick = n
			}
		}
	}

	log.Success("proxy: selected node '%s' (mode %s, %dms)", pick.Name, r.cfg.Mode, pick.Latency)
	r.selected = pick
	r.pickedAt = time.Now()
	return pick, nil
}

// Forget drops the cached selection so the next Resolve re-probes.
func (r *ProxyResolver) Forget() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.selected = nil
}
