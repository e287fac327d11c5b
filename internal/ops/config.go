package ops

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"gopkg.in/yaml.v3"

	"grainmesh/internal/feed"
	"grainmesh/internal/grain"
	"grainmesh/internal/market"
	"grainmesh/internal/placement"
	"grainmesh/pkg/conn"
)

const (
	DirectoryMemory   = "memory"
	DirectoryPostgres = "postgres"

	defaultListen        = ":8080"
	defaultStreamBuffer  = 1024
	defaultMarketTimeout = 10 * time.Second
)

var ErrInvalidConfig = errors.New("ops: invalid config")

// FileConfig mirrors the YAML config layout.
type FileConfig struct {
	Node      placement.Node  `yaml:"node"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Feed      FeedConfig      `yaml:"feed"`
	Market    MarketConfig    `yaml:"market"`
	Directory DirectoryConfig `yaml:"directory"`
	Server    ServerConfig    `yaml:"server"`
	Profiling ProfilingConfig `yaml:"profiling"`
}

// ClusterConfig lists every node taking part in placement, the local node included.
type ClusterConfig struct {
	Nodes []placement.Node `yaml:"nodes"`
}

type RuntimeConfig struct {
	MailboxSize     int           `yaml:"mailboxSize"`
	StreamBuffer    int           `yaml:"streamBuffer"`
	CollectionAge   time.Duration `yaml:"collectionAge"`
	CollectInterval time.Duration `yaml:"collectInterval"`
	HistorySize     int           `yaml:"historySize"`
}

type FeedConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	Categories     []string      `yaml:"categories"`
	HealthInterval time.Duration `yaml:"healthInterval"`
	PingInterval   time.Duration `yaml:"pingInterval"`
	AckTimeout     time.Duration `yaml:"ackTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
}

type MarketConfig struct {
	BaseURL string        `yaml:"baseUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

type DirectoryConfig struct {
	Driver   string      `yaml:"driver"`
	Postgres conn.Option `yaml:"postgres"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	ClientBuffer int    `yaml:"clientBuffer"`
}

type ProfilingConfig struct {
	Enabled bool              `yaml:"enabled"`
	Server  string            `yaml:"server"`
	AppName string            `yaml:"appName"`
	Tags    map[string]string `yaml:"tags"`
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Runtime      grain.Config
	StreamBuffer int
	HistorySize  int
	Feed         feed.Config
	FeedManager  feed.ManagerConfig
	Market       market.Config
	Directory    DirectoryConfig
	Server       ServerConfig
	Profiling    ProfilingConfig
}

// Load reads a YAML config file, applies defaults and validates it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config").With("path", path)
	}
	return Parse(data)
}

// Parse resolves YAML config bytes. Empty input yields a single-node default config.
func Parse(data []byte) (Loaded, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "parse config")
	}
	return Resolve(cfg)
}

func Resolve(cfg FileConfig) (Loaded, error) {
	runtime, err := resolveRuntime(cfg.Node, cfg.Cluster, cfg.Runtime)
	if err != nil {
		return Loaded{}, err
	}
	feedCfg, managerCfg, err := resolveFeed(cfg.Feed)
	if err != nil {
		return Loaded{}, err
	}
	dir, err := resolveDirectory(cfg.Directory)
	if err != nil {
		return Loaded{}, err
	}
	if cfg.Runtime.MailboxSize < 0 || cfg.Runtime.StreamBuffer < 0 || cfg.Runtime.HistorySize < 0 {
		return Loaded{}, errors.Wrap(ErrInvalidConfig, "runtime sizes must be >= 0")
	}
	if cfg.Profiling.Enabled && cfg.Profiling.Server == "" {
		return Loaded{}, errors.Wrap(ErrInvalidConfig, "profiling server is empty")
	}

	server := cfg.Server
	if server.Listen == "" {
		server.Listen = defaultListen
	}
	profiling := cfg.Profiling
	if profiling.AppName == "" {
		profiling.AppName = "grainmesh"
	}

	return Loaded{
		Runtime:      runtime,
		StreamBuffer: orDefault(cfg.Runtime.StreamBuffer, defaultStreamBuffer),
		HistorySize:  cfg.Runtime.HistorySize,
		Feed:         feedCfg,
		FeedManager:  managerCfg,
		Market: market.Config{
			BaseURL: orDefault(cfg.Market.BaseURL, market.DefaultBaseURL),
			Timeout: orDefault(cfg.Market.Timeout, defaultMarketTimeout),
		},
		Directory: dir,
		Server:    server,
		Profiling: profiling,
	}, nil
}

func resolveRuntime(node placement.Node, cluster ClusterConfig, cfg RuntimeConfig) (grain.Config, error) {
	if node.ID == "" {
		node.ID = "local"
	}
	nodes := slices.Clone(cluster.Nodes)
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return grain.Config{}, errors.Wrap(ErrInvalidConfig, "cluster node id is empty")
		}
		if _, dup := seen[n.ID]; dup {
			return grain.Config{}, errors.Wrap(ErrInvalidConfig, "duplicate cluster node").With("node", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	if _, ok := seen[node.ID]; !ok {
		nodes = append(nodes, node)
	}
	if cfg.CollectionAge < 0 || cfg.CollectInterval < 0 {
		return grain.Config{}, errors.Wrap(ErrInvalidConfig, "collection durations must be >= 0")
	}

	return grain.Config{
		Node:            node,
		Nodes:           placement.StaticNodes(nodes),
		MailboxSize:     cfg.MailboxSize,
		CollectionAge:   cfg.CollectionAge,
		CollectInterval: cfg.CollectInterval,
	}, nil
}

func resolveFeed(cfg FeedConfig) (feed.Config, feed.ManagerConfig, error) {
	categories := make([]market.PairType, 0, len(cfg.Categories))
	for _, c := range cfg.Categories {
		t, err := market.ParsePairType(strings.TrimSpace(c))
		if err != nil {
			return feed.Config{}, feed.ManagerConfig{}, errors.Wrap(ErrInvalidConfig, "feed category").With("value", c)
		}
		if !slices.Contains(categories, t) {
			categories = append(categories, t)
		}
	}
	if cfg.HealthInterval < 0 || cfg.PingInterval < 0 || cfg.AckTimeout < 0 || cfg.MaxAttempts < 0 {
		return feed.Config{}, feed.ManagerConfig{}, errors.Wrap(ErrInvalidConfig, "feed intervals must be >= 0")
	}

	client := feed.Config{
		BaseURL:    cfg.BaseURL,
		Categories: categories,
		AckTimeout: cfg.AckTimeout,
	}
	manager := feed.ManagerConfig{
		HealthInterval: cfg.HealthInterval,
		PingInterval:   cfg.PingInterval,
		MaxAttempts:    cfg.MaxAttempts,
	}
	return client, manager, nil
}

func resolveDirectory(cfg DirectoryConfig) (DirectoryConfig, error) {
	cfg.Driver = strings.ToLower(orDefault(cfg.Driver, DirectoryMemory))
	switch cfg.Driver {
	case DirectoryMemory, DirectoryPostgres:
		return cfg, nil
	default:
		return DirectoryConfig{}, errors.Wrap(ErrInvalidConfig, "unknown directory driver").With("driver", cfg.Driver)
	}
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
