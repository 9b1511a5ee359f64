package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/LeJamon/goDAGBFT/internal/core/consensus"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/avalanche"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/byzantine"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/finality"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/forks"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/validators"
	"github.com/LeJamon/goDAGBFT/internal/core/consensus/voting"
	"github.com/LeJamon/goDAGBFT/internal/crypto"
	"github.com/LeJamon/goDAGBFT/internal/node"
	"github.com/LeJamon/goDAGBFT/internal/storage/vertexstore"
)

// Config represents the complete dagbftd configuration (dagbftd.toml)
type Config struct {
	Node       NodeConfig       `toml:"node" mapstructure:"node"`
	Consensus  ConsensusConfig  `toml:"consensus" mapstructure:"consensus"`
	Quorum     QuorumConfig     `toml:"quorum" mapstructure:"quorum"`
	Reputation ReputationConfig `toml:"reputation" mapstructure:"reputation"`
	Byzantine  ByzantineConfig  `toml:"byzantine" mapstructure:"byzantine"`
	Finality   FinalityConfig   `toml:"finality" mapstructure:"finality"`
	Forks      ForksConfig      `toml:"forks" mapstructure:"forks"`
	Storage    StorageConfig    `toml:"storage" mapstructure:"storage"`
	Metrics    ListenerConfig   `toml:"metrics" mapstructure:"metrics"`
	Feed       ListenerConfig   `toml:"feed" mapstructure:"feed"`

	// Validators is the static validator set ([[validators]] tables)
	Validators []ValidatorEntry `toml:"validators" mapstructure:"validators"`

	// Internal fields for configuration management
	configPath string `toml:"-" mapstructure:"-"`
}

// GetConfigPath returns the path the configuration was loaded from
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// NodeConfig identifies the local validator and tunes its pipelines
type NodeConfig struct {
	// Seed is the hex encoded 32 byte key seed
	Seed    string `toml:"seed" mapstructure:"seed"`
	Scheme  string `toml:"scheme" mapstructure:"scheme"`
	DataDir string `toml:"data_dir" mapstructure:"data_dir"`

	VerifyWorkers int           `toml:"verify_workers" mapstructure:"verify_workers"`
	InboundQueue  int           `toml:"inbound_queue" mapstructure:"inbound_queue"`
	OutboundQueue int           `toml:"outbound_queue" mapstructure:"outbound_queue"`
	ParkedQueries int           `toml:"parked_queries" mapstructure:"parked_queries"`
	Orphans       int           `toml:"orphans" mapstructure:"orphans"`
	FinalityRetry time.Duration `toml:"finality_retry" mapstructure:"finality_retry"`
}

// Validate checks the node section
func (n *NodeConfig) Validate() error {
	if _, err := crypto.LookupScheme(n.Scheme); err != nil {
		return err
	}
	if n.Seed != "" {
		seed, err := hex.DecodeString(n.Seed)
		if err != nil {
			return fmt.Errorf("seed is not hex: %w", err)
		}
		if len(seed) != crypto.SeedSize {
			return fmt.Errorf("seed must be %d bytes, got %d", crypto.SeedSize, len(seed))
		}
	}
	if n.VerifyWorkers < 0 {
		return fmt.Errorf("verify_workers must be non-negative, got %d", n.VerifyWorkers)
	}
	if n.InboundQueue <= 0 || n.OutboundQueue <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if n.ParkedQueries <= 0 || n.Orphans <= 0 {
		return fmt.Errorf("parked_queries and orphans must be positive")
	}
	return nil
}

// Signer derives the local signing key from the configured seed
func (n *NodeConfig) Signer() (consensus.Signer, error) {
	if n.Seed == "" {
		return nil, fmt.Errorf("node.seed is not set")
	}
	seed, err := hex.DecodeString(n.Seed)
	if err != nil {
		return nil, fmt.Errorf("seed is not hex: %w", err)
	}
	scheme, err := crypto.LookupScheme(n.Scheme)
	if err != nil {
		return nil, err
	}
	return scheme.NewSigner(seed)
}

// ConsensusConfig holds the sampling parameters
type ConsensusConfig struct {
	SampleSize          int           `toml:"k" mapstructure:"k"`
	Alpha               float64       `toml:"alpha" mapstructure:"alpha"`
	Beta                int           `toml:"beta" mapstructure:"beta"`
	ConfidenceThreshold int           `toml:"confidence_threshold" mapstructure:"confidence_threshold"`
	RoundTimeout        time.Duration `toml:"round_timeout" mapstructure:"round_timeout"`
	RetryInterval       time.Duration `toml:"retry_interval" mapstructure:"retry_interval"`
	Shards              int           `toml:"shards" mapstructure:"shards"`
	QueueSize           int           `toml:"queue_size" mapstructure:"queue_size"`

	// ConflictSeparator splits a payload into its conflict key and the rest.
	// Empty means vertices never conflict.
	ConflictSeparator string `toml:"conflict_separator" mapstructure:"conflict_separator"`
}

// ToAvalanche converts the section into the engine configuration
func (c *ConsensusConfig) ToAvalanche() avalanche.Config {
	return avalanche.Config{
		SampleSize:          c.SampleSize,
		Alpha:               c.Alpha,
		Beta:                c.Beta,
		ConfidenceThreshold: c.ConfidenceThreshold,
		RoundTimeout:        c.RoundTimeout,
		RetryInterval:       c.RetryInterval,
		Shards:              c.Shards,
		QueueSize:           c.QueueSize,
	}
}

// Validate checks the consensus section
func (c *ConsensusConfig) Validate() error {
	if err := c.ToAvalanche().Validate(); err != nil {
		return err
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if len(c.ConflictSeparator) > 1 {
		return fmt.Errorf("conflict_separator must be a single byte, got %q", c.ConflictSeparator)
	}
	return nil
}

// ConflictKey returns the conflict-set extractor for the configured
// separator, or nil when vertices never conflict
func (c *ConsensusConfig) ConflictKey() consensus.ConflictKeyFunc {
	if c.ConflictSeparator == "" {
		return nil
	}
	return consensus.PrefixConflictKey(c.ConflictSeparator[0])
}

// QuorumConfig holds the adaptive quorum policy
type QuorumConfig struct {
	Base                float64       `toml:"base" mapstructure:"base"`
	Max                 float64       `toml:"max" mapstructure:"max"`
	Step                float64       `toml:"step" mapstructure:"step"`
	Window              time.Duration `toml:"window" mapstructure:"window"`
	ResponsivenessAlpha float64       `toml:"responsiveness_alpha" mapstructure:"responsiveness_alpha"`
}

// ToVoting converts the section into the quorum configuration
func (q *QuorumConfig) ToVoting() voting.QuorumConfig {
	return voting.QuorumConfig{
		Base:                q.Base,
		Max:                 q.Max,
		Step:                q.Step,
		Window:              q.Window,
		ResponsivenessAlpha: q.ResponsivenessAlpha,
	}
}

// Validate checks the quorum section
func (q *QuorumConfig) Validate() error {
	if q.Base <= 0.5 || q.Base > 1 {
		return fmt.Errorf("base must be in (0.5, 1], got %v", q.Base)
	}
	if q.Max < q.Base || q.Max > 1 {
		return fmt.Errorf("max must be in [base, 1], got %v", q.Max)
	}
	if q.Step < 0 {
		return fmt.Errorf("step must be non-negative, got %v", q.Step)
	}
	if q.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if q.ResponsivenessAlpha < 0 || q.ResponsivenessAlpha > 1 {
		return fmt.Errorf("responsiveness_alpha must be in [0, 1], got %v", q.ResponsivenessAlpha)
	}
	return nil
}

// ReputationConfig holds the reputation policy
type ReputationConfig struct {
	Initial                 float64 `toml:"initial" mapstructure:"initial"`
	BanThreshold            float64 `toml:"ban_threshold" mapstructure:"ban_threshold"`
	RehabilitationThreshold float64 `toml:"rehabilitation_threshold" mapstructure:"rehabilitation_threshold"`
	RewardStep              float64 `toml:"reward_step" mapstructure:"reward_step"`
	UptimeAlpha             float64 `toml:"uptime_alpha" mapstructure:"uptime_alpha"`
}

// ToValidators converts the section into the registry configuration
func (r *ReputationConfig) ToValidators() validators.Config {
	return validators.Config{
		InitialReputation:       r.Initial,
		BanThreshold:            r.BanThreshold,
		RehabilitationThreshold: r.RehabilitationThreshold,
		RewardStep:              r.RewardStep,
		UptimeAlpha:             r.UptimeAlpha,
	}
}

// Validate checks the reputation section
func (r *ReputationConfig) Validate() error {
	for name, v := range map[string]float64{
		"initial":                  r.Initial,
		"ban_threshold":            r.BanThreshold,
		"rehabilitation_threshold": r.RehabilitationThreshold,
		"reward_step":              r.RewardStep,
		"uptime_alpha":             r.UptimeAlpha,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %v", name, v)
		}
	}
	if r.RehabilitationThreshold < r.BanThreshold {
		return fmt.Errorf("rehabilitation_threshold (%v) cannot be below ban_threshold (%v)",
			r.RehabilitationThreshold, r.BanThreshold)
	}
	return nil
}

// ByzantineConfig holds the detection policy
type ByzantineConfig struct {
	MaxVoteDelay    time.Duration `toml:"max_vote_delay" mapstructure:"max_vote_delay"`
	AbstentionLimit int           `toml:"abstention_limit" mapstructure:"abstention_limit"`
	MaxMessages     int           `toml:"max_messages" mapstructure:"max_messages"`
	FloodWindow     time.Duration `toml:"flood_window" mapstructure:"flood_window"`
	ReplayWindow    time.Duration `toml:"replay_window" mapstructure:"replay_window"`
	MaxPayloadSize  int           `toml:"max_payload_size" mapstructure:"max_payload_size"`
	MaxParents      int           `toml:"max_parents" mapstructure:"max_parents"`
	MaxClockSkew    time.Duration `toml:"max_clock_skew" mapstructure:"max_clock_skew"`

	// Severities overrides per-fault penalties, keyed by fault name
	// (e.g. Equivocation = 0.3)
	Severities map[string]float64 `toml:"severities" mapstructure:"severities"`
}

// ToByzantine converts the section into the detector configuration
func (b *ByzantineConfig) ToByzantine() (byzantine.Config, error) {
	cfg := byzantine.DefaultConfig()
	cfg.MaxVoteDelay = b.MaxVoteDelay
	cfg.AbstentionLimit = b.AbstentionLimit
	cfg.MaxMessages = b.MaxMessages
	cfg.FloodWindow = b.FloodWindow
	cfg.ReplayWindow = b.ReplayWindow
	cfg.MaxPayloadSize = b.MaxPayloadSize
	cfg.MaxParents = b.MaxParents
	cfg.MaxClockSkew = b.MaxClockSkew
	for name, severity := range b.Severities {
		kind, ok := byzantine.ParseFaultKind(name)
		if !ok {
			return byzantine.Config{}, fmt.Errorf("unknown fault kind %q", name)
		}
		cfg.Severities[kind] = severity
	}
	return cfg, nil
}

// Validate checks the byzantine section
func (b *ByzantineConfig) Validate() error {
	if b.MaxVoteDelay <= 0 {
		return fmt.Errorf("max_vote_delay must be positive")
	}
	if b.AbstentionLimit < 0 || b.MaxMessages < 0 {
		return fmt.Errorf("abstention_limit and max_messages must be non-negative")
	}
	if b.MaxMessages > 0 && b.FloodWindow <= 0 {
		return fmt.Errorf("flood_window must be positive when max_messages is set")
	}
	if b.ReplayWindow <= 0 {
		return fmt.Errorf("replay_window must be positive")
	}
	if b.MaxPayloadSize <= 0 || b.MaxParents <= 0 {
		return fmt.Errorf("max_payload_size and max_parents must be positive")
	}
	for name, severity := range b.Severities {
		if severity < 0 || severity > 1 {
			return fmt.Errorf("severity of %s must be in [0, 1], got %v", name, severity)
		}
	}
	_, err := b.ToByzantine()
	return err
}

// FinalityConfig configures the finality engine
type FinalityConfig struct {
	RecordBuffer int `toml:"record_buffer" mapstructure:"record_buffer"`
}

// ToFinality converts the section into the engine configuration
func (f *FinalityConfig) ToFinality() finality.Config {
	return finality.Config{RecordBuffer: f.RecordBuffer}
}

// Validate checks the finality section
func (f *FinalityConfig) Validate() error {
	if f.RecordBuffer < 0 {
		return fmt.Errorf("record_buffer must be non-negative, got %d", f.RecordBuffer)
	}
	return nil
}

// ForksConfig configures the fork detector
type ForksConfig struct {
	ScanDepth       int           `toml:"scan_depth" mapstructure:"scan_depth"`
	MaxInconclusive int           `toml:"max_inconclusive" mapstructure:"max_inconclusive"`
	Interval        time.Duration `toml:"interval" mapstructure:"interval"`
}

// ToForks converts the section into the detector configuration
func (f *ForksConfig) ToForks() forks.Config {
	return forks.Config{
		ScanDepth:       f.ScanDepth,
		MaxInconclusive: f.MaxInconclusive,
		Interval:        f.Interval,
	}
}

// Validate checks the forks section
func (f *ForksConfig) Validate() error {
	if f.ScanDepth <= 0 {
		return fmt.Errorf("scan_depth must be positive, got %d", f.ScanDepth)
	}
	if f.MaxInconclusive <= 0 {
		return fmt.Errorf("max_inconclusive must be positive, got %d", f.MaxInconclusive)
	}
	if f.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}

// StorageConfig selects the vertex store backend
type StorageConfig struct {
	Backend     string `toml:"backend" mapstructure:"backend"`
	Path        string `toml:"path" mapstructure:"path"`
	CacheSize   int    `toml:"cache_size" mapstructure:"cache_size"`
	Compression string `toml:"compression" mapstructure:"compression"`
	Sync        bool   `toml:"sync" mapstructure:"sync"`

	// AuditLog persists evidence, finality records and fork resolutions
	AuditLog bool `toml:"audit_log" mapstructure:"audit_log"`
}

// ToVertexStore converts the section into the store configuration. A
// relative path is resolved against dataDir.
func (s *StorageConfig) ToVertexStore(dataDir string) vertexstore.Config {
	cfg := vertexstore.DefaultConfig()
	cfg.Backend = s.Backend
	cfg.Path = s.resolve(dataDir)
	cfg.CacheSize = s.CacheSize
	cfg.Compressor = s.Compression
	cfg.Sync = s.Sync
	return cfg
}

func (s *StorageConfig) resolve(dataDir string) string {
	if s.Path == "" || filepath.IsAbs(s.Path) || dataDir == "" {
		return s.Path
	}
	return filepath.Join(dataDir, s.Path)
}

// Validate checks the storage section
func (s *StorageConfig) Validate() error {
	switch s.Backend {
	case vertexstore.BackendMemory:
		if s.AuditLog {
			return fmt.Errorf("audit_log requires the %s backend", vertexstore.BackendPebble)
		}
	case vertexstore.BackendPebble:
		if s.Path == "" {
			return fmt.Errorf("path is required for the %s backend", s.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (supported: %s, %s)",
			s.Backend, vertexstore.BackendMemory, vertexstore.BackendPebble)
	}
	if _, err := vertexstore.GetCompressor(s.Compression); err != nil {
		return fmt.Errorf("compression: %w", err)
	}
	if s.CacheSize < 0 {
		return fmt.Errorf("cache_size must be non-negative, got %d", s.CacheSize)
	}
	return nil
}

// ListenerConfig is an optional HTTP listener
type ListenerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Address string `toml:"address" mapstructure:"address"`
}

// Validate checks the listener section
func (l *ListenerConfig) Validate() error {
	if l.Enabled && l.Address == "" {
		return fmt.Errorf("address is required when enabled")
	}
	return nil
}

// ToNode assembles the node configuration from every section
func (c *Config) ToNode() (node.Config, error) {
	cfg := node.DefaultConfig()
	cfg.Consensus = c.Consensus.ToAvalanche()
	cfg.Finality = c.Finality.ToFinality()
	cfg.Forks = c.Forks.ToForks()
	cfg.Quorum = c.Quorum.ToVoting()
	byz, err := c.Byzantine.ToByzantine()
	if err != nil {
		return node.Config{}, err
	}
	cfg.Byzantine = byz
	if c.Node.VerifyWorkers > 0 {
		cfg.VerifyWorkers = c.Node.VerifyWorkers
	}
	cfg.InboundQueue = c.Node.InboundQueue
	cfg.OutboundQueue = c.Node.OutboundQueue
	cfg.ParkedQueries = c.Node.ParkedQueries
	cfg.Orphans = c.Node.Orphans
	cfg.FinalityRetry = c.Node.FinalityRetry
	return cfg, cfg.Validate()
}
