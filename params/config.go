package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ccx404/ccbft/pkg/consensus"
)

// Duration decodes from YAML either as a Go duration string ("500ms") or
// as an integer millisecond count.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if v, err := time.ParseDuration(s); err == nil {
		*d = Duration(v)
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return fmt.Errorf("parse duration %q", s)
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Consensus struct {
	ProposalTimeout     Duration `yaml:"proposal_timeout"`
	PreVoteTimeout      Duration `yaml:"pre_vote_timeout"`
	PreCommitTimeout    Duration `yaml:"pre_commit_timeout"`
	ViewChangeTimeout   Duration `yaml:"view_change_timeout"`
	MaxParallelBlocks   int      `yaml:"max_parallel_blocks"`
	FastPathEnabled     bool     `yaml:"fast_path_enabled"`
	AdaptiveTimeouts    bool     `yaml:"adaptive_timeouts"`
	PipeliningEnabled   bool     `yaml:"pipelining_enabled"`
	AggregateSignatures bool     `yaml:"aggregate_signatures"`
}

// Validator is a genesis entry: hex-encoded BLS seed (at least 32 bytes)
// plus its stake.
type Validator struct {
	Seed  string `yaml:"seed"`
	Stake uint64 `yaml:"stake"`
}

type Node struct {
	ListenAddr string `yaml:"listen_addr"` // libp2p multiaddr
	APIAddr    string `yaml:"api_addr"`
	DataDir    string `yaml:"data_dir"`
	LogFile    string `yaml:"log_file"`
	Verbose    bool   `yaml:"verbose"`

	Bootstrap []string `yaml:"bootstrap"`
}

type Config struct {
	Consensus  Consensus   `yaml:"consensus"`
	Node       Node        `yaml:"node"`
	Validators []Validator `yaml:"validators"`
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			ProposalTimeout:     Duration(1000 * time.Millisecond),
			PreVoteTimeout:      Duration(500 * time.Millisecond),
			PreCommitTimeout:    Duration(500 * time.Millisecond),
			ViewChangeTimeout:   Duration(10 * time.Second),
			MaxParallelBlocks:   10,
			FastPathEnabled:     true,
			AdaptiveTimeouts:    true,
			PipeliningEnabled:   true,
			AggregateSignatures: true,
		},
		Node: Node{
			APIAddr: ":8545",
			DataDir: "data",
			LogFile: "data/node.log",
		},
	}
}

// Engine maps the config onto the engine's option struct.
func (c Config) Engine() consensus.Config {
	return consensus.Config{
		ProposalTimeout:     c.Consensus.ProposalTimeout.Std(),
		PreVoteTimeout:      c.Consensus.PreVoteTimeout.Std(),
		PreCommitTimeout:    c.Consensus.PreCommitTimeout.Std(),
		ViewChangeTimeout:   c.Consensus.ViewChangeTimeout.Std(),
		MaxParallelBlocks:   c.Consensus.MaxParallelBlocks,
		FastPathEnabled:     c.Consensus.FastPathEnabled,
		AdaptiveTimeouts:    c.Consensus.AdaptiveTimeouts,
		PipeliningEnabled:   c.Consensus.PipeliningEnabled,
		AggregateSignatures: c.Consensus.AggregateSignatures,
	}
}

// LoadFile reads a YAML config over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv loads .env (if present) and applies environment overrides on
// top of cfg. Priority: ENV > .env file > given config.
func LoadFromEnv(cfg Config, envPath string) Config {
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	durMS := func(key string, into *Duration) {
		if v := os.Getenv(key); v != "" {
			if ms, err := strconv.Atoi(v); err == nil {
				*into = Duration(time.Duration(ms) * time.Millisecond)
			}
		}
	}
	durMS("CONSENSUS_PROPOSAL_TIMEOUT_MS", &cfg.Consensus.ProposalTimeout)
	durMS("CONSENSUS_PRE_VOTE_TIMEOUT_MS", &cfg.Consensus.PreVoteTimeout)
	durMS("CONSENSUS_PRE_COMMIT_TIMEOUT_MS", &cfg.Consensus.PreCommitTimeout)
	durMS("CONSENSUS_VIEW_CHANGE_TIMEOUT_MS", &cfg.Consensus.ViewChangeTimeout)

	if v := os.Getenv("CONSENSUS_MAX_PARALLEL_BLOCKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Consensus.MaxParallelBlocks = n
		}
	}
	boolEnv := func(key string, into *bool) {
		if v := os.Getenv(key); v != "" {
			*into = v == "true"
		}
	}
	boolEnv("CONSENSUS_FAST_PATH", &cfg.Consensus.FastPathEnabled)
	boolEnv("CONSENSUS_ADAPTIVE_TIMEOUTS", &cfg.Consensus.AdaptiveTimeouts)
	boolEnv("CONSENSUS_PIPELINING", &cfg.Consensus.PipeliningEnabled)
	boolEnv("CONSENSUS_AGGREGATE_SIGNATURES", &cfg.Consensus.AggregateSignatures)
	boolEnv("VERBOSE", &cfg.Node.Verbose)

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	return cfg
}
