// Package config loads the environment's INI configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// CommandLineArgs mirrors the flags accepted by cmd/bdbenvd.
type CommandLineArgs struct {
	ConfigPath string
}

// ReplicationConfig configures the local site's participation in the
// replication group (spec.md §3 "Election/replication state").
type ReplicationConfig struct {
	EID             string
	NSites          int
	NVotes          int
	Priority        int
	ElectionTimeout time.Duration
	Peers           []string
	DelayClient     bool
	Bulk            bool
	NoAutoInit      bool
}

// Cfg is the environment's parsed configuration.
type Cfg struct {
	Raw *ini.File

	DataDir         string
	LogDir          string
	PageSize        uint32
	CacheSizeBytes  uint64
	LogFileMaxBytes uint64
	LegacyLogPrefix string
	NeedsSwap       bool

	LogLevel     string
	LogErrorPath string
	LogInfoPath  string

	Replication ReplicationConfig
}

// NewCfg returns a Cfg populated with the defaults used when no
// configuration file is present.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:             ini.Empty(),
		DataDir:         "./data",
		LogDir:          "./data/log",
		PageSize:        16 * 1024,
		CacheSizeBytes:  64 * 1024 * 1024,
		LogFileMaxBytes: 10 * 1024 * 1024,
		LegacyLogPrefix: "log.",
		LogLevel:        "info",
		Replication: ReplicationConfig{
			NSites:          1,
			NVotes:          1,
			Priority:        1,
			ElectionTimeout: 5 * time.Second,
		},
	}
}

// Load reads the INI file named by args.ConfigPath (if any), overlaying
// its values on top of the defaults, and returns the resulting Cfg.
func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	iniFile, err := cfg.loadConfiguration(args)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg.Raw = iniFile

	cfg.parseEnvSection(cfg.Raw.Section("env"))
	cfg.parseLogSection(cfg.Raw.Section("log"))
	cfg.parseReplicationSection(cfg.Raw.Section("replication"))
	return cfg, nil
}

func (cfg *Cfg) loadConfiguration(args *CommandLineArgs) (*ini.File, error) {
	if args == nil || args.ConfigPath == "" {
		return ini.Empty(), nil
	}
	path, err := filepath.Abs(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ini.Empty(), nil
	}
	return ini.Load(path)
}

func (cfg *Cfg) parseEnvSection(s *ini.Section) {
	cfg.DataDir = s.Key("data_dir").MustString(cfg.DataDir)
	cfg.LogDir = s.Key("log_dir").MustString(cfg.LogDir)
	cfg.PageSize = uint32(s.Key("page_size").MustUint(uint(cfg.PageSize)))
	cfg.CacheSizeBytes = uint64(s.Key("cache_size_bytes").MustUint64(cfg.CacheSizeBytes))
	cfg.LogFileMaxBytes = uint64(s.Key("log_file_max_bytes").MustUint64(cfg.LogFileMaxBytes))
	cfg.LegacyLogPrefix = s.Key("legacy_log_prefix").MustString(cfg.LegacyLogPrefix)
	cfg.NeedsSwap = s.Key("needs_swap").MustBool(cfg.NeedsSwap)
}

func (cfg *Cfg) parseLogSection(s *ini.Section) {
	cfg.LogLevel = s.Key("level").MustString(cfg.LogLevel)
	cfg.LogErrorPath = s.Key("error_log_path").MustString(cfg.LogErrorPath)
	cfg.LogInfoPath = s.Key("info_log_path").MustString(cfg.LogInfoPath)
}

func (cfg *Cfg) parseReplicationSection(s *ini.Section) {
	r := &cfg.Replication
	r.EID = s.Key("eid").MustString(r.EID)
	r.NSites = s.Key("nsites").MustInt(r.NSites)
	r.NVotes = s.Key("nvotes").MustInt(r.NVotes)
	r.Priority = s.Key("priority").MustInt(r.Priority)
	r.ElectionTimeout = s.Key("election_timeout").MustDuration(r.ElectionTimeout)
	r.DelayClient = s.Key("delay_client").MustBool(r.DelayClient)
	r.Bulk = s.Key("bulk").MustBool(r.Bulk)
	r.NoAutoInit = s.Key("no_auto_init").MustBool(r.NoAutoInit)
	if peers := s.Key("peers").String(); peers != "" {
		for _, p := range strings.Split(peers, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				r.Peers = append(r.Peers, p)
			}
		}
	}
}
