// Package conf loads the bundled simulator's volume geometry and mount
// options from an ini file. The Filesystem core itself never touches this
// package — it takes a plain fs.Config value — this is strictly a
// convenience for cmd/psramfs-sim and for tests that want a named profile.
package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

var ConfigPath string

// CommandLineArgs mirrors the flags accepted by cmd/psramfs-sim.
type CommandLineArgs struct {
	ConfigPath string
}

/*
Expected ini shape:

[volume]
page_size    = 256
block_size   = 4096
block_count  = 64
name_len     = 32
meta_len     = 16

[runtime]
cache_pages     = 16
fd_count        = 8
temporal_fd     = true
magic_enabled   = true
secure_erase    = false
*/
type Cfg struct {
	Raw *ini.File

	PageSize    int
	BlockSize   int
	BlockCount  int
	NameLen     int
	MetaLen     int
	CachePages  int
	FdCount     int
	TemporalFd  bool
	MagicOn     bool
	SecureErase bool
}

// NewCfg returns the defaults the spec's worked examples assume
// (P=256, B=4096, block_count=64).
func NewCfg() *Cfg {
	return &Cfg{
		Raw:        ini.Empty(),
		PageSize:   256,
		BlockSize:  4096,
		BlockCount: 64,
		NameLen:    32,
		MetaLen:    16,
		CachePages: 16,
		FdCount:    8,
		TemporalFd: true,
		MagicOn:    true,
	}
}

func (cfg *Cfg) Load(args *CommandLineArgs) (*Cfg, error) {
	setHomePath(args)

	raw, err := cfg.loadIniFile(args)
	if err != nil {
		return nil, fmt.Errorf("loading volume config: %w", err)
	}
	cfg.Raw = raw

	if err := cfg.parseVolumeSection(raw.Section("volume")); err != nil {
		return nil, err
	}
	if err := cfg.parseRuntimeSection(raw.Section("runtime")); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setHomePath(args *CommandLineArgs) {
	if args != nil && args.ConfigPath != "" {
		ConfigPath = args.ConfigPath
		return
	}
	ConfigPath, _ = filepath.Abs(".")
}

func (cfg *Cfg) loadIniFile(args *CommandLineArgs) (*ini.File, error) {
	if args == nil || args.ConfigPath == "" {
		return ini.Empty(), nil
	}
	if _, err := os.Stat(args.ConfigPath); err != nil {
		return nil, err
	}
	return ini.Load(args.ConfigPath)
}

func (cfg *Cfg) parseVolumeSection(section *ini.Section) error {
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.BlockSize = section.Key("block_size").MustInt(cfg.BlockSize)
	cfg.BlockCount = section.Key("block_count").MustInt(cfg.BlockCount)
	cfg.NameLen = section.Key("name_len").MustInt(cfg.NameLen)
	cfg.MetaLen = section.Key("meta_len").MustInt(cfg.MetaLen)
	return nil
}

func (cfg *Cfg) parseRuntimeSection(section *ini.Section) error {
	cfg.CachePages = section.Key("cache_pages").MustInt(cfg.CachePages)
	cfg.FdCount = section.Key("fd_count").MustInt(cfg.FdCount)
	cfg.TemporalFd = section.Key("temporal_fd").MustBool(cfg.TemporalFd)
	cfg.MagicOn = section.Key("magic_enabled").MustBool(cfg.MagicOn)
	cfg.SecureErase = section.Key("secure_erase").MustBool(cfg.SecureErase)
	return nil
}
