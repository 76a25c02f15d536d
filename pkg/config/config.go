// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package config

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/foundriesio/fioconfig/sotatoml"
	"github.com/foundriesio/fioconfig/transport"

	"github.com/foundriesio/fwota/pkg/partition"
)

type Config struct {
	tomlConfig  *sotatoml.AppConfig
	firmwareURL *url.URL
}

const (
	FirmwareURLKey           = "ota.firmware_url"
	FlashImageKey            = "ota.flash_image"
	PartitionTableKey        = "ota.partition_table"
	UnknownLengthCapacityKey = "ota.unknown_length_capacity"
	RestartDelayKey          = "ota.restart_delay_seconds"
	RestartCommandKey        = "ota.restart_command"
	StatusListenKey          = "ota.status_listen"
	PollingIntervalKey       = "ota.polling_seconds"
	ChunkSizeKey             = "ota.chunk_size"
	HttpTimeoutKey           = "ota.http_timeout_seconds"
	RequireSHA256Key         = "ota.require_sha256"
	EventsURLKey             = "ota.events_url"
	UseMTLSKey               = "ota.use_mtls"
	StorageDirKey            = "storage.path"
	DBPathKey                = "storage.sqldb_path"

	StorageDefaultDir          = "/var/sota"
	DBDefaultFilename          = "fwota.db"
	FlashImageDefaultFilename  = "flash.bin"
	StatusListenDefault        = "127.0.0.1:9680"
	RestartCommandDefault      = "systemctl reboot"
	RestartDelayDefault        = 10
	HttpTimeoutDefault         = 600
	ChunkSizeDefault           = 4096
	MinChunkSize               = 512
	MaxChunkSize               = 1 << 20

	UnknownLengthCapacityDefault = partition.DefaultSlotSize
)

func NewConfig(tomlConfigPaths []string) (*Config, error) {
	var err error
	cfg := &Config{}

	if len(tomlConfigPaths) == 0 {
		return nil, fmt.Errorf("config: no TOML paths provided")
	}
	if cfg.tomlConfig, err = sotatoml.NewAppConfig(tomlConfigPaths); err != nil {
		return nil, fmt.Errorf("config: failed to load TOML from paths %q: %w",
			strings.Join(tomlConfigPaths, ", "), err)
	}
	if s := cfg.tomlConfig.Get(FirmwareURLKey); s != "" {
		if cfg.firmwareURL, err = url.Parse(s); err != nil {
			return nil, fmt.Errorf("invalid value of %q: %w", FirmwareURLKey, err)
		}
		if cfg.firmwareURL.Scheme != "http" && cfg.firmwareURL.Scheme != "https" {
			return nil, fmt.Errorf("invalid value of %q: unsupported scheme %q", FirmwareURLKey, cfg.firmwareURL.Scheme)
		}
	}
	return cfg, nil
}

func (c *Config) TomlConfig() *sotatoml.AppConfig {
	return c.tomlConfig
}

// GetFirmwareURL returns the configured firmware URL or an empty string.
func (c *Config) GetFirmwareURL() string {
	if c.firmwareURL == nil {
		return ""
	}
	return c.firmwareURL.String()
}

func (c *Config) GetStorageDir() string {
	return c.tomlConfig.GetDefault(StorageDirKey, StorageDefaultDir)
}

func (c *Config) GetDBPath() string {
	return c.storagePath(c.tomlConfig.GetDefault(DBPathKey, DBDefaultFilename))
}

func (c *Config) GetFlashImage() string {
	return c.storagePath(c.tomlConfig.GetDefault(FlashImageKey, FlashImageDefaultFilename))
}

// GetPartitionTable loads the table named by ota.partition_table, or returns
// the default two-slot layout when the key is not set.
func (c *Config) GetPartitionTable() (partition.Table, error) {
	path := c.tomlConfig.Get(PartitionTableKey)
	if path == "" {
		return partition.DefaultTable(), nil
	}
	return partition.LoadTable(path)
}

func (c *Config) GetUnknownLengthCapacity() int64 {
	return int64(c.getInt(UnknownLengthCapacityKey, UnknownLengthCapacityDefault, 0, math.MaxInt32))
}

func (c *Config) GetRestartDelay() time.Duration {
	return time.Duration(c.getInt(RestartDelayKey, RestartDelayDefault, 0, 3600)) * time.Second
}

func (c *Config) GetRestartCommand() []string {
	cmd := strings.Fields(c.tomlConfig.GetDefault(RestartCommandKey, RestartCommandDefault))
	if len(cmd) == 0 {
		slog.Warn("empty restart command; using default", "default", RestartCommandDefault)
		return strings.Fields(RestartCommandDefault)
	}
	return cmd
}

func (c *Config) GetStatusListen() string {
	return c.tomlConfig.GetDefault(StatusListenKey, StatusListenDefault)
}

// GetPollingInterval returns how often the daemon checks for firmware. Zero
// disables polling.
func (c *Config) GetPollingInterval() time.Duration {
	return time.Duration(c.getInt(PollingIntervalKey, 0, 0, 7*24*3600)) * time.Second
}

func (c *Config) GetChunkSize() int {
	return c.getInt(ChunkSizeKey, ChunkSizeDefault, MinChunkSize, MaxChunkSize)
}

func (c *Config) GetHttpTimeout() time.Duration {
	return time.Duration(c.getInt(HttpTimeoutKey, HttpTimeoutDefault, 0, 24*3600)) * time.Second
}

func (c *Config) GetRequireSHA256() bool {
	return c.getBool(RequireSHA256Key)
}

func (c *Config) GetEventsURL() string {
	return c.tomlConfig.Get(EventsURLKey)
}

func (c *Config) GetUseMTLS() bool {
	return c.getBool(UseMTLSKey)
}

// HttpClient returns the client used for firmware downloads and event
// uploads. With ota.use_mtls set it is the device gateway mTLS client built
// from the [tls] and [import] sections.
func (c *Config) HttpClient() (*http.Client, error) {
	var client *http.Client
	if c.GetUseMTLS() {
		var err error
		if client, err = transport.CreateClient(c.tomlConfig); err != nil {
			return nil, fmt.Errorf("failed to create mTLS HTTP client: %w", err)
		}
	} else {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	client.Timeout = c.GetHttpTimeout()
	return client, nil
}

func (c *Config) storagePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.GetStorageDir(), p)
}

func (c *Config) getInt(key string, def, lo, hi int) int {
	if !c.tomlConfig.Has(key) {
		return def
	}
	str := c.tomlConfig.Get(key)
	v, err := strconv.Atoi(strings.TrimSpace(str))
	if err != nil {
		slog.Warn("invalid config value; using default", "key", key, "value", str, "default", def)
		return def
	}
	if v < lo || v > hi {
		slog.Warn("config value out of range; using default", "key", key, "value", v, "default", def)
		return def
	}
	return v
}

func (c *Config) getBool(key string) bool {
	str := c.tomlConfig.GetDefault(key, "0")
	v, err := strconv.ParseBool(strings.TrimSpace(str))
	if err != nil {
		slog.Warn("invalid boolean config value; using false", "key", key, "value", str)
		return false
	}
	return v
}
