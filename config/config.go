// Package config loads the upload settings from an optional config file and the environment.
//
// Every setting has a default, can be set in a YAML, TOML or JSON file and can be overridden
// by an environment variable named CHUNKUPLOAD_ followed by the upper-cased key,
// e.g. CHUNKUPLOAD_MAX_CHUNK_SIZE=8MiB.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkupload/chunk"
	"github.com/bitrise-io/go-chunkupload/dedup"
	"github.com/bitrise-io/go-chunkupload/hasher"
	"github.com/bitrise-io/go-chunkupload/progress"
	"github.com/bitrise-io/go-chunkupload/sender"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key to form its environment variable name.
const EnvPrefix = "CHUNKUPLOAD_"

const (
	KeyAPIURL           = "api_url"
	KeyAPIToken         = "api_token"
	KeyS3Region         = "s3_region"
	KeyS3Bucket         = "s3_bucket"
	KeyS3Prefix         = "s3_prefix"
	KeyS3AccessKeyID    = "s3_access_key_id"
	KeyS3SecretKey      = "s3_secret_access_key"
	KeyUploadURL        = "upload_url"
	KeyUploadToken      = "upload_token"
	KeyInitialChunkSize = "initial_chunk_size"
	KeyMinChunkSize     = "min_chunk_size"
	KeyMaxChunkSize     = "max_chunk_size"
	KeyFastThreshold    = "fast_threshold"
	KeySlowThreshold    = "slow_threshold"
	KeyChunkAttempts    = "chunk_attempts"
	KeyRetryDelay       = "retry_delay"
	KeyChunkTimeout     = "chunk_timeout"
	KeyProgressWindow   = "progress_window"
	KeyProgressInterval = "progress_interval"
	KeyHashBlockSize    = "hash_block_size"
	KeyHashAlgorithm    = "hash_algorithm"
)

var keys = []string{
	KeyAPIURL, KeyAPIToken,
	KeyS3Region, KeyS3Bucket, KeyS3Prefix, KeyS3AccessKeyID, KeyS3SecretKey, KeyUploadURL, KeyUploadToken,
	KeyInitialChunkSize, KeyMinChunkSize, KeyMaxChunkSize, KeyFastThreshold, KeySlowThreshold,
	KeyChunkAttempts, KeyRetryDelay, KeyChunkTimeout,
	KeyProgressWindow, KeyProgressInterval,
	KeyHashBlockSize, KeyHashAlgorithm,
}

// Secret is a string that is not printed.
type Secret string

// String ...
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// S3 configures the S3 content index. It is used instead of the lookup API when Bucket is set.
type S3 struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey Secret
	UploadURL       string
	UploadToken     Secret
}

// Config ...
type Config struct {
	APIURL   string
	APIToken Secret
	S3       S3

	InitialChunkSize int64
	MinChunkSize     int64
	MaxChunkSize     int64
	FastThreshold    time.Duration
	SlowThreshold    time.Duration

	ChunkAttempts uint
	RetryDelay    time.Duration
	ChunkTimeout  time.Duration

	ProgressWindow   int
	ProgressInterval time.Duration

	HashBlockSize int64
	HashAlgorithm string
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(key)
}

// Load reads configFile, if not empty, applies the environment overrides found in envRepo
// and validates the result.
func Load(envRepo env.Repository, configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, key := range keys {
		if value := envRepo.Get(EnvName(key)); value != "" {
			v.Set(key, value)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	tuning := sender.DefaultTuning()
	v.SetDefault(KeyInitialChunkSize, tuning.Initial)
	v.SetDefault(KeyMinChunkSize, tuning.Min)
	v.SetDefault(KeyMaxChunkSize, tuning.Max)
	v.SetDefault(KeyFastThreshold, tuning.FastThreshold)
	v.SetDefault(KeySlowThreshold, tuning.SlowThreshold)
	v.SetDefault(KeyChunkAttempts, chunk.DefaultAttempts)
	v.SetDefault(KeyRetryDelay, chunk.DefaultRetryDelay)
	v.SetDefault(KeyChunkTimeout, chunk.DefaultTimeout)
	v.SetDefault(KeyProgressWindow, progress.DefaultWindow)
	v.SetDefault(KeyProgressInterval, time.Second)
	v.SetDefault(KeyHashBlockSize, hasher.DefaultBlockSize)
	v.SetDefault(KeyHashAlgorithm, "sha256")
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		APIURL:   v.GetString(KeyAPIURL),
		APIToken: Secret(v.GetString(KeyAPIToken)),
		S3: S3{
			Region:          v.GetString(KeyS3Region),
			Bucket:          v.GetString(KeyS3Bucket),
			Prefix:          v.GetString(KeyS3Prefix),
			AccessKeyID:     v.GetString(KeyS3AccessKeyID),
			SecretAccessKey: Secret(v.GetString(KeyS3SecretKey)),
			UploadURL:       v.GetString(KeyUploadURL),
			UploadToken:     Secret(v.GetString(KeyUploadToken)),
		},
		FastThreshold:    v.GetDuration(KeyFastThreshold),
		SlowThreshold:    v.GetDuration(KeySlowThreshold),
		ChunkAttempts:    v.GetUint(KeyChunkAttempts),
		RetryDelay:       v.GetDuration(KeyRetryDelay),
		ChunkTimeout:     v.GetDuration(KeyChunkTimeout),
		ProgressWindow:   v.GetInt(KeyProgressWindow),
		ProgressInterval: v.GetDuration(KeyProgressInterval),
		HashAlgorithm:    v.GetString(KeyHashAlgorithm),
	}

	sizes := []struct {
		key string
		dst *int64
	}{
		{KeyInitialChunkSize, &cfg.InitialChunkSize},
		{KeyMinChunkSize, &cfg.MinChunkSize},
		{KeyMaxChunkSize, &cfg.MaxChunkSize},
		{KeyHashBlockSize, &cfg.HashBlockSize},
	}
	for _, s := range sizes {
		size, err := units.RAMInBytes(v.GetString(s.key))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.key, err)
		}
		*s.dst = size
	}

	return cfg, nil
}

// Validate ...
func (c Config) Validate() error {
	if c.MinChunkSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyMinChunkSize)
	}
	if c.InitialChunkSize < c.MinChunkSize || c.InitialChunkSize > c.MaxChunkSize {
		return fmt.Errorf("%s (%d) must be between %s (%d) and %s (%d)",
			KeyInitialChunkSize, c.InitialChunkSize, KeyMinChunkSize, c.MinChunkSize, KeyMaxChunkSize, c.MaxChunkSize)
	}
	if c.FastThreshold <= 0 || c.SlowThreshold < c.FastThreshold {
		return fmt.Errorf("%s must be positive and not above %s", KeyFastThreshold, KeySlowThreshold)
	}
	if c.ChunkAttempts < 1 {
		return fmt.Errorf("%s must be at least 1", KeyChunkAttempts)
	}
	if c.RetryDelay <= 0 || c.ChunkTimeout <= 0 || c.ProgressInterval <= 0 {
		return fmt.Errorf("%s, %s and %s must be positive", KeyRetryDelay, KeyChunkTimeout, KeyProgressInterval)
	}
	if c.ProgressWindow < 2 {
		return fmt.Errorf("%s must be at least 2", KeyProgressWindow)
	}
	if c.HashBlockSize <= 0 {
		return fmt.Errorf("%s must be positive", KeyHashBlockSize)
	}
	if _, err := hasher.ParseAlgorithm(c.HashAlgorithm); err != nil {
		return err
	}
	if c.S3.Bucket != "" && c.S3.UploadURL == "" {
		return fmt.Errorf("%s is required with %s", KeyUploadURL, KeyS3Bucket)
	}
	return nil
}

// Tuning returns the adaptive chunk size settings.
func (c Config) Tuning() sender.Tuning {
	return sender.Tuning{
		Initial:       c.InitialChunkSize,
		Min:           c.MinChunkSize,
		Max:           c.MaxChunkSize,
		FastThreshold: c.FastThreshold,
		SlowThreshold: c.SlowThreshold,
	}
}

// ChunkOptions returns the per-chunk transfer settings.
func (c Config) ChunkOptions(logger log.Logger) chunk.Options {
	return chunk.Options{
		Attempts:   c.ChunkAttempts,
		RetryDelay: c.RetryDelay,
		Timeout:    c.ChunkTimeout,
		Logger:     logger,
	}
}

// DigestFunc returns the configured digest algorithm streamed in HashBlockSize blocks.
func (c Config) DigestFunc() (hasher.DigestFunc, error) {
	alg, err := hasher.ParseAlgorithm(c.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	return hasher.NewDigestFunc(alg, int(c.HashBlockSize)), nil
}

// Deduplicator returns the S3 index if a bucket is configured, the lookup API client if an
// API URL is configured, nil otherwise.
func (c Config) Deduplicator(ctx context.Context, logger log.Logger) (sender.Deduplicator, error) {
	switch {
	case c.S3.Bucket != "":
		index, err := dedup.NewS3Index(ctx, dedup.S3Params{
			Region:          c.S3.Region,
			Bucket:          c.S3.Bucket,
			Prefix:          c.S3.Prefix,
			AccessKeyID:     c.S3.AccessKeyID,
			SecretAccessKey: string(c.S3.SecretAccessKey),
			UploadURL:       c.S3.UploadURL,
			Token:           string(c.S3.UploadToken),
		}, logger)
		if err != nil {
			return nil, err
		}
		return index, nil
	case c.APIURL != "":
		return dedup.NewAPIClient(c.APIURL, string(c.APIToken), logger), nil
	default:
		return nil, nil
	}
}

// Print logs the settings with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Upload config:")
	logger.Printf("- API URL: %s", c.APIURL)
	logger.Printf("- API token: %s", c.APIToken)
	if c.S3.Bucket != "" {
		logger.Printf("- S3 index: s3://%s/%s (%s)", c.S3.Bucket, c.S3.Prefix, c.S3.Region)
	}
	logger.Printf("- Chunk size: %s (%s - %s)",
		units.BytesSize(float64(c.InitialChunkSize)), units.BytesSize(float64(c.MinChunkSize)), units.BytesSize(float64(c.MaxChunkSize)))
	logger.Printf("- Chunk attempts: %d, retry delay: %s, timeout: %s", c.ChunkAttempts, c.RetryDelay, c.ChunkTimeout)
	logger.Printf("- Digest: %s in %s blocks", c.HashAlgorithm, units.BytesSize(float64(c.HashBlockSize)))
}
