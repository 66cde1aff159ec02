package config

import (
	"fmt"
	"os"
	"regexp"
	"runtime"

	units "github.com/docker/go-units"
	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/chorusdata/dsync/pkg/errors"
)

const (
	// UserConfigPath is the default path to the dsync user config.
	UserConfigPath = "~/.dsync.yaml"

	// ConfigPathEnvKey overrides the path to the user config for one
	// invocation.
	ConfigPathEnvKey = "DSYNC_CONFIG"

	// URLEnvKey overrides the data service endpoint for one invocation.
	URLEnvKey = "DSYNC_URL"

	// AuthTokenEnvKey supplies an auth token directly, bypassing the
	// agent/user key exchange.
	AuthTokenEnvKey = "DSYNC_AUTH"

	// DefaultURL is the data service endpoint used when the config doesn't
	// specify one.
	DefaultURL = "https://api.chorusdata.io/api/v1"

	// DefaultBytesPerChunk is the upload chunk size used when the config
	// doesn't specify one.
	DefaultBytesPerChunk = 100 * 1024 * 1024

	// DefaultExcludeRegex skips macOS metadata files and our own config when
	// walking local trees.
	DefaultExcludeRegex = `^\.DS_Store$|^\.dsync\.yaml$|^\._`

	// MaxDefaultWorkers caps the default worker count on machines with many
	// cores. Transfers are network bound, so more workers stop helping.
	MaxDefaultWorkers = 8

	// SupportedConfigVersion is the config file version understood by this
	// binary. Files that don't specify a version default to it.
	SupportedConfigVersion = "v1"
)

// Config contains the user's settings for talking to the data service. It's
// read once before a sync begins and treated as immutable for the duration of
// the operation.
type Config struct {
	Version  string `json:"version,omitempty"`
	URL      string `json:"url,omitempty"`
	AgentKey string `json:"agent_key,omitempty"`
	UserKey  string `json:"user_key,omitempty"`

	// AuthToken is normally obtained by exchanging the agent and user keys,
	// but can be set directly (e.g. via DSYNC_AUTH).
	AuthToken string `json:"auth_token,omitempty"`

	UploadWorkers   int `json:"upload_workers,omitempty"`
	DownloadWorkers int `json:"download_workers,omitempty"`

	// UploadBytesPerChunk accepts human-readable size suffixes ("100MB").
	UploadBytesPerChunk string `json:"upload_bytes_per_chunk,omitempty"`

	FileExcludeRegex string `json:"file_exclude_regex,omitempty"`
	FollowSymlinks   bool   `json:"follow_symlinks,omitempty"`
}

func (c Config) getVersion() string {
	return c.Version
}

// homedirExpand will be overridden in mock tests.
var homedirExpand = homedir.Expand

// GetConfigPath returns the expanded path to the user's config file, honoring
// the DSYNC_CONFIG override.
func GetConfigPath() (string, error) {
	if path := os.Getenv(ConfigPathEnvKey); path != "" {
		return path, nil
	}
	return homedirExpand(UserConfigPath)
}

// Parse reads the user config from disk, applies environment overrides, and
// validates the result. A missing config file is not an error: every setting
// has a default except the credentials, which the data service will reject on
// first use.
func Parse() (Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return Config{}, errors.WithContext(err, "expand config path")
	}

	config := Config{Version: SupportedConfigVersion}
	if err := parseConfig(path, &config, SupportedConfigVersion); err != nil {
		if _, ok := err.(errors.FileNotFound); !ok {
			return Config{}, errors.WithContext(err, "parse")
		}
	}

	if url := os.Getenv(URLEnvKey); url != "" {
		config.URL = url
	}
	if token := os.Getenv(AuthTokenEnvKey); token != "" {
		config.AuthToken = token
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks the settings that can be rejected before any network or
// filesystem work starts.
func (c Config) Validate() error {
	if _, err := c.BytesPerChunk(); err != nil {
		return err
	}
	if _, err := c.ExcludeRegex(); err != nil {
		return err
	}
	if c.UploadWorkers < 0 || c.DownloadWorkers < 0 {
		return errors.ValidationError{Msg: "worker counts must be positive"}
	}
	return nil
}

// BytesPerChunk returns the upload chunk size in bytes.
func (c Config) BytesPerChunk() (int64, error) {
	if c.UploadBytesPerChunk == "" {
		return DefaultBytesPerChunk, nil
	}

	size, err := units.RAMInBytes(c.UploadBytesPerChunk)
	if err != nil || size <= 0 {
		return 0, errors.ValidationError{Msg: fmt.Sprintf(
			"invalid upload_bytes_per_chunk %q", c.UploadBytesPerChunk)}
	}
	return size, nil
}

// ExcludeRegex returns the compiled pattern for file names that shouldn't be
// uploaded.
func (c Config) ExcludeRegex() (*regexp.Regexp, error) {
	pattern := c.FileExcludeRegex
	if pattern == "" {
		pattern = DefaultExcludeRegex
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.ValidationError{Msg: fmt.Sprintf(
			"invalid file_exclude_regex %q: %s", pattern, err)}
	}
	return re, nil
}

// NumUploadWorkers returns the configured upload pool width, defaulting to
// one worker per processor.
func (c Config) NumUploadWorkers() int {
	return numWorkers(c.UploadWorkers)
}

// NumDownloadWorkers returns the configured download pool width, defaulting
// to one worker per processor.
func (c Config) NumDownloadWorkers() int {
	return numWorkers(c.DownloadWorkers)
}

func numWorkers(configured int) int {
	if configured > 0 {
		return configured
	}

	workers := runtime.NumCPU()
	if workers > MaxDefaultWorkers {
		workers = MaxDefaultWorkers
	}
	return workers
}

// parseConfigErrTemplate is a template for when the CLI fails to parse yaml
// configuration files. This can happen for a multitude of reasons, including
// extraneous fields and incorrect field types. However, the yaml library
// constructs errors in a way that loses context, and so we can only pass the
// error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of dsync.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

func parseConfig(path string, config configInterface, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, config)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	// Do a strict unmarshal to check for any extra fields. We do a non-strict
	// unmarshal first so that we can catch version errors before erroring on
	// extra fields.
	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

func isPathNotFoundError(err error) bool {
	if os.IsNotExist(err) {
		return true
	}
	if fileErr, ok := err.(*os.PathError); ok &&
		fileErr.Op == "open" && fileErr.Err.Error() == "no such file or directory" {
		return true
	}
	return false
}
