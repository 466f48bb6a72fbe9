package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level blockferry configuration: the remote locations
// blobs can be opened in, plus transfer tuning defaults.
type Config struct {
	Remotes  []RemoteConfig `yaml:"remotes"`
	Transfer TransferConfig `yaml:"transfer"`
}

// RemoteConfig describes one named remote location.
type RemoteConfig struct {
	// Name identifies the remote in Open calls.
	Name string `yaml:"name"`
	// Provider is the backend type (e.g., "memory", "file", "azure", "s3", "gcs").
	Provider string `yaml:"provider"`
	// Prefix is prepended to every blob name opened in this remote.
	Prefix string `yaml:"prefix"`

	// Dir is the base directory for the file provider.
	Dir string `yaml:"dir"`

	// AzureContainer is the container name for the Azure provider.
	AzureContainer string `yaml:"azure_container"`
	// AzureAccount is the storage account name for the Azure provider.
	// Used to construct the account URL: https://{account}.blob.core.windows.net
	AzureAccount string `yaml:"azure_account"`
	// AzureAccountURL is the full Azure storage account URL. If empty, it is
	// constructed from AzureAccount as https://{account}.blob.core.windows.net.
	AzureAccountURL string `yaml:"azure_account_url"`
	// AzureConnectionString selects connection string auth when set.
	AzureConnectionString string `yaml:"azure_connection_string"`
	// AzureAccountKey selects shared key auth (with AzureAccount) when set.
	AzureAccountKey string `yaml:"azure_account_key"`
	// AzureUseManagedIdentity selects managed identity auth.
	AzureUseManagedIdentity bool `yaml:"azure_use_managed_identity"`

	// S3Bucket is the bucket name for the S3 provider.
	S3Bucket string `yaml:"s3_bucket"`
	// S3Region is the AWS region for the S3 provider.
	S3Region string `yaml:"s3_region"`
	// S3EndpointURL overrides the S3 endpoint (e.g. for MinIO).
	S3EndpointURL string `yaml:"s3_endpoint_url"`
	// S3UsePathStyle selects path-style addressing.
	S3UsePathStyle bool `yaml:"s3_use_path_style"`
	// S3AccessKeyID and S3SecretAccessKey select static credentials; when
	// empty the default AWS credential chain applies.
	S3AccessKeyID     string `yaml:"s3_access_key_id"`
	S3SecretAccessKey string `yaml:"s3_secret_access_key"`

	// GCSBucket is the bucket name for the GCS provider.
	GCSBucket string `yaml:"gcs_bucket"`
	// GCSProject is the GCP project ID for the GCS provider.
	GCSProject string `yaml:"gcs_project"`
}

// TransferConfig holds transfer tuning defaults.
type TransferConfig struct {
	// BlockSize is the default block/chunk size in bytes.
	BlockSize int64 `yaml:"block_size"`
	// Parallelism is the default number of concurrent block transfers.
	Parallelism int `yaml:"parallelism"`
	// MaxRetries is the default retry budget for interrupted download streams.
	MaxRetries int `yaml:"max_retries"`
}

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to blockferry.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		// Try fallback paths
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "blockferry.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "blockferry.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults for empty fields that YAML didn't set
	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Remotes: []RemoteConfig{
			{
				Name:     "local",
				Provider: "file",
				Dir:      "./data/blobs",
			},
		},
		Transfer: TransferConfig{
			BlockSize:   4 * 1024 * 1024,
			Parallelism: 5,
			MaxRetries:  3,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	for i := range cfg.Remotes {
		if cfg.Remotes[i].Provider == "" {
			cfg.Remotes[i].Provider = "file"
		}
		if cfg.Remotes[i].Provider == "file" && cfg.Remotes[i].Dir == "" {
			cfg.Remotes[i].Dir = "./data/blobs"
		}
	}
	if cfg.Transfer.BlockSize == 0 {
		cfg.Transfer.BlockSize = 4 * 1024 * 1024
	}
	if cfg.Transfer.Parallelism == 0 {
		cfg.Transfer.Parallelism = 5
	}
	if cfg.Transfer.MaxRetries == 0 {
		cfg.Transfer.MaxRetries = 3
	}
}

// Remote returns the named remote's configuration.
func (c *Config) Remote(name string) (*RemoteConfig, error) {
	for i := range c.Remotes {
		if c.Remotes[i].Name == name {
			return &c.Remotes[i], nil
		}
	}
	return nil, fmt.Errorf("remote %q is not configured", name)
}

// Open constructs a BlockBlob handle for blobName in the named remote.
func (c *Config) Open(ctx context.Context, remoteName, blobName string) (BlockBlob, error) {
	rc, err := c.Remote(remoteName)
	if err != nil {
		return nil, err
	}
	name := rc.Prefix + blobName

	switch rc.Provider {
	case "memory":
		return NewMemoryBlob(), nil

	case "file":
		return NewFileBlob(filepath.Join(rc.Dir, name))

	case "azure":
		accountURL := rc.AzureAccountURL
		if accountURL == "" && rc.AzureAccount != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", rc.AzureAccount)
		}
		return NewAzureBlockBlob(accountURL, rc.AzureContainer, name, AzureAuth{
			ConnectionString:   rc.AzureConnectionString,
			AccountName:        rc.AzureAccount,
			AccountKey:         rc.AzureAccountKey,
			UseManagedIdentity: rc.AzureUseManagedIdentity,
		})

	case "s3":
		return NewS3BlockBlob(ctx, rc.S3Bucket, rc.S3Region, name, rc.S3EndpointURL, rc.S3UsePathStyle, rc.S3AccessKeyID, rc.S3SecretAccessKey)

	case "gcs":
		return NewGCSBlockBlob(ctx, rc.GCSBucket, rc.GCSProject, name)

	default:
		return nil, fmt.Errorf("unknown remote provider %q", rc.Provider)
	}
}
