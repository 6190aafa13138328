// Package s3store persists session records as JSON objects in an S3 or
// S3-compatible bucket, one object per user.
package s3store

import "strings"

// Config configures a Store.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// AccessKeyID/SecretAccessKey are set. For S3-compatible stores (MinIO,
// Wasabi, moto) set Endpoint and usually ForcePathStyle.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix is prepended to every object key, e.g. "gospawner/sessions/".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS when nothing
	// else resolves one; left empty for custom endpoints.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared-config profile name.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host.
	ForcePathStyle bool
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 session store config: " + e.Field + ": " + e.Message
}

// normalizePrefix returns prefix with exactly one trailing slash, or "".
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// resolveRegion applies the AWS fallback region when the SDK resolved none
// and no custom endpoint is configured.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
