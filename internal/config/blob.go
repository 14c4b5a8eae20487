package config

import (
	"fmt"
	"time"
)

// BlobConfig configures where image content is stored. The "minio" driver
// talks to any S3-compatible endpoint; "memory" keeps blobs in process.
type BlobConfig struct {
	Driver           string
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Bucket           string
	Region           string
	UseSSL           bool
	PublicBaseURL    string        // when set, image URLs are PublicBaseURL/key
	PresignExpiry    time.Duration // otherwise URLs are presigned GETs
	AutoCreateBucket bool
}

func LoadBlobConfig() BlobConfig {
	return BlobConfig{
		Driver:           envStr("BLOB_DRIVER", "memory"),
		Endpoint:         envStr("MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:        envStr("MINIO_ACCESS_KEY", ""),
		SecretKey:        envStr("MINIO_SECRET_KEY", ""),
		Bucket:           envStr("MINIO_BUCKET", "issue-images"),
		Region:           envStr("MINIO_REGION", ""),
		UseSSL:           envBool("MINIO_USE_SSL", false),
		PublicBaseURL:    envStr("BLOB_PUBLIC_BASE_URL", ""),
		PresignExpiry:    envDur("BLOB_PRESIGN_EXPIRY", 15*time.Minute),
		AutoCreateBucket: envBool("MINIO_AUTO_CREATE_BUCKET", true),
	}
}

func (c BlobConfig) Validate() error {
	switch c.Driver {
	case "memory":
		return nil
	case "minio":
		if c.Bucket == "" || c.Endpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required when BLOB_DRIVER=minio")
		}
		return nil
	}
	return fmt.Errorf("unknown BLOB_DRIVER %q (want minio or memory)", c.Driver)
}
