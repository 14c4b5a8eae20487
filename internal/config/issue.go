package config

import (
	"fmt"
	"time"
)

// Values accepted in CITIZEN_RESTRICTED_FIELDS.
const (
	RestrictedReject = "reject"
	RestrictedDrop   = "drop"
)

// IssueConfig tunes the issue service.
type IssueConfig struct {
	DefaultPriority         string        // NORMAL or NA
	DefaultRadiusMeters     float64       // nearby radius when the client sends none
	MaxRadiusMeters         float64       // upper bound for nearby radius
	ImageMaxBytes           int64         // per-image upload limit
	MaxImagesPerCreate      int           // images accepted in one create request
	CitizenRestrictedFields string        // reject or drop
	StoreTimeout            time.Duration // deadline for each store call
}

func LoadIssueConfig() IssueConfig {
	return IssueConfig{
		DefaultPriority:         envStr("DEFAULT_PRIORITY", "NORMAL"),
		DefaultRadiusMeters:     envFloat("NEARBY_DEFAULT_RADIUS_M", 5000),
		MaxRadiusMeters:         envFloat("NEARBY_MAX_RADIUS_M", 50000),
		ImageMaxBytes:           envInt64("IMAGE_MAX_BYTES", 5<<20),
		MaxImagesPerCreate:      envInt("MAX_IMAGES_PER_CREATE", 5),
		CitizenRestrictedFields: envStr("CITIZEN_RESTRICTED_FIELDS", RestrictedReject),
		StoreTimeout:            envDur("STORE_TIMEOUT", 5*time.Second),
	}
}

func (c IssueConfig) Validate() error {
	switch c.DefaultPriority {
	case "NORMAL", "NA":
	default:
		return fmt.Errorf("DEFAULT_PRIORITY must be NORMAL or NA, got %q", c.DefaultPriority)
	}
	switch c.CitizenRestrictedFields {
	case RestrictedReject, RestrictedDrop:
	default:
		return fmt.Errorf("CITIZEN_RESTRICTED_FIELDS must be reject or drop, got %q", c.CitizenRestrictedFields)
	}
	if c.DefaultRadiusMeters <= 0 || c.MaxRadiusMeters <= 0 || c.DefaultRadiusMeters > c.MaxRadiusMeters {
		return fmt.Errorf("nearby radius bounds invalid: default=%v max=%v", c.DefaultRadiusMeters, c.MaxRadiusMeters)
	}
	if c.ImageMaxBytes <= 0 {
		return fmt.Errorf("IMAGE_MAX_BYTES must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	return nil
}
