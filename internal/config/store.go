package config

import (
	"fmt"
	"time"
)

// Store drivers accepted in DB_DRIVER.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// StoreConfig selects and configures the issue store.
type StoreConfig struct {
	Driver      string
	DBUser      string
	DBPass      string
	DBHost      string
	DBPort      string
	DBName      string
	PostgresURL string
	AutoMigrate bool
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// LoadStoreConfig reads DB_* variables. MySQL is the default driver.
func LoadStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:      envStr("DB_DRIVER", DriverMySQL),
		DBUser:      envStr("DB_USER", "root"),
		DBPass:      envStr("DB_PASS", ""),
		DBHost:      envStr("DB_HOST", "127.0.0.1"),
		DBPort:      envStr("DB_PORT", "3306"),
		DBName:      envStr("DB_NAME", "civic"),
		PostgresURL: envStr("DATABASE_URL", ""),
		AutoMigrate: envBool("DB_AUTO_MIGRATE", false),
		MaxOpen:     envInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdle:     envInt("DB_MAX_IDLE_CONNS", 25),
		MaxLifetime: envDur("DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

// Validate reports an unknown driver or a postgres driver without a URL.
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case DriverMySQL, DriverMemory:
		return nil
	case DriverPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", DriverPostgres)
		}
		return nil
	}
	return fmt.Errorf("unknown DB_DRIVER %q (want mysql, postgres or memory)", c.Driver)
}
