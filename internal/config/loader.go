package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/narrativekit/review/internal/db"
)

// Config is the full tool configuration.
type Config struct {
	Database  db.Config
	ExportDir string
}

// Load reads config.yaml from configPath, falling back to defaults plus
// environment overrides (REVIEW_DATABASE_HOST, REVIEW_EXPORT_DIR, ...).
func Load(configPath string) (Config, error) {
	cfg := Config{
		Database:  db.DefaultConfig(),
		ExportDir: "exports",
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv() // allow environment overrides
	v.SetEnvPrefix("REVIEW")

	// Optional: Map nested keys to flat env vars
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("export.dir")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("export.dir") {
		cfg.ExportDir = v.GetString("export.dir")
	}

	return cfg, nil
}
