package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"

	"rksv-fiscal-service/internal/models"
)

type Config struct {
	Server struct {
		Port     int    `yaml:"port"`
		Verbose  bool   `yaml:"verbose"`
		AdminKey string `yaml:"admin_key"`
	} `yaml:"server"`

	Storage struct {
		// Backend selects the ledger store: "memory", "postgres" or "leveldb".
		Backend  string `yaml:"backend"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
		LevelDB struct {
			Path string `yaml:"path"`
		} `yaml:"leveldb"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Signing struct {
		// Mode selects the signing provider: "rsa", "hmac", "remote" or "pkcs11".
		Mode string `yaml:"mode"`
		RSA  struct {
			KeyDir string `yaml:"key_dir"`
		} `yaml:"rsa"`
		HMAC struct {
			Secrets map[string]string `yaml:"secrets"`
		} `yaml:"hmac"`
		Remote struct {
			URL            string `yaml:"url"`
			TimeoutSeconds int    `yaml:"timeout_seconds"`
		} `yaml:"remote"`
		PKCS11 struct {
			LibraryPath string `yaml:"library_path"`
			TokenPIN    string `yaml:"token_pin"`
		} `yaml:"pkcs11"`
	} `yaml:"signing"`

	Closing struct {
		Hour            int    `yaml:"hour"`
		Minute          int    `yaml:"minute"`
		DefaultTimezone string `yaml:"default_timezone"`
	} `yaml:"closing"`

	FinanzOnline struct {
		Enabled       bool   `yaml:"enabled"`
		UseSandbox    bool   `yaml:"use_sandbox"`
		ParticipantID string `yaml:"participant_id"`
		UserID        string `yaml:"user_id"`
		Password      string `yaml:"password"`
	} `yaml:"finanzonline"`

	Export struct {
		ArchiveDir          string `yaml:"archive_dir"`
		RetrievalTTLMinutes int    `yaml:"retrieval_ttl_minutes"`
	} `yaml:"export"`

	Tenants []models.Tenant `yaml:"tenants"`
}

func Load() *Config {
	data, err := os.ReadFile("config.yaml")
	if err != nil {
		log.Fatalf("Failed to read config file: %v", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		log.Fatalf("Failed to parse config file: %v", err)
	}

	config.applyDefaults()

	return &config
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Closing.Hour == 0 && c.Closing.Minute == 0 {
		c.Closing.Hour = 23
		c.Closing.Minute = 59
	}
	if c.Closing.DefaultTimezone == "" {
		c.Closing.DefaultTimezone = "Europe/Vienna"
	}
	if c.Export.ArchiveDir == "" {
		c.Export.ArchiveDir = "exports"
	}
	if c.Export.RetrievalTTLMinutes == 0 {
		c.Export.RetrievalTTLMinutes = 60
	}
}
