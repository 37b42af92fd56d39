package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr     string `yaml:"http_addr"`
	DataDir      string `yaml:"data_dir"`
	DBPath       string `yaml:"db_path"`
	StorePath    string `yaml:"store_path"`
	SessionDir   string `yaml:"session_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`

	AgentURL       string `yaml:"agent_url"`
	HistoryLimit   int    `yaml:"history_limit"`
	MaxCompactions int    `yaml:"max_compactions"`
	LogLevel       string `yaml:"log_level"`
}

// Load builds the daemon configuration: built-in defaults, then the optional
// YAML config file, then the environment (env always wins). A .env file in
// the working directory is read into the environment first.
func Load() Config {
	loadDotEnv(".env")

	cfg := defaults()
	if path := configFilePath(); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "openclaw: ignoring config file %s: %v\n", path, err)
		}
	}
	applyEnv(&cfg)
	fillDerived(&cfg)
	return cfg
}

func defaults() Config {
	return Config{
		HTTPAddr:     ":8787",
		DataDir:      "data",
		LogLevel:     "info",
		HistoryLimit: 50,
	}
}

func configFilePath() string {
	if path := os.Getenv("OPENCLAW_CONFIG"); path != "" {
		return path
	}
	if _, err := os.Stat("openclaw.yaml"); err == nil {
		return "openclaw.yaml"
	}
	return ""
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	setString(&cfg.HTTPAddr, "OPENCLAW_HTTP_ADDR")
	setString(&cfg.DataDir, "OPENCLAW_DATA_DIR")
	setString(&cfg.DBPath, "OPENCLAW_DB_PATH")
	setString(&cfg.StorePath, "OPENCLAW_STORE_PATH")
	setString(&cfg.SessionDir, "OPENCLAW_SESSION_DIR")
	setString(&cfg.WorkspaceDir, "OPENCLAW_WORKSPACE_DIR")
	setString(&cfg.AgentURL, "OPENCLAW_AGENT_URL")
	setString(&cfg.LogLevel, "OPENCLAW_LOG_LEVEL")
	setInt(&cfg.HistoryLimit, "OPENCLAW_HISTORY_LIMIT")
	setInt(&cfg.MaxCompactions, "OPENCLAW_MAX_COMPACTIONS")
}

// fillDerived computes the paths that default relative to DataDir.
func fillDerived(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "openclaw.db")
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.DataDir, "sessions.json")
	}
	if cfg.SessionDir == "" {
		cfg.SessionDir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.WorkspaceDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.WorkspaceDir = wd
		} else {
			cfg.WorkspaceDir = cfg.DataDir
		}
	}
}

func setString(dest *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dest = v
	}
}

func setInt(dest *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dest = parsed
		}
	}
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
