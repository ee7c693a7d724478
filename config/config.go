package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

// SysConfig system level configuration
type SysConfig struct {
	Appid    string `yaml:"appid" json:"appid"`
	Location string `yaml:"location" json:"location"`
	Workdir  string `yaml:"workdir" json:"workdir"`
	Debug    bool   `yaml:"debug" json:"debug"`
}

// WebConfig admin api server configuration
type WebConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Secret string `yaml:"secret" json:"secret"`
}

// DBConfig database configuration
type DBConfig struct {
	Type     string `yaml:"type" json:"type"`
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Name     string `yaml:"name" json:"name"`
	User     string `yaml:"user" json:"user"`
	Passwd   string `yaml:"passwd" json:"passwd"`
	MaxConn  int    `yaml:"max_conn" json:"max_conn"`
	IdleConn int    `yaml:"idle_conn" json:"idle_conn"`
}

// GatewayConfig remote messaging gateway configuration
type GatewayConfig struct {
	// BaseURL is the root of the gateway REST api, e.g. http://gateway:8080
	BaseURL string `yaml:"base_url" json:"base_url"`
	// APIKey global apikey sent with every request
	APIKey string `yaml:"apikey" json:"apikey"`
	// WebhookURL is this system's public callback endpoint registered on
	// every instance, e.g. https://console.example.com/webhook/events
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
}

// LogConfig logger configuration
type LogConfig struct {
	Mode       string `yaml:"mode" json:"mode"`
	FileEnable bool   `yaml:"file_enable" json:"file_enable"`
	Filename   string `yaml:"filename" json:"filename"`
}

type AppConfig struct {
	System   SysConfig     `yaml:"system" json:"system"`
	Web      WebConfig     `yaml:"web" json:"web"`
	Database DBConfig      `yaml:"database" json:"database"`
	Gateway  GatewayConfig `yaml:"gateway" json:"gateway"`
	Logger   LogConfig     `yaml:"logger" json:"logger"`
}

func (c *AppConfig) GetLogDir() string {
	return filepath.Join(c.System.Workdir, "logs")
}

func (c *AppConfig) GetDataDir() string {
	return filepath.Join(c.System.Workdir, "data")
}

func (c *AppConfig) initDirs() {
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "logs"), 0755)
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "data"), 0755)
	_ = os.MkdirAll(filepath.Join(c.System.Workdir, "metrics"), 0755)
}

var DefaultAppConfig = &AppConfig{
	System: SysConfig{
		Appid:    "ZapGate",
		Location: "Asia/Jakarta",
		Workdir:  "/var/zapgate",
		Debug:    true,
	},
	Web: WebConfig{
		Host:   "0.0.0.0",
		Port:   1898,
		Secret: "9b6de5cc-0731-1203-xxtt-0f568ac9da37",
	},
	Database: DBConfig{
		Type:     "postgres",
		Host:     "127.0.0.1",
		Port:     5432,
		Name:     "zapgate_v1",
		User:     "postgres",
		Passwd:   "zapgate",
		MaxConn:  100,
		IdleConn: 10,
	},
	Gateway: GatewayConfig{
		BaseURL:    "http://127.0.0.1:8080",
		APIKey:     "",
		WebhookURL: "http://127.0.0.1:1898/webhook/events",
	},
	Logger: LogConfig{
		Mode:       "development",
		FileEnable: true,
		Filename:   "/var/zapgate/zapgate.log",
	},
}

func setEnvValue(name string, f func(v string)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue)
	}
}

func setEnvBoolValue(name string, f func(v bool)) {
	var evalue = os.Getenv(name)
	if evalue != "" {
		f(evalue == "true" || evalue == "1" || evalue == "on")
	}
}

// LoadConfig reads the yaml configuration file and applies environment
// variable overrides. A missing file falls back to DefaultAppConfig.
func LoadConfig(cfile string) *AppConfig {
	if cfile == "" {
		cfile = "zapgate.yml"
	}
	cfg := new(AppConfig)
	if data, err := os.ReadFile(cfile); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			cfg = DefaultAppConfig
		}
	} else {
		cfg = DefaultAppConfig
	}

	setEnvValue("ZAPGATE_SYSTEM_WORKDIR", func(v string) { cfg.System.Workdir = v })
	setEnvValue("ZAPGATE_SYSTEM_LOCATION", func(v string) { cfg.System.Location = v })
	setEnvBoolValue("ZAPGATE_SYSTEM_DEBUG", func(v bool) { cfg.System.Debug = v })

	setEnvValue("ZAPGATE_WEB_HOST", func(v string) { cfg.Web.Host = v })
	setEnvValue("ZAPGATE_WEB_SECRET", func(v string) { cfg.Web.Secret = v })

	setEnvValue("ZAPGATE_DB_HOST", func(v string) { cfg.Database.Host = v })
	setEnvValue("ZAPGATE_DB_NAME", func(v string) { cfg.Database.Name = v })
	setEnvValue("ZAPGATE_DB_USER", func(v string) { cfg.Database.User = v })
	setEnvValue("ZAPGATE_DB_PWD", func(v string) { cfg.Database.Passwd = v })

	setEnvValue("ZAPGATE_GATEWAY_BASEURL", func(v string) { cfg.Gateway.BaseURL = v })
	setEnvValue("ZAPGATE_GATEWAY_APIKEY", func(v string) { cfg.Gateway.APIKey = v })
	setEnvValue("ZAPGATE_GATEWAY_WEBHOOK_URL", func(v string) { cfg.Gateway.WebhookURL = v })

	setEnvValue("ZAPGATE_LOGGER_MODE", func(v string) { cfg.Logger.Mode = v })

	cfg.initDirs()
	return cfg
}
