package config

// fileConfig is the on-disk shape of config.yaml, before defaults are
// applied and before it is flattened into the typed Config.
type fileConfig struct {
	LLM      *LLMYAML      `yaml:"llm"`
	Split    *SplitYAML    `yaml:"split"`
	Runtime  *RuntimeYAML  `yaml:"runtime"`
	Database *DatabaseYAML `yaml:"database"`
	HTTP     *HTTPYAML     `yaml:"http"`
}

type LLMYAML struct {
	Provider       string `yaml:"provider"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	DeadlineMs     int    `yaml:"deadline_ms"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

type SplitYAML struct {
	TargetMinutes   int    `yaml:"target_minutes"`
	ForceSplitScope string `yaml:"force_split_scope"`
}

type RuntimeYAML struct {
	HandlerQueue      int `yaml:"handler_queue"`
	DefaultDeadlineMs int `yaml:"default_deadline_ms"`
}

type DatabaseYAML struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	SSLMode         string `yaml:"sslmode"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

type HTTPYAML struct {
	Addr string `yaml:"addr"`
}
