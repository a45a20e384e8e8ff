package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/parkseungchul/llmkit/pkg/logger"
)

// 提供方名称。
const (
	ProviderOpenAI = "openai"
	ProviderYTL    = "ytl"
	ProviderGemini = "gemini"
)

// Config 描述了 llmkit 在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	RAG       RAGConfig       `json:"rag" yaml:"rag"`
	Allowlist AllowlistConfig `json:"allowlist" yaml:"allowlist"`
	Prompts   PromptsConfig   `json:"prompts" yaml:"prompts"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Log       logger.Config   `json:"log" yaml:"log"`
}

// ServerConfig 控制 HTTP 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// ProvidersConfig 汇总三个模型服务商的连接参数。
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai" yaml:"openai"`
	YTL    ProviderConfig `json:"ytl" yaml:"ytl"`
	Gemini ProviderConfig `json:"gemini" yaml:"gemini"`
}

// ProviderConfig 描述单个服务商。API Key 只存在于环境变量中，每次调用时按 APIKeyEnv 读取；
// EndpointEnv 指向的变量非空时覆盖 Endpoint，同样在调用时读取。
type ProviderConfig struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	EndpointEnv    string `json:"endpoint_env" yaml:"endpoint_env"`
	APIKeyEnv      string `json:"api_key_env" yaml:"api_key_env"`
	DefaultModel   string `json:"default_model" yaml:"default_model"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Names 返回内置服务商名称。
func (p ProvidersConfig) Names() []string {
	return []string{ProviderOpenAI, ProviderYTL, ProviderGemini}
}

// Lookup 按名称返回服务商配置。
func (p ProvidersConfig) Lookup(name string) (ProviderConfig, bool) {
	switch name {
	case ProviderOpenAI:
		return p.OpenAI, true
	case ProviderYTL:
		return p.YTL, true
	case ProviderGemini:
		return p.Gemini, true
	default:
		return ProviderConfig{}, false
	}
}

// RAGConfig 描述检索上下文的查找顺序和截断规则。
// Dir 是覆盖目录的回退值，DirEnv 指向的变量非空时在每次调用时优先使用。
type RAGConfig struct {
	Dir        string         `json:"dir" yaml:"dir"`
	DirEnv     string         `json:"dir_env" yaml:"dir_env"`
	DefaultDir string         `json:"default_dir" yaml:"default_dir"`
	MaxChars   int            `json:"max_chars" yaml:"max_chars"`
	Store      RAGStoreConfig `json:"store" yaml:"store"`
}

// RAGStoreConfig 为可选的只读外部存储，driver 为空表示不启用，可选 static、redis、mysql。
type RAGStoreConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	StaticPath string         `json:"static_path" yaml:"static_path"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	MySQL      MySQLRAGConfig `json:"mysql" yaml:"mysql"`
}

// RedisConfig 是 Redis 的连接参数。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Prefix   string `json:"prefix" yaml:"prefix"`
}

// MySQLRAGConfig 描述 RAG 文档表。
type MySQLRAGConfig struct {
	DSN             string `json:"dsn" yaml:"dsn"`
	Table           string `json:"table" yaml:"table"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxIdleSecs int    `json:"conn_max_idle_seconds" yaml:"conn_max_idle_seconds"`
}

// AllowlistConfig 指向白名单 YAML 文件。
type AllowlistConfig struct {
	Path string `json:"path" yaml:"path"`
}

// PromptsConfig 控制默认系统提示词的来源。
type PromptsConfig struct {
	Dir                string `json:"dir" yaml:"dir"`
	AppendJSONContract bool   `json:"append_json_contract" yaml:"append_json_contract"`
}

// QueueConfig 描述 worker 模式使用的任务队列。
type QueueConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Workers  int            `json:"workers" yaml:"workers"`
	Redis    RedisQueue     `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisQueue 为 Redis 列表队列的参数。
type RedisQueue struct {
	Address      string `json:"address" yaml:"address"`
	Password     string `json:"password" yaml:"password"`
	DB           int    `json:"db" yaml:"db"`
	Queue        string `json:"queue" yaml:"queue"`
	ResultQueue  string `json:"result_queue" yaml:"result_queue"`
	BlockSeconds int    `json:"block_seconds" yaml:"block_seconds"`
}

// RabbitMQConfig 为 RabbitMQ 队列的参数。
type RabbitMQConfig struct {
	URL         string `json:"url" yaml:"url"`
	Queue       string `json:"queue" yaml:"queue"`
	ResultQueue string `json:"result_queue" yaml:"result_queue"`
	Prefetch    int    `json:"prefetch" yaml:"prefetch"`
	Durable     bool   `json:"durable" yaml:"durable"`
}

// Env 抽象环境变量读取，签名与 os.LookupEnv 一致。
type Env func(key string) (string, bool)

// Load 解析指定路径的配置文件（.yaml/.yml 用 YAML，其余按 JSON），再叠加环境变量。
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv 与 Load 相同，但使用给定的环境变量来源。
func LoadWithEnv(path string, env Env) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.resolvePaths(filepath.Dir(path))
	cfg.applyEnv(env)
	cfg.applyDefaults()

	return &cfg, nil
}

// FromEnv 在没有配置文件时仅依据环境变量构建配置。
func FromEnv(env Env) *Config {
	if env == nil {
		env = os.LookupEnv
	}
	var cfg Config
	cfg.applyEnv(env)
	cfg.applyDefaults()
	return &cfg
}

// resolvePaths 把配置文件中的相对路径解析为相对于配置文件所在目录。
func (c *Config) resolvePaths(baseDir string) {
	join := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	join(&c.RAG.Dir)
	join(&c.RAG.DefaultDir)
	join(&c.RAG.Store.StaticPath)
	join(&c.Allowlist.Path)
	join(&c.Prompts.Dir)
	join(&c.Log.Audit.Path)
}

func (c *Config) applyEnv(env Env) {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := env(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str("LLMKIT_SERVER_ADDR", &c.Server.Address)

	integer("LLMKIT_RAG_MAX_CHARS", &c.RAG.MaxChars)
	str("LLMKIT_RAG_STORE", &c.RAG.Store.Driver)
	str("LLMKIT_RAG_REDIS_ADDR", &c.RAG.Store.Redis.Address)
	str("LLMKIT_RAG_MYSQL_DSN", &c.RAG.Store.MySQL.DSN)

	str("LLMKIT_ALLOWLIST", &c.Allowlist.Path)
	str("LLMKIT_PROMPTS_DIR", &c.Prompts.Dir)
	if v, ok := env("LLMKIT_APPEND_JSON_CONTRACT"); ok {
		c.Prompts.AppendJSONContract = strings.TrimSpace(v) == "1"
	}

	str("LLMKIT_QUEUE_DRIVER", &c.Queue.Driver)
	str("LLMKIT_QUEUE_REDIS_ADDR", &c.Queue.Redis.Address)
	str("LLMKIT_RABBITMQ_URL", &c.Queue.RabbitMQ.URL)

	str("LLMKIT_LOG_LEVEL", &c.Log.Level)
	str("LLMKIT_LOG_FORMAT", &c.Log.Format)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	defaults := []struct {
		p        *ProviderConfig
		endpoint string
		model    string
		keyEnv   string
		urlEnv   string
	}{
		{&c.Providers.OpenAI, "https://api.openai.com/v1/chat/completions", "gpt-4o-mini", "OPENAI_API_KEY", "OPENAI_ENDPOINT"},
		{&c.Providers.YTL, "https://api.ytlailabs.tech/v1/chat/completions", "ILMU-text", "YTL_API_KEY", "YTL_ENDPOINT"},
		{&c.Providers.Gemini, "https://generativelanguage.googleapis.com/v1beta", "gemini-2.5-flash-lite", "GEMINI_API_KEY", "GEMINI_ENDPOINT"},
	}
	for _, d := range defaults {
		// 文件中可以改写读取 Key 和地址的环境变量名。
		if d.p.APIKeyEnv == "" {
			d.p.APIKeyEnv = d.keyEnv
		}
		if d.p.EndpointEnv == "" {
			d.p.EndpointEnv = d.urlEnv
		}
		if d.p.Endpoint == "" {
			d.p.Endpoint = d.endpoint
		}
		if d.p.DefaultModel == "" {
			d.p.DefaultModel = d.model
		}
		if d.p.TimeoutSeconds <= 0 {
			d.p.TimeoutSeconds = 30
		}
	}

	if c.RAG.DirEnv == "" {
		c.RAG.DirEnv = "LLMKIT_RAG_DIR"
	}
	if c.RAG.DefaultDir == "" {
		c.RAG.DefaultDir = filepath.Join("src", "rag")
	}
	if c.RAG.MaxChars < 0 {
		c.RAG.MaxChars = 0
	}
	c.RAG.Store.Driver = strings.ToLower(c.RAG.Store.Driver)
	if c.RAG.Store.Redis.Prefix == "" {
		c.RAG.Store.Redis.Prefix = "llmkit:rag:"
	}
	if c.RAG.Store.MySQL.Table == "" {
		c.RAG.Store.MySQL.Table = "rag_documents"
	}

	if c.Allowlist.Path == "" {
		c.Allowlist.Path = filepath.Join("src", "configs", "allowlist.yaml")
	}
	if c.Prompts.Dir == "" {
		c.Prompts.Dir = filepath.Join("src", "prompts")
	}

	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = "llmkit:jobs"
	}
	if c.Queue.Redis.ResultQueue == "" {
		c.Queue.Redis.ResultQueue = "llmkit:results"
	}
	if c.Queue.Redis.BlockSeconds <= 0 {
		c.Queue.Redis.BlockSeconds = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "llmkit.jobs"
	}
	if c.Queue.RabbitMQ.ResultQueue == "" {
		c.Queue.RabbitMQ.ResultQueue = "llmkit.results"
	}
	if c.Queue.RabbitMQ.Prefetch <= 0 {
		c.Queue.RabbitMQ.Prefetch = 1
	}
}
