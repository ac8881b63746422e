package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	URL                string `yaml:"url"`
	PoolSize           int    `yaml:"pool_size"`
	ReconnectBackoffMs int    `yaml:"reconnect_backoff_ms"`
}

type QuotaConfig struct {
	DailyLimit int    `yaml:"daily_limit"`
	CheckLimit int    `yaml:"check_limit"`
	TZ         string `yaml:"tz"`
}

type PipelineConfig struct {
	InviteBatchSize  int           `yaml:"invite_batch_size"`
	MessageBatchSize int           `yaml:"message_batch_size"`
	InterLeadDelay   time.Duration `yaml:"inter_lead_delay"`
	IntraBatchDelay  time.Duration `yaml:"intra_batch_delay"`
	InviteBatchDelay time.Duration `yaml:"invite_batch_delay"`
	ClaimMinIdle     time.Duration `yaml:"claim_min_idle"`
	MaxRetries       int           `yaml:"max_retries"`
}

type CollabConfig struct {
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMModel   string `yaml:"llm_model"`
	ScraperURL string `yaml:"scraper_url"`
	DriverURL  string `yaml:"driver_url"`
}

type APIConfig struct {
	Port        string         `yaml:"port"`
	Store       string         `yaml:"store"`
	DBDSN       string         `yaml:"db_dsn"`
	RMQURL      string         `yaml:"rmq_url"`
	EventsQueue string         `yaml:"events_queue"`
	Redis       RedisConfig    `yaml:"redis"`
	Quota       QuotaConfig    `yaml:"quota"`
	Pipeline    PipelineConfig `yaml:"pipeline"`
}

type WorkerConfig struct {
	Store          string         `yaml:"store"`
	DBDSN          string         `yaml:"db_dsn"`
	RMQURL         string         `yaml:"rmq_url"`
	EventsQueue    string         `yaml:"events_queue"`
	MetricsPort    string         `yaml:"metrics_port"`
	Concurrency    int            `yaml:"concurrency"`
	AcceptanceCron string         `yaml:"acceptance_cron"`
	Redis          RedisConfig    `yaml:"redis"`
	Quota          QuotaConfig    `yaml:"quota"`
	Pipeline       PipelineConfig `yaml:"pipeline"`
	Collab         CollabConfig   `yaml:"collab"`
}

var (
	API    APIConfig
	Worker WorkerConfig
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustEnv(k string) string {
	v := os.Getenv(k)
	if v == "" {
		log.Fatalf("required env %s is not set", k)
	}
	return v
}

// loadEnvFiles reads .env.local then .env; values already set in the
// environment are never overwritten.
func loadEnvFiles() error {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func loadFile(out any) error {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type overrides struct{ err error }

func (o *overrides) str(dst *string, k string) {
	if v := os.Getenv(k); v != "" {
		*dst = v
	}
}

func (o *overrides) int(dst *int, k string) {
	v := os.Getenv(k)
	if v == "" || o.err != nil {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.err = fmt.Errorf("env %s: %w", k, err)
		return
	}
	*dst = n
}

func (o *overrides) dur(dst *time.Duration, k string) {
	v := os.Getenv(k)
	if v == "" || o.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.err = fmt.Errorf("env %s: %w", k, err)
		return
	}
	*dst = d
}

func defaultRedis() RedisConfig {
	return RedisConfig{URL: "redis://localhost:6379/0", PoolSize: 10, ReconnectBackoffMs: 500}
}

func defaultQuota() QuotaConfig {
	return QuotaConfig{DailyLimit: 10, CheckLimit: 3, TZ: "UTC"}
}

func defaultPipeline() PipelineConfig {
	return PipelineConfig{
		InviteBatchSize:  10,
		MessageBatchSize: 5,
		InterLeadDelay:   2 * time.Second,
		IntraBatchDelay:  2 * time.Second,
		InviteBatchDelay: 5 * time.Minute,
		ClaimMinIdle:     6 * time.Minute,
		MaxRetries:       3,
	}
}

func (o *overrides) shared(r *RedisConfig, q *QuotaConfig, p *PipelineConfig) {
	o.str(&r.URL, "REDIS_URL")
	o.int(&r.PoolSize, "REDIS_POOL_SIZE")
	o.int(&r.ReconnectBackoffMs, "REDIS_RECONNECT_BACKOFF_MS")

	o.int(&q.DailyLimit, "QUOTA_DAILY_LIMIT")
	o.int(&q.CheckLimit, "QUOTA_CHECK_LIMIT")
	o.str(&q.TZ, "QUOTA_TZ")

	o.int(&p.InviteBatchSize, "INVITE_BATCH_SIZE")
	o.int(&p.MessageBatchSize, "MESSAGE_BATCH_SIZE")
	o.dur(&p.InterLeadDelay, "INTER_LEAD_DELAY")
	o.dur(&p.IntraBatchDelay, "INTRA_BATCH_DELAY")
	o.dur(&p.InviteBatchDelay, "INVITE_BATCH_DELAY")
	o.dur(&p.ClaimMinIdle, "CLAIM_MIN_IDLE")
	o.int(&p.MaxRetries, "MAX_RETRIES")
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (q *QuotaConfig) normalize() {
	q.DailyLimit = clamp(q.DailyLimit, 1, 30)
	if q.CheckLimit <= 0 {
		q.CheckLimit = 3
	}
}

func (p *PipelineConfig) normalize() {
	p.InviteBatchSize = clamp(p.InviteBatchSize, 1, 20)
	if p.MessageBatchSize <= 0 {
		p.MessageBatchSize = 5
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
}

// LoadAPI resolves the API configuration: defaults, then CONFIG_FILE, then env.
func LoadAPI() (APIConfig, error) {
	if err := loadEnvFiles(); err != nil {
		return APIConfig{}, err
	}
	c := APIConfig{
		Port:        "8080",
		Store:       StorePostgres,
		EventsQueue: "job_events",
		Redis:       defaultRedis(),
		Quota:       defaultQuota(),
		Pipeline:    defaultPipeline(),
	}
	if err := loadFile(&c); err != nil {
		return APIConfig{}, err
	}
	var o overrides
	o.str(&c.Port, "PORT")
	o.str(&c.Store, "STORE")
	o.str(&c.DBDSN, "DB_DSN")
	o.str(&c.RMQURL, "RMQ_URL")
	o.str(&c.EventsQueue, "EVENTS_QUEUE")
	o.shared(&c.Redis, &c.Quota, &c.Pipeline)
	if o.err != nil {
		return APIConfig{}, o.err
	}
	c.Quota.normalize()
	c.Pipeline.normalize()
	return c, nil
}

// LoadWorker resolves the worker configuration: defaults, then CONFIG_FILE, then env.
func LoadWorker() (WorkerConfig, error) {
	if err := loadEnvFiles(); err != nil {
		return WorkerConfig{}, err
	}
	c := WorkerConfig{
		Store:          StorePostgres,
		EventsQueue:    "job_events",
		MetricsPort:    "9091",
		Concurrency:    1,
		AcceptanceCron: "0 */6 * * *",
		Redis:          defaultRedis(),
		Quota:          defaultQuota(),
		Pipeline:       defaultPipeline(),
		Collab:         CollabConfig{LLMModel: "claude-3-5-haiku-latest"},
	}
	if err := loadFile(&c); err != nil {
		return WorkerConfig{}, err
	}
	var o overrides
	o.str(&c.Store, "STORE")
	o.str(&c.DBDSN, "DB_DSN")
	o.str(&c.RMQURL, "RMQ_URL")
	o.str(&c.EventsQueue, "EVENTS_QUEUE")
	o.str(&c.MetricsPort, "METRICS_PORT")
	o.int(&c.Concurrency, "WORKER_CONCURRENCY")
	o.str(&c.AcceptanceCron, "ACCEPTANCE_CRON")
	o.str(&c.Collab.LLMAPIKey, "ANTHROPIC_API_KEY")
	o.str(&c.Collab.LLMModel, "LLM_MODEL")
	o.str(&c.Collab.ScraperURL, "SCRAPER_URL")
	o.str(&c.Collab.DriverURL, "DRIVER_URL")
	o.shared(&c.Redis, &c.Quota, &c.Pipeline)
	if o.err != nil {
		return WorkerConfig{}, o.err
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	c.Quota.normalize()
	c.Pipeline.normalize()
	return c, nil
}

func MustLoadAPI() {
	c, err := LoadAPI()
	if err != nil {
		log.Fatalf("load api config: %v", err)
	}
	if c.Store == StorePostgres {
		c.DBDSN = mustEnvOr(c.DBDSN, "DB_DSN")
	}
	API = c
}

func MustLoadWorker() {
	c, err := LoadWorker()
	if err != nil {
		log.Fatalf("load worker config: %v", err)
	}
	if c.Store == StorePostgres {
		c.DBDSN = mustEnvOr(c.DBDSN, "DB_DSN")
	}
	Worker = c
}

// mustEnvOr keeps a value that came from the config file, otherwise the env key is required.
func mustEnvOr(v, k string) string {
	if v != "" {
		return v
	}
	return mustEnv(k)
}
