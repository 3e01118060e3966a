package config

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Engine     EngineConf     `yaml:"engine"`
	Resolution ResolutionConf `yaml:"resolution"`
	Oracle     OracleConf     `yaml:"oracle"`
	Normalizer NormalizerConf `yaml:"normalizer"`
	Ledger     LedgerConf     `yaml:"ledger"`
	Storage    StorageConf    `yaml:"storage"`
	Cache      CacheConf      `yaml:"cache"`
	Analytics  AnalyticsConf  `yaml:"analytics"`
	Notify     NotifyConf     `yaml:"notify"`
	Projection ProjectionConf `yaml:"projection"`
	API        APIConf        `yaml:"api"`
	Log        LogConf        `yaml:"log"`
	Sources    []Source       `yaml:"sources"`
}

// EngineConf holds tunable concurrency settings.
type EngineConf struct {
	Workers         int `yaml:"workers"`
	QueueDepth      int `yaml:"queue_depth"`
	EventTimeoutMs  int `yaml:"event_timeout_ms"`
	ConflictRetries int `yaml:"conflict_retries"`
}

// ResolutionConf controls the entity resolver decision policy.
type ResolutionConf struct {
	MergeThreshold  float64 `yaml:"merge_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold"`
	MaxCandidates   int     `yaml:"max_candidates"`
	MinTokenLength  int     `yaml:"min_token_length"`
}

// OracleConf points at the external scoring service. An empty URL disables it
// and every comparison uses the rule-based scorer.
type OracleConf struct {
	URL              string `yaml:"url"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	MaxAttempts      int    `yaml:"max_attempts"`
	InitialBackoffMs int    `yaml:"initial_backoff_ms"`
}

// NormalizerConf holds input validation limits.
type NormalizerConf struct {
	MaxClockSkewSec int `yaml:"max_clock_skew_sec"`
	MinTextLength   int `yaml:"min_text_length"`
}

// LedgerConf tunes lineage traversal.
type LedgerConf struct {
	HistoryPageSize int `yaml:"history_page_size"`
}

// StorageConf selects the persistence backend: badger, sqlite or postgres.
type StorageConf struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // badger directory or sqlite file; empty badger path = in-memory
	DSN      string `yaml:"dsn"`  // postgres connection string
	InMemory bool   `yaml:"in_memory"`
}

// CacheConf enables the Redis analytics cache when RedisAddr is set.
type CacheConf struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLSec        int    `yaml:"ttl_sec"`
}

// AnalyticsConf bounds query sizes.
type AnalyticsConf struct {
	MaxBuckets      int `yaml:"max_buckets"`
	MaxDepth        int `yaml:"max_depth"`
	MaxNodes        int `yaml:"max_nodes"`
	DefaultPageSize int `yaml:"default_page_size"`
	MaxPageSize     int `yaml:"max_page_size"`
}

// NotifyConf names the pub/sub topic that receives change notifications.
type NotifyConf struct {
	TopicURL        string `yaml:"topic_url"`
	SubscriptionURL string `yaml:"subscription_url"`
}

// ProjectionConf configures the optional Neo4j mirror of the graph.
type ProjectionConf struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// APIConf holds HTTP server settings.
type APIConf struct {
	Addr           string  `yaml:"addr"`
	MaxBatch       int     `yaml:"max_batch"`
	MaxEventBytes  int64   `yaml:"max_event_bytes"` // request body cap per event; a batch gets max_batch times this
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// LogConf selects the logger encoding and level.
type LogConf struct {
	JSON  bool   `yaml:"json"`
	Level string `yaml:"level"`
}

// Source declares the payload schema of one event source.
type Source struct {
	ID         string      `yaml:"id" json:"id"`
	EntityType string      `yaml:"entity_type" json:"entity_type"`
	Strict     bool        `yaml:"strict" json:"strict"`
	JSONSchema string      `yaml:"json_schema" json:"json_schema,omitempty"`
	Attributes []Attribute `yaml:"attributes" json:"attributes"`
	// Categories classify events by keyword. The first rule whose keyword
	// occurs in any string value of the payload wins.
	Categories []Category `yaml:"categories" json:"categories,omitempty"`
}

// Category maps a case-insensitive keyword to an event category.
type Category struct {
	Keyword  string `yaml:"keyword" json:"keyword"`
	Category string `yaml:"category" json:"category"`
}

// Attribute declares one payload attribute.
type Attribute struct {
	Name       string `yaml:"name" json:"name"`
	Type       string `yaml:"type" json:"type"` // string | number | integer | boolean | timestamp | string_list
	Required   bool   `yaml:"required" json:"required"`
	Role       string `yaml:"role" json:"role,omitempty"` // "" | identifier | name | relation
	Namespace  string `yaml:"namespace" json:"namespace,omitempty"`
	Relation   string `yaml:"relation" json:"relation,omitempty"`
	TargetType string `yaml:"target_type" json:"target_type,omitempty"`
	MinLength  int    `yaml:"min_length" json:"min_length,omitempty"`
}
