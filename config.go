package menucost

type ModelConfig struct {
	BaseEndpoint    string  `env:"REASONING_ENDPOINT,default=https://api.openai.com/v1"`
	APIKey          string  `env:"OPENAI_API_KEY,required"`
	ModelID         string  `env:"MODEL_ID,default=gpt-4.1"`
	CompactionModel string  `env:"COMPACTION_MODEL_ID,default=gpt-4o-mini"`
	MaxTokens       int32   `env:"MAX_TOKENS,default=1024"`
	Temperature     float32 `env:"TEMPERATURE,default=0.2"`
}

type PipelineConfig struct {
	CatalogPath     string `env:"CATALOG_PATH,default=data/catalog.csv"`
	CatalogS3Bucket string `env:"CATALOG_S3_BUCKET"`
	CatalogS3Key    string `env:"CATALOG_S3_KEY,default=catalog.csv"`
	StatePath       string `env:"STATE_PATH,default=data/job_state.json"`
	BatchSize       int    `env:"BATCH_SIZE,default=3"`
	MaxTurns        int    `env:"MAX_TURNS,default=10"`
	SearchLimit     int    `env:"SEARCH_LIMIT,default=3"`
	SearchCutoff    int    `env:"SEARCH_CUTOFF,default=50"`
}

type ServerConfig struct {
	ListenAddr      string `env:"LISTEN_ADDR,default=:8000"`
	AllowedOrigin   string `env:"ALLOWED_ORIGIN,default=http://localhost:3000"`
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
	SlackChannel    string `env:"SLACK_CHANNEL,default=#general"`
}
