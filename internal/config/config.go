package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/untibullet/pr-automerge/internal/models"
)

const envFile = ".env"

type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Repos    []RepoConfig   `mapstructure:"repos"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type GitHubConfig struct {
	Token         string `mapstructure:"token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	// BaseURL задается только для GitHub Enterprise
	BaseURL string `mapstructure:"base_url"`
}

type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// RepoConfig политика автослияния для одного репозитория
type RepoConfig struct {
	Name                  string        `mapstructure:"name"`
	NeedsDescriptionLabel string        `mapstructure:"needs_description_label"`
	ReviewedLabel         string        `mapstructure:"reviewed_label"`
	CIPassedLabel         string        `mapstructure:"ci_passed_label"`
	BlockMergeLabel       string        `mapstructure:"block_merge_label"`
	SkipReviewLabel       string        `mapstructure:"skip_review_label"`
	RequiredStatuses      []string      `mapstructure:"required_statuses"`
	AutomergeGracePeriod  int64         `mapstructure:"automerge_grace_period"` // секунды, 0 - выключено
	MergeMethod           string        `mapstructure:"merge_method"`
	CommentRequestsChange bool          `mapstructure:"comment_requests_change"`
	ReactToComments       bool          `mapstructure:"react_to_comments"`
	CommentOnAbort        bool          `mapstructure:"comment_on_abort"`
	MergeDelay            time.Duration `mapstructure:"merge_delay"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load загружает конфигурацию из TOML-файла и переопределяет значения из переменных окружения.
// Пустой path означает поиск config.toml в текущей директории и ./config
func Load(path string) (*Config, error) {
	loadDotEnv(envFile)

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv дополняет окружение значениями из .env, не перетирая уже заданные
func loadDotEnv(file string) {
	envMap, err := godotenv.Read(file)
	if err != nil {
		return
	}
	for k, val := range envMap {
		if _, exists := os.LookupEnv(k); !exists {
			_ = os.Setenv(k, val)
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.poll_interval", 10*time.Second)
	v.SetDefault("queue.max_attempts", 3)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.process_timeout", 5*time.Minute)

	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// bindEnvVariables явно связывает переменные окружения с ключами конфига
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("dry_run", "DRY_RUN")

	// GitHub
	v.BindEnv("github.token", "GITHUB_TOKEN")
	v.BindEnv("github.webhook_secret", "GITHUB_WEBHOOK_SECRET")
	v.BindEnv("github.base_url", "GITHUB_BASE_URL")

	// Database
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")

	// Server
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.port", "SERVER_PORT")

	// Logger
	v.BindEnv("logger.level", "LOG_LEVEL")
	v.BindEnv("logger.format", "LOG_FORMAT")
}

// Validate проверяет обязательные параметры; ошибки оборачивают models.ErrConfiguration
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.GitHub.Token) == "" {
		errs = append(errs, errors.New("github.token is required"))
	}
	if len(c.Repos) == 0 {
		errs = append(errs, errors.New("at least one [[repos]] entry is required"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}

	seen := make(map[string]struct{}, len(c.Repos))
	for i := range c.Repos {
		repo := &c.Repos[i]
		repo.RequiredStatuses = cleanList(repo.RequiredStatuses)

		if _, err := repo.Ref(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[repo.Name]; dup {
			errs = append(errs, fmt.Errorf("repo %s configured twice", repo.Name))
		}
		seen[repo.Name] = struct{}{}

		if len(repo.RequiredStatuses) == 0 {
			errs = append(errs, fmt.Errorf("repo %s: must supply 1 or more required_statuses", repo.Name))
		}
		if _, err := models.ParseMergeMethod(repo.MergeMethod); err != nil {
			errs = append(errs, fmt.Errorf("repo %s: %w", repo.Name, err))
		}
		if repo.AutomergeGracePeriod < 0 {
			errs = append(errs, fmt.Errorf("repo %s: automerge_grace_period must not be negative", repo.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", models.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// Repo ищет конфигурацию репозитория по имени owner/name
func (c *Config) Repo(fullName string) (*RepoConfig, bool) {
	for i := range c.Repos {
		if strings.EqualFold(c.Repos[i].Name, fullName) {
			return &c.Repos[i], true
		}
	}
	return nil, false
}

// Ref разбирает имя репозитория
func (r *RepoConfig) Ref() (models.RepoRef, error) {
	owner, name, ok := strings.Cut(r.Name, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return models.RepoRef{}, fmt.Errorf("%w: repo name %q must be owner/name", models.ErrConfiguration, r.Name)
	}
	return models.RepoRef{Owner: owner, Name: name}, nil
}

// GracePeriod возвращает период ожидания после последнего обновления PR
func (r *RepoConfig) GracePeriod() (time.Duration, bool) {
	if r.AutomergeGracePeriod <= 0 {
		return 0, false
	}
	return time.Duration(r.AutomergeGracePeriod) * time.Second, true
}

// Method способ слияния; значение уже проверено в Validate
func (r *RepoConfig) Method() models.MergeMethod {
	m, err := models.ParseMergeMethod(r.MergeMethod)
	if err != nil {
		return models.MergeMethodMerge
	}
	return m
}

// IsRequiredStatus проверяет, входит ли проверка в список обязательных
func (r *RepoConfig) IsRequiredStatus(name string) bool {
	for _, s := range r.RequiredStatuses {
		if s == name {
			return true
		}
	}
	return false
}

// Enabled журнал решений включается только при заданном хосте БД
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// GetDSN возвращает строку подключения к PostgreSQL
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress возвращает адрес сервера в формате host:port
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
