package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/realitygap/internal/domain"
)

// Config es la configuración completa de realitygap.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Optimize OptimizeConfig `yaml:"optimize"`
	Validate ValidateConfig `yaml:"validate"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Executor ExecutorConfig `yaml:"executor"`
	Run      RunConfig      `yaml:"run"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StorageConfig controla dónde se persisten los resultados.
type StorageConfig struct {
	DSN           string `yaml:"dsn" validate:"required"` // ruta al archivo SQLite, o ":memory:"
	MaxRetries    int    `yaml:"max_retries" validate:"gte=0"`
	RetryBaseMS   int    `yaml:"retry_base_ms" validate:"gte=0"`
	RetentionDays int    `yaml:"retention_days" validate:"gte=0"` // 0 = sin poda automática
}

// OptimizeConfig controla los batches de optimización.
type OptimizeConfig struct {
	Attempts     int      `yaml:"attempts" validate:"gte=1"`
	Epochs       int      `yaml:"epochs" validate:"gte=1"`
	Spaces       []string `yaml:"spaces" validate:"dive,oneof=buy sell roi stoploss trailing protection trades default all"`
	LossFunction string   `yaml:"loss_function" validate:"required"`
	Workers      int      `yaml:"workers" validate:"gte=1"`
}

// ValidateConfig controla los batches de validación.
type ValidateConfig struct {
	TopK      int  `yaml:"top_k" validate:"gte=1"`
	MinTrades int  `yaml:"min_trades" validate:"gte=0"`
	Retest    bool `yaml:"retest"`
}

// AnalysisConfig fija los umbrales del reality gap y los rankings. Los
// punteros distinguen "no configurado" de un cero explícito.
type AnalysisConfig struct {
	GapHigh   *float64 `yaml:"gap_high" validate:"required"`
	GapLow    *float64 `yaml:"gap_low" validate:"required"`
	MinTrades *int     `yaml:"min_trades" validate:"required,gte=0"`
	Limit     int      `yaml:"limit" validate:"gte=1"`
}

// ExecutorConfig describe la instalación de freqtrade.
type ExecutorConfig struct {
	Binary          string `yaml:"binary" validate:"required"`
	Path            string `yaml:"path"` // directorio de trabajo de freqtrade
	UserDir         string `yaml:"user_dir"`
	ConfigFile      string `yaml:"config_file"`
	ConfigDir       string `yaml:"config_dir"` // <strategy>.json por estrategia
	ResultsDir      string `yaml:"results_dir"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" validate:"gte=1"`
	CooldownSeconds int    `yaml:"cooldown_seconds" validate:"gte=0"`
}

// RunConfig es el contexto de mercado común a todas las ejecuciones.
type RunConfig struct {
	Exchange      string   `yaml:"exchange"`
	Timeframe     string   `yaml:"timeframe" validate:"required,timeframe"`
	TimeRange     string   `yaml:"timerange" validate:"omitempty,timerange"`
	StakeCurrency string   `yaml:"stake_currency"`
	StakeAmount   float64  `yaml:"stake_amount" validate:"gte=0"`
	MaxOpenTrades int      `yaml:"max_open_trades" validate:"gte=-1"`
	Pairs         []string `yaml:"pairs"`
	// HistoryDays deriva timerange como "YYYYMMDD-" cuando timerange está vacío.
	HistoryDays int `yaml:"history_days" validate:"gte=0"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// MetricsConfig controla el endpoint de Prometheus. Vacío = deshabilitado.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg, time.Now())

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// ExecutorTimeout devuelve el timeout por ejecución como time.Duration.
func (c *Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.Executor.TimeoutSeconds) * time.Second
}

// ExecutorCooldown devuelve la pausa mínima entre ejecuciones.
func (c *Config) ExecutorCooldown() time.Duration {
	return time.Duration(c.Executor.CooldownSeconds) * time.Second
}

// RetryBase devuelve el primer backoff del store.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Storage.RetryBaseMS) * time.Millisecond
}

// Retention devuelve la antigüedad a partir de la cual se podan runs, o 0.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}

// Thresholds devuelve los umbrales del reality gap.
func (c *Config) Thresholds() domain.Thresholds {
	t := domain.DefaultThresholds()
	if c.Analysis.GapHigh != nil {
		t.High = *c.Analysis.GapHigh
	}
	if c.Analysis.GapLow != nil {
		t.Low = *c.Analysis.GapLow
	}
	return t
}

// DomainRun convierte el contexto de mercado al tipo del dominio.
func (c *Config) DomainRun() domain.RunConfig {
	return domain.RunConfig{
		Timeframe:     c.Run.Timeframe,
		StakeAmount:   c.Run.StakeAmount,
		StakeCurrency: c.Run.StakeCurrency,
		TimeRange:     c.Run.TimeRange,
		PairWhitelist: c.Run.Pairs,
		Exchange:      c.Run.Exchange,
		MaxOpenTrades: c.Run.MaxOpenTrades,
	}
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FREQTRADE_PATH"); v != "" {
		cfg.Executor.Path = v
	}
	if v := os.Getenv("EXCHANGE"); v != "" {
		cfg.Run.Exchange = v
	}
	if v := os.Getenv("TIMEFRAME"); v != "" {
		cfg.Run.Timeframe = v
	}
	if v := os.Getenv("PAIRS"); v != "" {
		cfg.Run.Pairs = splitList(v)
	}
	if v := os.Getenv("HYPERFUNCTION"); v != "" {
		cfg.Optimize.LossFunction = v
	}
	if v := os.Getenv("HISTORICAL_DATA_IN_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.Run.HistoryDays = days
			cfg.Run.TimeRange = "" // la ventana del entorno manda
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config, now time.Time) {
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "realitygap.db"
	}
	if cfg.Storage.MaxRetries == 0 {
		cfg.Storage.MaxRetries = 3
	}
	if cfg.Storage.RetryBaseMS == 0 {
		cfg.Storage.RetryBaseMS = 100
	}

	if cfg.Optimize.Attempts == 0 {
		cfg.Optimize.Attempts = 3
	}
	if cfg.Optimize.Epochs == 0 {
		cfg.Optimize.Epochs = 200
	}
	if len(cfg.Optimize.Spaces) == 0 {
		cfg.Optimize.Spaces = []string{"buy", "sell", "roi", "stoploss"}
	}
	if cfg.Optimize.LossFunction == "" {
		cfg.Optimize.LossFunction = "SharpeHyperOptLoss"
	}
	if cfg.Optimize.Workers == 0 {
		cfg.Optimize.Workers = 1
	}

	if cfg.Validate.TopK == 0 {
		cfg.Validate.TopK = 5
	}

	// cada umbral por separado: fijar solo uno deja el otro en su default
	if cfg.Analysis.GapHigh == nil {
		cfg.Analysis.GapHigh = ptr(domain.DefaultGapHigh)
	}
	if cfg.Analysis.GapLow == nil {
		cfg.Analysis.GapLow = ptr(domain.DefaultGapLow)
	}
	if cfg.Analysis.MinTrades == nil {
		cfg.Analysis.MinTrades = ptr(10)
	}
	if cfg.Analysis.Limit == 0 {
		cfg.Analysis.Limit = 10
	}

	if cfg.Executor.Binary == "" {
		cfg.Executor.Binary = "freqtrade"
	}
	if cfg.Executor.TimeoutSeconds == 0 {
		cfg.Executor.TimeoutSeconds = 3600
	}
	if cfg.Executor.ResultsDir == "" {
		base := cfg.Executor.Path
		if base == "" {
			base = "."
		}
		cfg.Executor.ResultsDir = filepath.Join(base, "user_data", "backtest_results", "realitygap")
	}

	if cfg.Run.Timeframe == "" {
		cfg.Run.Timeframe = "5m"
	}
	if cfg.Run.TimeRange == "" && cfg.Run.HistoryDays > 0 {
		cfg.Run.TimeRange = TimeRangeSince(now, cfg.Run.HistoryDays)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// TimeRangeSince devuelve el timerange de freqtrade "YYYYMMDD-" que empieza
// days días antes de now.
func TimeRangeSince(now time.Time, days int) string {
	return now.AddDate(0, 0, -days).UTC().Format("20060102") + "-"
}

// reTimeframe acepta los timeframes de freqtrade: 1m, 5m, 1h, 4h, 1d, 1w, 1M.
var reTimeframe = regexp.MustCompile(`^[1-9][0-9]*[smhdwM]$`)

func (c *Config) validate() error {
	v := validator.New()
	_ = v.RegisterValidation("timeframe", func(fl validator.FieldLevel) bool {
		return reTimeframe.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("timerange", func(fl validator.FieldLevel) bool {
		return validTimeRange(fl.Field().String())
	})

	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if *c.Analysis.GapLow >= *c.Analysis.GapHigh {
		return fmt.Errorf("invalid config: analysis.gap_low (%g) must be below analysis.gap_high (%g)",
			*c.Analysis.GapLow, *c.Analysis.GapHigh)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// validTimeRange acepta los rangos de freqtrade: "YYYYMMDD-", "-YYYYMMDD" y
// "YYYYMMDD-YYYYMMDD".
func validTimeRange(s string) bool {
	from, to, ok := strings.Cut(s, "-")
	if !ok || (from == "" && to == "") {
		return false
	}
	for _, part := range []string{from, to} {
		if part == "" {
			continue
		}
		if _, err := time.Parse("20060102", part); err != nil {
			return false
		}
	}
	return true
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
