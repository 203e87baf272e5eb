// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize    int `yaml:"bufferSize"`
	FanoutWorkers int `yaml:"fanoutWorkers"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsPath    string        `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/quantflow"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	return nil
}

// BackoffConfig bounds reconnect attempts.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
}

// DataSourceConfig selects and tunes the market data feed.
type DataSourceConfig struct {
	// Kind is simulated, websocket or binance. An empty URL selects the
	// public Binance endpoint for the binance kind.
	Kind       string            `yaml:"kind"`
	URL        string            `yaml:"url"`
	BufferSize int               `yaml:"bufferSize"`
	Reconnect  BackoffConfig     `yaml:"reconnect"`
	Simulated  SimulatedFeedSpec `yaml:"simulated"`
}

// SimulatedFeedSpec configures the random-walk feed.
type SimulatedFeedSpec struct {
	TickInterval time.Duration     `yaml:"tickInterval"`
	StartPrices  map[string]Amount `yaml:"startPrices"`
	// VolatilityBps is the per-tick standard deviation in basis points.
	VolatilityBps float64 `yaml:"volatilityBps"`
	Seed          int64   `yaml:"seed"`
}

// StrategiesConfig defines where JavaScript strategy sources are discovered and how they run.
type StrategiesConfig struct {
	Directory   string        `yaml:"directory"`
	CallBudget  time.Duration `yaml:"callBudget"`
	EventBuffer int           `yaml:"eventBuffer"`
}

// SignalsConfig tunes the signal queue.
type SignalsConfig struct {
	DefaultExpiry time.Duration `yaml:"defaultExpiry"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	// Retention keeps resolved signals fully readable before they shrink to their final state.
	Retention time.Duration `yaml:"retention"`
}

// RiskConfig tunes the position monitor.
type RiskConfig struct {
	MonitorInterval time.Duration `yaml:"monitorInterval"`
}

// ExecutorConfig binds a venue account.
type ExecutorConfig struct {
	Name           string        `yaml:"name"`
	Kind           string        `yaml:"kind"`
	CredentialsRef string        `yaml:"credentialsRef"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	Burst          int           `yaml:"burst"`
	QueueSize      int           `yaml:"queueSize"`
	Paper          PaperConfig   `yaml:"paper"`
}

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	FillLatency time.Duration `yaml:"fillLatency"`
	FeeRate     Amount        `yaml:"feeRate"`
	// SlippageBps is applied against the taker on every market fill.
	SlippageBps float64 `yaml:"slippageBps"`
}

// LimitsConfig mirrors schema.RiskLimit in YAML form.
type LimitsConfig struct {
	MaxPositionSize  Amount `yaml:"maxPositionSize"`
	MaxOrderNotional Amount `yaml:"maxOrderNotional"`
	StopLossPct      Amount `yaml:"stopLossPct"`
	TakeProfitPct    Amount `yaml:"takeProfitPct"`
	EmergencyLossPct Amount `yaml:"emergencyLossPct"`
	MaxOpenOrders    int    `yaml:"maxOpenOrders"`
}

// ProjectConfig declares one project.
type ProjectConfig struct {
	ID             string        `yaml:"id"`
	Instruments    []string      `yaml:"instruments"`
	InitialCapital Amount        `yaml:"initialCapital"`
	Enabled        *bool         `yaml:"enabled"`
	Confirmation   string        `yaml:"confirmation"`
	AllowOverlap   bool          `yaml:"allowOverlap"`
	SignalExpiry   time.Duration `yaml:"signalExpiry"`
	Executor       string        `yaml:"executor"`
	OrderType      string        `yaml:"orderType"`
	Limits         LimitsConfig  `yaml:"limits"`
}

// InstanceConfig declares a strategy instance started at boot.
type InstanceConfig struct {
	ID          string         `yaml:"id"`
	Project     string         `yaml:"project"`
	Strategy    string         `yaml:"strategy"`
	Instruments []string       `yaml:"instruments"`
	Params      map[string]any `yaml:"params"`
	Autostart   bool           `yaml:"autostart"`
}

// AppConfig is the unified application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Logging     LoggingConfig    `yaml:"logging"`
	Telemetry   telemetry.Config `yaml:"telemetry"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Eventbus    EventbusConfig   `yaml:"eventbus"`
	Database    DatabaseConfig   `yaml:"database"`
	DataSource  DataSourceConfig `yaml:"datasource"`
	Strategies  StrategiesConfig `yaml:"strategies"`
	Signals     SignalsConfig    `yaml:"signals"`
	Risk        RiskConfig       `yaml:"risk"`
	Executors   []ExecutorConfig `yaml:"executors"`
	Projects    []ProjectConfig  `yaml:"projects"`
	Instances   []InstanceConfig `yaml:"instances"`
}

// Default returns a runnable single-project paper-trading configuration.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Telemetry:   telemetry.DefaultConfig(),
		DataSource: DataSourceConfig{
			Kind: "simulated",
			Simulated: SimulatedFeedSpec{
				StartPrices: map[string]Amount{"BTC-USDT": "60000"},
			},
		},
		Executors: []ExecutorConfig{{Name: "paper", Kind: "paper"}},
		Projects: []ProjectConfig{{
			ID:             "default",
			Instruments:    []string{"BTC-USDT"},
			InitialCapital: "100000",
			Confirmation:   string(schema.ConfirmAuto),
			Executor:       "paper",
			Limits: LimitsConfig{
				MaxPositionSize:  "1",
				MaxOrderNotional: "100000",
				MaxOpenOrders:    4,
			},
		}},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default otherwise.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.Environment = string(c.Environment)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}

	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 256
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		c.Eventbus.FanoutWorkers = 4
	}

	c.Database.applyDefaults()

	c.DataSource.Kind = normalizeName(c.DataSource.Kind)
	if c.DataSource.Kind == "" {
		c.DataSource.Kind = "simulated"
	}
	if c.DataSource.BufferSize <= 0 {
		c.DataSource.BufferSize = 1024
	}
	if c.DataSource.Reconnect.InitialInterval <= 0 {
		c.DataSource.Reconnect.InitialInterval = 500 * time.Millisecond
	}
	if c.DataSource.Reconnect.MaxInterval <= 0 {
		c.DataSource.Reconnect.MaxInterval = 30 * time.Second
	}
	if c.DataSource.Simulated.TickInterval <= 0 {
		c.DataSource.Simulated.TickInterval = time.Second
	}
	if c.DataSource.Simulated.VolatilityBps <= 0 {
		c.DataSource.Simulated.VolatilityBps = 5
	}
	prices := make(map[string]Amount, len(c.DataSource.Simulated.StartPrices))
	for symbol, price := range c.DataSource.Simulated.StartPrices {
		prices[schema.NormalizeInstrument(symbol)] = price
	}
	c.DataSource.Simulated.StartPrices = prices

	strategyDir := strings.TrimSpace(c.Strategies.Directory)
	if strategyDir == "" {
		strategyDir = "strategies"
	}
	c.Strategies.Directory = filepath.Clean(strategyDir)
	if c.Strategies.CallBudget <= 0 {
		c.Strategies.CallBudget = 50 * time.Millisecond
	}
	if c.Strategies.EventBuffer <= 0 {
		c.Strategies.EventBuffer = 256
	}

	if c.Signals.DefaultExpiry <= 0 {
		c.Signals.DefaultExpiry = 30 * time.Second
	}
	if c.Signals.SweepInterval <= 0 {
		c.Signals.SweepInterval = time.Second
	}
	if c.Signals.Retention <= 0 {
		c.Signals.Retention = 10 * time.Minute
	}
	if c.Risk.MonitorInterval <= 0 {
		c.Risk.MonitorInterval = time.Second
	}

	seenExec := make(map[string]struct{}, len(c.Executors))
	for i := range c.Executors {
		exec := &c.Executors[i]
		exec.Name = normalizeName(exec.Name)
		exec.Kind = normalizeName(exec.Kind)
		if _, dup := seenExec[exec.Name]; dup {
			return fmt.Errorf("duplicate executor name %q", exec.Name)
		}
		seenExec[exec.Name] = struct{}{}
		if exec.RequestTimeout <= 0 {
			exec.RequestTimeout = 5 * time.Second
		}
		if exec.MaxRetries <= 0 {
			exec.MaxRetries = 3
		}
		if exec.RatePerSecond <= 0 {
			exec.RatePerSecond = 10
		}
		if exec.Burst <= 0 {
			exec.Burst = 1
		}
		if exec.QueueSize <= 0 {
			exec.QueueSize = 128
		}
	}

	seenProject := make(map[string]struct{}, len(c.Projects))
	for i := range c.Projects {
		p := &c.Projects[i]
		p.ID = strings.TrimSpace(p.ID)
		if _, dup := seenProject[p.ID]; dup {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seenProject[p.ID] = struct{}{}
		for j, inst := range p.Instruments {
			p.Instruments[j] = schema.NormalizeInstrument(inst)
		}
		p.Confirmation = normalizeName(p.Confirmation)
		if p.Confirmation == "" {
			p.Confirmation = string(schema.ConfirmAuto)
		}
		p.Executor = normalizeName(p.Executor)
		p.OrderType = strings.ToUpper(strings.TrimSpace(p.OrderType))
		if p.OrderType == "" {
			p.OrderType = string(schema.OrderTypeMarket)
		}
		if p.SignalExpiry <= 0 {
			p.SignalExpiry = c.Signals.DefaultExpiry
		}
	}

	for i := range c.Instances {
		in := &c.Instances[i]
		in.ID = strings.TrimSpace(in.ID)
		in.Project = strings.TrimSpace(in.Project)
		in.Strategy = strings.TrimSpace(in.Strategy)
		for j, inst := range in.Instruments {
			in.Instruments[j] = schema.NormalizeInstrument(inst)
		}
	}
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	switch c.DataSource.Kind {
	case "simulated", "binance":
	case "websocket":
		if strings.TrimSpace(c.DataSource.URL) == "" {
			return fmt.Errorf("datasource url required for websocket feed")
		}
	default:
		return fmt.Errorf("datasource kind %q not supported", c.DataSource.Kind)
	}
	if c.DataSource.Reconnect.MaxInterval < c.DataSource.Reconnect.InitialInterval {
		return fmt.Errorf("datasource reconnect maxInterval must be >= initialInterval")
	}

	executors := make(map[string]struct{}, len(c.Executors))
	for _, exec := range c.Executors {
		if exec.Name == "" {
			return fmt.Errorf("executor name required")
		}
		if exec.Kind != "paper" {
			return fmt.Errorf("executor %q: kind %q not supported", exec.Name, exec.Kind)
		}
		if _, err := exec.Paper.FeeRate.Decimal(); err != nil {
			return fmt.Errorf("executor %q: feeRate: %w", exec.Name, err)
		}
		executors[exec.Name] = struct{}{}
	}

	projects := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" {
			return fmt.Errorf("project id required")
		}
		if _, err := p.Build(); err != nil {
			return err
		}
		if _, ok := executors[p.Executor]; !ok {
			return fmt.Errorf("project %q: unknown executor %q", p.ID, p.Executor)
		}
		projects[p.ID] = struct{}{}
	}

	instances := make(map[string]struct{}, len(c.Instances))
	for _, in := range c.Instances {
		if in.ID == "" || in.Strategy == "" {
			return fmt.Errorf("instance id and strategy required")
		}
		if _, dup := instances[in.ID]; dup {
			return fmt.Errorf("duplicate instance id %q", in.ID)
		}
		instances[in.ID] = struct{}{}
		if _, ok := projects[in.Project]; !ok {
			return fmt.Errorf("instance %q: unknown project %q", in.ID, in.Project)
		}
	}
	return nil
}

// ProjectSpec is a project together with its initial risk limits.
type ProjectSpec struct {
	Project schema.Project
	Limits  schema.RiskLimit
}

// Build converts the YAML project into domain records.
func (p ProjectConfig) Build() (ProjectSpec, error) {
	capital, err := p.InitialCapital.Decimal()
	if err != nil {
		return ProjectSpec{}, fmt.Errorf("project %q: initialCapital: %w", p.ID, err)
	}
	policy := schema.ConfirmationPolicy(p.Confirmation)
	if policy != schema.ConfirmAuto && policy != schema.ConfirmManual {
		return ProjectSpec{}, fmt.Errorf("project %q: confirmation must be auto or manual", p.ID)
	}
	orderType := schema.OrderType(p.OrderType)
	if orderType != schema.OrderTypeMarket && orderType != schema.OrderTypeLimit {
		return ProjectSpec{}, fmt.Errorf("project %q: orderType must be MARKET or LIMIT", p.ID)
	}
	if len(p.Instruments) == 0 {
		return ProjectSpec{}, fmt.Errorf("project %q: at least one instrument required", p.ID)
	}

	limits := schema.RiskLimit{Project: p.ID, MaxOpenOrders: p.Limits.MaxOpenOrders}
	targets := []struct {
		name string
		raw  Amount
		dst  *decimal.Decimal
	}{
		{"maxPositionSize", p.Limits.MaxPositionSize, &limits.MaxPositionSize},
		{"maxOrderNotional", p.Limits.MaxOrderNotional, &limits.MaxOrderNotional},
		{"stopLossPct", p.Limits.StopLossPct, &limits.StopLossPct},
		{"takeProfitPct", p.Limits.TakeProfitPct, &limits.TakeProfitPct},
		{"emergencyLossPct", p.Limits.EmergencyLossPct, &limits.EmergencyLossPct},
	}
	for _, target := range targets {
		v, err := target.raw.Decimal()
		if err != nil {
			return ProjectSpec{}, fmt.Errorf("project %q: limits.%s: %w", p.ID, target.name, err)
		}
		if v.IsNegative() {
			return ProjectSpec{}, fmt.Errorf("project %q: limits.%s must be >= 0", p.ID, target.name)
		}
		*target.dst = v
	}
	if limits.MaxOpenOrders < 0 {
		return ProjectSpec{}, fmt.Errorf("project %q: limits.maxOpenOrders must be >= 0", p.ID)
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return ProjectSpec{
		Project: schema.Project{
			ID:             p.ID,
			Instruments:    append([]string(nil), p.Instruments...),
			InitialCapital: capital,
			Enabled:        enabled,
			Confirmation:   policy,
			AllowOverlap:   p.AllowOverlap,
			SignalExpiry:   p.SignalExpiry,
			Executor:       p.Executor,
			OrderType:      orderType,
		},
		Limits: limits,
	}, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
