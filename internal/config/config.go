// File: internal/config/config.go
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Timeouts() TimeoutConfig
	Declaration() DeclarationConfig
	Bridge() BridgeConfig
	DeclarationFile() string

	SetDeclaration(d DeclarationConfig)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	BrowserCfg     BrowserConfig     `mapstructure:"browser" yaml:"browser"`
	TimeoutsCfg    TimeoutConfig     `mapstructure:"timeouts" yaml:"timeouts"`
	DeclarationCfg DeclarationConfig `mapstructure:"declaration" yaml:"declaration"`
	BridgeCfg      BridgeConfig      `mapstructure:"bridge" yaml:"bridge"`
	// DeclarationPath is where the operator's declaration settings are persisted.
	DeclarationPath string `mapstructure:"declaration_file" yaml:"declaration_file"`
}

func (c *Config) Logger() LoggerConfig           { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig         { return c.BrowserCfg }
func (c *Config) Timeouts() TimeoutConfig        { return c.TimeoutsCfg }
func (c *Config) Declaration() DeclarationConfig { return c.DeclarationCfg }
func (c *Config) Bridge() BridgeConfig           { return c.BridgeCfg }
func (c *Config) DeclarationFile() string        { return c.DeclarationPath }

func (c *Config) SetDeclaration(d DeclarationConfig) { c.DeclarationCfg = d }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig describes the operator's Chrome instance and the tabs it works with.
type BrowserConfig struct {
	DebugPort   int      `mapstructure:"debug_port" yaml:"debug_port"`
	ProfileDir  string   `mapstructure:"profile_dir" yaml:"profile_dir"`
	Executables []string `mapstructure:"executables" yaml:"executables"`
	ProcessName string   `mapstructure:"process_name" yaml:"process_name"`
	// OpeningURLs are the work tabs opened with a fresh browser. The first one is the target.
	OpeningURLs []string `mapstructure:"opening_urls" yaml:"opening_urls"`
	TargetURL   string   `mapstructure:"target_url" yaml:"target_url"`
	// TargetKeywords identify the declaration tab by URL.
	TargetKeywords []string `mapstructure:"target_keywords" yaml:"target_keywords"`
	TargetTitle    string   `mapstructure:"target_title" yaml:"target_title"`
}

// DebugURL is the HTTP endpoint of the remote debugging port.
func (b BrowserConfig) DebugURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", b.DebugPort)
}

// DebugAddr is the TCP address of the remote debugging port.
func (b BrowserConfig) DebugAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", b.DebugPort)
}

// TimeoutConfig holds every bounded wait used while driving the form.
type TimeoutConfig struct {
	PortPollAttempts int           `mapstructure:"port_poll_attempts" yaml:"port_poll_attempts"`
	PortPollInterval time.Duration `mapstructure:"port_poll_interval" yaml:"port_poll_interval"`
	RecoveryPause    time.Duration `mapstructure:"recovery_pause" yaml:"recovery_pause"`
	Liveness         time.Duration `mapstructure:"liveness" yaml:"liveness"`
	PageReady        time.Duration `mapstructure:"page_ready" yaml:"page_ready"`
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ClickFallback    time.Duration `mapstructure:"click_fallback" yaml:"click_fallback"`
	ListOpen         time.Duration `mapstructure:"list_open" yaml:"list_open"`
	SearchSettle     time.Duration `mapstructure:"search_settle" yaml:"search_settle"`
	ComboRetryPause  time.Duration `mapstructure:"combo_retry_pause" yaml:"combo_retry_pause"`
	BasicMarker      time.Duration `mapstructure:"basic_marker" yaml:"basic_marker"`
	ActivityMarker   time.Duration `mapstructure:"activity_marker" yaml:"activity_marker"`
	Accordion        time.Duration `mapstructure:"accordion" yaml:"accordion"`
	ClosedHeader     time.Duration `mapstructure:"closed_header" yaml:"closed_header"`
	ProductionHeader time.Duration `mapstructure:"production_header" yaml:"production_header"`
	OptionVisible    time.Duration `mapstructure:"option_visible" yaml:"option_visible"`
	RowAdded         time.Duration `mapstructure:"row_added" yaml:"row_added"`
	Acceptance       time.Duration `mapstructure:"acceptance" yaml:"acceptance"`
	Advance          time.Duration `mapstructure:"advance" yaml:"advance"`
	AdvanceSettle    time.Duration `mapstructure:"advance_settle" yaml:"advance_settle"`
	Generator        time.Duration `mapstructure:"generator" yaml:"generator"`
	SearchAttempts   int           `mapstructure:"search_attempts" yaml:"search_attempts"`
	SearchInterval   time.Duration `mapstructure:"search_interval" yaml:"search_interval"`
}

// BridgeConfig configures the local HTTP/WebSocket API used by GUI shells.
type BridgeConfig struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// Species is one entry of the catch catalog.
type Species struct {
	Name         string  `mapstructure:"nome" json:"nome" yaml:"nome"`
	UnitPrice    float64 `mapstructure:"preco" json:"preco" yaml:"preco"`
	BaseWeightKg int     `mapstructure:"kg_base" json:"kg_base" yaml:"kg_base"`
}

// DeclarationConfig is the snapshot of operator settings read by a run.
// Keys match the persisted settings file.
type DeclarationConfig struct {
	DefaultMunicipality string   `mapstructure:"municipio_padrao" json:"municipio_padrao" yaml:"municipio_padrao"`
	ManualMunicipality  string   `mapstructure:"municipio_manual" json:"municipio_manual" yaml:"municipio_manual"`
	ResidencyState      string   `mapstructure:"uf_residencia" json:"uf_residencia" yaml:"uf_residencia"`
	Category            string   `mapstructure:"categoria" json:"categoria" yaml:"categoria"`
	WorkMode            string   `mapstructure:"forma_atuacao" json:"forma_atuacao" yaml:"forma_atuacao"`
	LaborRelation       string   `mapstructure:"relacao_trabalho" json:"relacao_trabalho" yaml:"relacao_trabalho"`
	TradingState        string   `mapstructure:"estado_comercializacao" json:"estado_comercializacao" yaml:"estado_comercializacao"`
	FishingLocationType string   `mapstructure:"local_pesca_tipo" json:"local_pesca_tipo" yaml:"local_pesca_tipo"`
	FishingState        string   `mapstructure:"uf_pesca" json:"uf_pesca" yaml:"uf_pesca"`
	FishingLocationName string   `mapstructure:"nome_local_pesca" json:"nome_local_pesca" yaml:"nome_local_pesca"`
	FishingMethods      []string `mapstructure:"metodos_pesca" json:"metodos_pesca" yaml:"metodos_pesca"`
	TargetGroups        []string `mapstructure:"grupos_alvo" json:"grupos_alvo" yaml:"grupos_alvo"`
	Buyers              []string `mapstructure:"compradores" json:"compradores" yaml:"compradores"`

	DaysMin        int     `mapstructure:"dias_min" json:"dias_min" yaml:"dias_min"`
	DaysMax        int     `mapstructure:"dias_max" json:"dias_max" yaml:"dias_max"`
	TargetMin      float64 `mapstructure:"meta_financeira_min" json:"meta_financeira_min" yaml:"meta_financeira_min"`
	TargetMax      float64 `mapstructure:"meta_financeira_max" json:"meta_financeira_max" yaml:"meta_financeira_max"`
	WeightVariance float64 `mapstructure:"variacao_peso_pct" json:"variacao_peso_pct" yaml:"variacao_peso_pct"`

	SelectedMonths     []string `mapstructure:"meses_selecionados" json:"meses_selecionados" yaml:"meses_selecionados"`
	ClosedSeasonMonths []string `mapstructure:"meses_defeso" json:"meses_defeso" yaml:"meses_defeso"`
	ProductionMonths   []string `mapstructure:"meses_producao" json:"meses_producao" yaml:"meses_producao"`

	Catalog []Species `mapstructure:"catalogo_especies" json:"catalogo_especies" yaml:"catalogo_especies"`

	// ExactTotalMonth is declared with exactly ExactTotal in production value.
	ExactTotalMonth string  `mapstructure:"mes_total_exato" json:"mes_total_exato" yaml:"mes_total_exato"`
	ExactTotal      float64 `mapstructure:"total_exato" json:"total_exato" yaml:"total_exato"`
}

// OtherMunicipality is the sentinel choice that defers to the manually typed municipality.
const OtherMunicipality = "Outros"

// EffectiveMunicipality resolves the "Outros" sentinel to the manual entry.
func (d DeclarationConfig) EffectiveMunicipality() string {
	if d.DefaultMunicipality == OtherMunicipality {
		return d.ManualMunicipality
	}
	return d.DefaultMunicipality
}

// MonthPlan returns the closed-season and production reference lists, falling back
// to the built-in lists when either one is missing. fellBack reports the fallback.
func (d DeclarationConfig) MonthPlan() (closed, production []string, fellBack bool) {
	closed, production = d.ClosedSeasonMonths, d.ProductionMonths
	if closed == nil {
		closed, fellBack = append([]string(nil), DefaultClosedSeasonMonths...), true
	}
	if production == nil {
		production, fellBack = append([]string(nil), DefaultProductionMonths...), true
	}
	return closed, production, fellBack
}

// Normalize applies the legacy catalog rename.
func (d *DeclarationConfig) Normalize() {
	for i := range d.Catalog {
		if d.Catalog[i].Name == "Surubim" {
			d.Catalog[i].Name = "Surubim ou Cachara"
		}
	}
}

// Validate checks the declaration settings for sane values.
func (d DeclarationConfig) Validate() error {
	if d.DaysMin <= 0 || d.DaysMin > d.DaysMax {
		return fmt.Errorf("dias_min must be positive and not greater than dias_max")
	}
	if d.TargetMin < 0 || d.TargetMin > d.TargetMax {
		return fmt.Errorf("meta_financeira_min must be non-negative and not greater than meta_financeira_max")
	}
	if d.WeightVariance < 0 || d.WeightVariance >= 1 {
		return fmt.Errorf("variacao_peso_pct must be in [0, 1)")
	}
	for _, s := range d.Catalog {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("catalogo_especies contains an entry without a name")
		}
		if s.UnitPrice <= 0 || s.BaseWeightKg <= 0 {
			return fmt.Errorf("species %q must have positive preco and kg_base", s.Name)
		}
		if math.Round(s.UnitPrice*100) < 1 {
			return fmt.Errorf("species %q: preco must be at least 0,01", s.Name)
		}
	}
	if d.ExactTotalMonth != "" && d.ExactTotal <= 0 {
		return fmt.Errorf("total_exato must be positive when mes_total_exato is set")
	}
	return nil
}

// Months lists the calendar in form order.
var Months = []string{
	"Janeiro", "Fevereiro", "Março", "Abril", "Maio", "Junho",
	"Julho", "Agosto", "Setembro", "Outubro", "Novembro", "Dezembro",
}

var (
	DefaultClosedSeasonMonths = []string{"Janeiro", "Fevereiro", "Março", "Dezembro"}
	DefaultProductionMonths   = []string{"Abril", "Maio", "Junho", "Julho", "Agosto", "Setembro", "Outubro", "Novembro"}
)

// DefaultOpeningURLs are the work tabs of a fresh browser; the first is the declaration page.
var DefaultOpeningURLs = []string{
	"https://pesqbrasil-pescadorprofissional.mpa.gov.br/manutencao",
	"https://cadunico.dataprev.gov.br/#/home",
	"https://login.esocial.gov.br/",
	"https://cav.receita.fazenda.gov.br/",
}

// NewDefaultConfig creates a new configuration object populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

func defaultBaseDir() string {
	if runtime.GOOS == "windows" {
		return `C:\chrome_reap`
	}
	return "~/.autoreap"
}

func defaultExecutables() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			`~\AppData\Local\Google\Chrome\Application\chrome.exe`,
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	default:
		return []string{
			"/usr/bin/google-chrome",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
		}
	}
}

func defaultProcessName() string {
	if runtime.GOOS == "windows" {
		return "chrome.exe"
	}
	return "chrome"
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	base := defaultBaseDir()

	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoreap")
	v.SetDefault("logger.log_file", "autoreap.log")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", false)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.profile_dir", base)
	v.SetDefault("browser.executables", defaultExecutables())
	v.SetDefault("browser.process_name", defaultProcessName())
	v.SetDefault("browser.opening_urls", DefaultOpeningURLs)
	v.SetDefault("browser.target_url", DefaultOpeningURLs[0])
	v.SetDefault("browser.target_keywords", []string{"pesqbrasil", "manutencao"})
	v.SetDefault("browser.target_title", "pescador profissional")

	// -- Timeouts --
	v.SetDefault("timeouts.port_poll_attempts", 20)
	v.SetDefault("timeouts.port_poll_interval", "500ms")
	v.SetDefault("timeouts.recovery_pause", "1s")
	v.SetDefault("timeouts.liveness", "5s")
	v.SetDefault("timeouts.page_ready", "5s")
	v.SetDefault("timeouts.poll_interval", "100ms")
	v.SetDefault("timeouts.click_fallback", "2s")
	v.SetDefault("timeouts.list_open", "2s")
	v.SetDefault("timeouts.search_settle", "500ms")
	v.SetDefault("timeouts.combo_retry_pause", "500ms")
	v.SetDefault("timeouts.basic_marker", "8s")
	v.SetDefault("timeouts.activity_marker", "8s")
	v.SetDefault("timeouts.accordion", "10s")
	v.SetDefault("timeouts.closed_header", "3s")
	v.SetDefault("timeouts.production_header", "5s")
	v.SetDefault("timeouts.option_visible", "1500ms")
	v.SetDefault("timeouts.row_added", "2s")
	v.SetDefault("timeouts.acceptance", "10s")
	v.SetDefault("timeouts.advance", "5s")
	v.SetDefault("timeouts.advance_settle", "1s")
	v.SetDefault("timeouts.generator", "10s")
	v.SetDefault("timeouts.search_attempts", 10)
	v.SetDefault("timeouts.search_interval", "2s")

	// -- Bridge --
	v.SetDefault("bridge.listen", "127.0.0.1:8765")

	v.SetDefault("declaration_file", filepath.Join(base, "autoreapmpa.json"))

	setDeclarationDefaults(v)
}

func setDeclarationDefaults(v *viper.Viper) {
	v.SetDefault("declaration.municipio_padrao", "Nova Olinda do Maranhão")
	v.SetDefault("declaration.municipio_manual", "")
	v.SetDefault("declaration.uf_residencia", "MARANHAO")
	v.SetDefault("declaration.categoria", "Artesanal")
	v.SetDefault("declaration.forma_atuacao", "Desembarcado")
	v.SetDefault("declaration.relacao_trabalho", "Economia Familiar")
	v.SetDefault("declaration.estado_comercializacao", "MARANHAO")

	v.SetDefault("declaration.local_pesca_tipo", "Rio")
	v.SetDefault("declaration.uf_pesca", "MARANHAO")
	v.SetDefault("declaration.nome_local_pesca", "RIO TURI")
	v.SetDefault("declaration.metodos_pesca", []string{"Tarrafa"})

	v.SetDefault("declaration.grupos_alvo", []string{"Peixes"})
	v.SetDefault("declaration.compradores", []string{"Venda direta ao consumidor", "Outros"})

	v.SetDefault("declaration.dias_min", 18)
	v.SetDefault("declaration.dias_max", 22)
	v.SetDefault("declaration.meta_financeira_min", 990.00)
	v.SetDefault("declaration.meta_financeira_max", 1100.00)
	v.SetDefault("declaration.variacao_peso_pct", 0.15)

	v.SetDefault("declaration.meses_selecionados", Months)
	v.SetDefault("declaration.meses_defeso", DefaultClosedSeasonMonths)
	v.SetDefault("declaration.meses_producao", DefaultProductionMonths)

	v.SetDefault("declaration.catalogo_especies", []map[string]any{
		{"nome": "Branquinha", "preco": 12.00, "kg_base": 21},
		{"nome": "Mandi", "preco": 15.00, "kg_base": 20},
		{"nome": "Piau", "preco": 15.00, "kg_base": 20},
		{"nome": "Piaba", "preco": 12.00, "kg_base": 12},
		{"nome": "Surubim ou Cachara", "preco": 18.00, "kg_base": 17},
		{"nome": "Piau-cabeça-gorda", "preco": 15.00, "kg_base": 12},
		{"nome": "Piau-de-vara", "preco": 17.00, "kg_base": 16},
		{"nome": "Mandi, Cabeçudo, Mandiguaru", "preco": 16.00, "kg_base": 16},
	})

	v.SetDefault("declaration.mes_total_exato", "Novembro")
	v.SetDefault("declaration.total_exato", 1000.00)
}

// NewConfigFromViper unmarshals, expands and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	var err error
	if cfg.BrowserCfg.ProfileDir, err = homedir.Expand(cfg.BrowserCfg.ProfileDir); err != nil {
		return nil, fmt.Errorf("expanding browser.profile_dir: %w", err)
	}
	if cfg.DeclarationPath, err = homedir.Expand(cfg.DeclarationPath); err != nil {
		return nil, fmt.Errorf("expanding declaration_file: %w", err)
	}
	for i, p := range cfg.BrowserCfg.Executables {
		if expanded, xerr := homedir.Expand(strings.ReplaceAll(p, `~\`, "~/")); xerr == nil {
			cfg.BrowserCfg.Executables[i] = filepath.FromSlash(expanded)
		}
	}
	cfg.DeclarationCfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.DebugPort <= 0 || c.BrowserCfg.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be a valid TCP port")
	}
	if c.BrowserCfg.TargetURL == "" {
		return fmt.Errorf("browser.target_url is required")
	}
	if c.TimeoutsCfg.PortPollAttempts <= 0 {
		return fmt.Errorf("timeouts.port_poll_attempts must be a positive integer")
	}
	if c.TimeoutsCfg.PollInterval <= 0 {
		return fmt.Errorf("timeouts.poll_interval must be positive")
	}
	if err := c.DeclarationCfg.Validate(); err != nil {
		return fmt.Errorf("declaration configuration invalid: %w", err)
	}
	return nil
}

// MergeDeclarationFile overlays the persisted declaration settings at path onto v.
// A missing file is not an error.
func MergeDeclarationFile(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("json")
	if err := dv.ReadInConfig(); err != nil {
		return fmt.Errorf("reading declaration file %s: %w", path, err)
	}
	return v.MergeConfigMap(map[string]any{"declaration": dv.AllSettings()})
}

// SaveDeclaration writes the declaration settings to path as indented JSON.
func SaveDeclaration(path string, d DeclarationConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(d, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding declaration settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing declaration settings: %w", err)
	}
	return nil
}

// DefaultDeclaration returns the built-in declaration settings.
func DefaultDeclaration() DeclarationConfig {
	return NewDefaultConfig().DeclarationCfg
}
