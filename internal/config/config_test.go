// File: internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "autoreap", cfg.Logger().ServiceName)
	assert.Equal(t, 9222, cfg.Browser().DebugPort)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Browser().DebugURL())
	assert.Equal(t, DefaultOpeningURLs[0], cfg.Browser().TargetURL)
	assert.Equal(t, 20, cfg.Timeouts().PortPollAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts().PortPollInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeouts().OptionVisible)
	assert.Equal(t, 10*time.Second, cfg.Timeouts().Generator)

	d := cfg.Declaration()
	assert.Equal(t, "MARANHAO", d.ResidencyState)
	assert.Equal(t, []string{"Tarrafa"}, d.FishingMethods)
	assert.Equal(t, 18, d.DaysMin)
	assert.Equal(t, 22, d.DaysMax)
	assert.Equal(t, 990.0, d.TargetMin)
	assert.Equal(t, 1100.0, d.TargetMax)
	assert.Len(t, d.SelectedMonths, 12)
	require.Len(t, d.Catalog, 8)
	assert.Equal(t, Species{Name: "Branquinha", UnitPrice: 12, BaseWeightKg: 21}, d.Catalog[0])
	assert.Equal(t, "Novembro", d.ExactTotalMonth)
	assert.Equal(t, 1000.0, d.ExactTotal)
}

func TestEffectiveMunicipality(t *testing.T) {
	d := DeclarationConfig{DefaultMunicipality: "Zé Doca", ManualMunicipality: "Turiaçu"}
	assert.Equal(t, "Zé Doca", d.EffectiveMunicipality())

	d.DefaultMunicipality = OtherMunicipality
	assert.Equal(t, "Turiaçu", d.EffectiveMunicipality())
}

func TestMonthPlan(t *testing.T) {
	t.Run("Configured lists are kept", func(t *testing.T) {
		d := DeclarationConfig{ClosedSeasonMonths: []string{"Janeiro"}, ProductionMonths: []string{}}
		closed, production, fellBack := d.MonthPlan()
		assert.Equal(t, []string{"Janeiro"}, closed)
		assert.Empty(t, production)
		assert.False(t, fellBack)
	})

	t.Run("Missing lists fall back", func(t *testing.T) {
		closed, production, fellBack := DeclarationConfig{}.MonthPlan()
		assert.Equal(t, DefaultClosedSeasonMonths, closed)
		assert.Equal(t, DefaultProductionMonths, production)
		assert.True(t, fellBack)

		// The returned slices must not alias the package defaults.
		closed[0] = "mutated"
		assert.Equal(t, "Janeiro", DefaultClosedSeasonMonths[0])
	})
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Defaults are valid", func(t *testing.T) {
		assert.NoError(t, NewDefaultConfig().Validate())
	})

	t.Run("Invalid debug port", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.BrowserCfg.DebugPort = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.debug_port")
	})

	t.Run("Declaration ranges", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.DeclarationCfg.DaysMin = 30
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dias_min")

		cfg = NewDefaultConfig()
		cfg.DeclarationCfg.TargetMax = 100
		assert.ErrorContains(t, cfg.Validate(), "meta_financeira_min")

		cfg = NewDefaultConfig()
		cfg.DeclarationCfg.WeightVariance = 1
		assert.ErrorContains(t, cfg.Validate(), "variacao_peso_pct")
	})

	t.Run("Catalog invariants", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.DeclarationCfg.Catalog[2].UnitPrice = 0
		assert.ErrorContains(t, cfg.Validate(), "Piau")

		cfg = NewDefaultConfig()
		cfg.DeclarationCfg.Catalog[1].BaseWeightKg = -3
		assert.ErrorContains(t, cfg.Validate(), "kg_base")

		cfg = NewDefaultConfig()
		cfg.DeclarationCfg.Catalog[0].UnitPrice = 0.004
		assert.ErrorContains(t, cfg.Validate(), "at least 0,01")
	})
}

// -- Loading and Persistence Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Environment overrides", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.debug_port", 9333)
		v.Set("timeouts.accordion", "3s")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 9333, cfg.Browser().DebugPort)
		assert.Equal(t, 3*time.Second, cfg.Timeouts().Accordion)
	})

	t.Run("Home directory is expanded", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.profile_dir", "~/reap-profile")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.NotContains(t, cfg.Browser().ProfileDir, "~")
		assert.True(t, filepath.IsAbs(cfg.Browser().ProfileDir))
	})
}

func TestDeclarationFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings", "autoreapmpa.json")

	d := DefaultDeclaration()
	d.DefaultMunicipality = OtherMunicipality
	d.ManualMunicipality = "Santa Luzia do Paruá"
	d.SelectedMonths = []string{"Abril", "Novembro"}
	d.Catalog = append(d.Catalog[:2], Species{Name: "Surubim", UnitPrice: 18, BaseWeightKg: 17})
	require.NoError(t, SaveDeclaration(path, d))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"municipio_manual": "Santa Luzia do Paruá"`)

	v := viper.New()
	SetDefaults(v)
	require.NoError(t, MergeDeclarationFile(v, path))
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	got := cfg.Declaration()
	assert.Equal(t, "Santa Luzia do Paruá", got.EffectiveMunicipality())
	assert.Equal(t, []string{"Abril", "Novembro"}, got.SelectedMonths)
	require.Len(t, got.Catalog, 3)
	assert.Equal(t, "Surubim ou Cachara", got.Catalog[2].Name, "legacy species name should be migrated")
	assert.Equal(t, 17, got.Catalog[2].BaseWeightKg)
}

func TestMergeDeclarationFile_Missing(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	assert.NoError(t, MergeDeclarationFile(v, filepath.Join(t.TempDir(), "absent.json")))
}

func TestMergeDeclarationFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	v := viper.New()
	SetDefaults(v)
	assert.Error(t, MergeDeclarationFile(v, path))
}
