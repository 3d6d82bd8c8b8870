package regions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "entitler.yaml")

	content := `
regions:
  - name: "US_EAST"
    display_name: "US East"
  - name: "LATAM"
    display_name: "Latin America"
`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Len(t, cfg.Regions, 2)
	assert.Equal(t, "US_EAST", cfg.Regions[0].Name)
	assert.Equal(t, "US East", cfg.Regions[0].DisplayName)
	assert.Equal(t, "LATAM", cfg.Regions[1].Name)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/entitler.yaml")

	// Missing file should return empty config, no error (graceful degradation)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Regions)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "entitler.yaml")

	content := `regions: [unclosed`
	err := os.WriteFile(configPath, []byte(content), 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	// Invalid YAML degrades to empty config, no error
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Regions)
}

func TestLoadConfig_EmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "entitler.yaml")

	err := os.WriteFile(configPath, []byte{}, 0644)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Empty(t, cfg.Regions)
}

func TestNewRegistry_BuiltInDefaults(t *testing.T) {
	registry := NewRegistry(nil)

	assert.Equal(t, 4, registry.Count())
	assert.Equal(t, []string{"ASIA_PAC", "EUROPE", "US_EAST", "US_WEST"}, registry.Names())

	assert.True(t, registry.IsKnown("US_EAST"))
	assert.False(t, registry.IsKnown("us_east"))
	assert.False(t, registry.IsKnown("MARS"))

	region, ok := registry.Get("ASIA_PAC")
	require.True(t, ok)
	assert.Equal(t, "Asia Pacific", region.DisplayName)
}

func TestNewRegistry_ConfigReplacesDefaults(t *testing.T) {
	cfg := &Config{
		Regions: []Region{
			{Name: "US_EAST", DisplayName: "US East"},
			{Name: "LATAM"},
		},
	}

	registry := NewRegistry(cfg)

	assert.Equal(t, 2, registry.Count())
	assert.True(t, registry.IsKnown("LATAM"))
	assert.False(t, registry.IsKnown("EUROPE"))

	// Missing display name falls back to the canonical name.
	region, ok := registry.Get("LATAM")
	require.True(t, ok)
	assert.Equal(t, "LATAM", region.DisplayName)
}

func TestNewRegistry_SkipsInvalidEntries(t *testing.T) {
	cfg := &Config{
		Regions: []Region{
			{Name: "US_EAST"},
			{Name: ""},
			{Name: "us_west"},
			{Name: "9REGION"},
			{Name: "US_EAST", DisplayName: "duplicate"},
			{Name: "  EUROPE  ", DisplayName: "trimmed"},
		},
	}

	registry := NewRegistry(cfg)

	assert.Equal(t, 2, registry.Count())
	assert.Equal(t, []string{"EUROPE", "US_EAST"}, registry.Names())

	// The first occurrence of a duplicate wins.
	region, ok := registry.Get("US_EAST")
	require.True(t, ok)
	assert.Equal(t, "US_EAST", region.DisplayName)
}

func TestNewRegistry_AllInvalidFallsBackToDefaults(t *testing.T) {
	cfg := &Config{
		Regions: []Region{
			{Name: "lowercase"},
			{Name: ""},
		},
	}

	registry := NewRegistry(cfg)

	assert.Equal(t, 4, registry.Count())
	assert.True(t, registry.IsKnown("US_WEST"))
}

func TestRegistry_NilSafety(t *testing.T) {
	var registry *Registry

	assert.False(t, registry.IsKnown("US_EAST"))
	assert.Equal(t, 0, registry.Count())
	assert.Nil(t, registry.Names())

	_, ok := registry.Get("US_EAST")
	assert.False(t, ok)
}

func TestRegistry_NamesReturnsCopy(t *testing.T) {
	registry := NewRegistry(nil)

	names := registry.Names()
	names[0] = "MUTATED"

	assert.Equal(t, []string{"ASIA_PAC", "EUROPE", "US_EAST", "US_WEST"}, registry.Names())
}
