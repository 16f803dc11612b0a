package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"areapresence/internal/area"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied to fields an area leaves out
const (
	DefaultClearTimeout    = 60 * time.Second
	DefaultExtendedTimeout = 60 * time.Second
	DefaultUpdateInterval  = 30 * time.Second
	DefaultManualTimeout   = 10 * time.Minute
	DefaultMinIlluminance  = 10.0
	DefaultMaxIlluminance  = 50.0
	DefaultDimLevel        = 100
	DefaultOnValue         = "on"
	DefaultAPIPort         = 8080
)

var (
	defaultPlatforms     = []string{"binary_sensor", "media_player"}
	defaultDeviceClasses = []string{"motion", "occupancy", "presence"}
	defaultOnStates      = []string{"on"}
)

// Duration accepts either a Go duration string ("90s", "10m") or a plain
// number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	s := strings.TrimSpace(value.Value)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// AreasConfig represents the areas.yaml structure
type AreasConfig struct {
	Areas []AreaConfig `yaml:"areas"`
}

// AreaConfig is one area as written in areas.yaml
type AreaConfig struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Entities        []string       `yaml:"entities"`
	Presence        PresenceConfig `yaml:"presence"`
	Humidity        HumidityConfig `yaml:"humidity"`
	ClearTimeout    *Duration      `yaml:"clear_timeout"`
	ExtendedTimeout *Duration      `yaml:"extended_timeout"`
	UpdateInterval  Duration       `yaml:"update_interval"`
	Lights          LightsConfig   `yaml:"lights"`
	States          []StateConfig  `yaml:"states"`
}

// PresenceConfig selects the sensors that vote on occupancy
type PresenceConfig struct {
	Platforms     []string `yaml:"platforms"`
	DeviceClasses []string `yaml:"device_classes"`
	OnStates      []string `yaml:"on_states"`
	Mode          string   `yaml:"mode"`
}

// HumidityConfig names the humidity trend sensors
type HumidityConfig struct {
	Occupied string `yaml:"occupied"`
	Empty    string `yaml:"empty"`
}

// LightsConfig configures the light controller
type LightsConfig struct {
	ControlEnabled    *bool    `yaml:"control_enabled"`
	ManualTimeout     Duration `yaml:"manual_timeout"`
	IlluminanceSensor string   `yaml:"illuminance_sensor"`
	MinIlluminance    *float64 `yaml:"min_illuminance"`
	MaxIlluminance    *float64 `yaml:"max_illuminance"`
}

// StateConfig binds a state to a trigger entity and a set of lights
type StateConfig struct {
	State    string   `yaml:"state"`
	Entity   string   `yaml:"entity"`
	OnValue  string   `yaml:"on_value"`
	Lights   []string `yaml:"lights"`
	DimLevel *int     `yaml:"dim_level"`
}

// ServicesConfig represents the optional services.yaml structure
type ServicesConfig struct {
	StorePath   string       `yaml:"store_path"`
	HistoryPath string       `yaml:"history_path"`
	APIPort     int          `yaml:"api_port"`
	ResetEntity string       `yaml:"reset_entity"`
	MQTT        MQTTConfig   `yaml:"mqtt"`
	Influx      InfluxConfig `yaml:"influx"`
}

// MQTTConfig configures state publication. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// InfluxConfig configures metrics. An empty URL disables them.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// ApplyEnv overrides service settings from environment variables
func (s *ServicesConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv("STORE_PATH"); v != "" {
		s.StorePath = v
	}
	if v := getenv("HISTORY_PATH"); v != "" {
		s.HistoryPath = v
	}
	if v := getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.APIPort = port
		}
	}
	if v := getenv("RESET_ENTITY"); v != "" {
		s.ResetEntity = v
	}
	if v := getenv("MQTT_BROKER"); v != "" {
		s.MQTT.Broker = v
	}
	if v := getenv("INFLUX_URL"); v != "" {
		s.Influx.URL = v
	}
	if v := getenv("INFLUX_TOKEN"); v != "" {
		s.Influx.Token = v
	}
}

func (s *ServicesConfig) applyDefaults() {
	if s.StorePath == "" {
		s.StorePath = "areapresence.db"
	}
	if s.HistoryPath == "" {
		s.HistoryPath = "history.sqlite"
	}
	if s.APIPort == 0 {
		s.APIPort = DefaultAPIPort
	}
	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = "areapresence"
	}
	if s.MQTT.TopicPrefix == "" {
		s.MQTT.TopicPrefix = "areapresence"
	}
	if s.Influx.Bucket == "" {
		s.Influx.Bucket = "areapresence"
	}
}

// Loader manages configuration file loading
type Loader struct {
	configDir      string
	logger         *zap.Logger
	areasConfig    *AreasConfig
	servicesConfig *ServicesConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger,
	}
}

// LoadAll loads all configuration files
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadAreasConfig(); err != nil {
		return fmt.Errorf("failed to load areas config: %w", err)
	}

	if err := l.LoadServicesConfig(); err != nil {
		return fmt.Errorf("failed to load services config: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadAreasConfig loads and validates the areas.yaml file
func (l *Loader) LoadAreasConfig() error {
	path := filepath.Join(l.configDir, "areas.yaml")
	l.logger.Debug("Loading areas config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read areas config: %w", err)
	}

	var config AreasConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse areas config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	l.areasConfig = &config
	l.logger.Info("Areas config loaded successfully", zap.Int("areas", len(config.Areas)))
	return nil
}

// LoadServicesConfig loads services.yaml. The file is optional.
func (l *Loader) LoadServicesConfig() error {
	path := filepath.Join(l.configDir, "services.yaml")
	l.logger.Debug("Loading services config", zap.String("path", path))

	var config ServicesConfig
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		l.logger.Info("No services config, using defaults")
	case err != nil:
		return fmt.Errorf("failed to read services config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("failed to parse services config: %w", err)
		}
	}

	config.applyDefaults()
	l.servicesConfig = &config
	return nil
}

// GetAreasConfig returns the loaded areas config
func (l *Loader) GetAreasConfig() *AreasConfig {
	return l.areasConfig
}

// GetServicesConfig returns the loaded services config
func (l *Loader) GetServicesConfig() *ServicesConfig {
	return l.servicesConfig
}

// Areas converts the loaded areas config into runtime areas
func (l *Loader) Areas() ([]*area.Area, error) {
	if l.areasConfig == nil {
		return nil, fmt.Errorf("areas config not loaded")
	}
	return l.areasConfig.Build()
}

// Validate checks every area for errors
func (c *AreasConfig) Validate() error {
	var errs []string
	seen := make(map[string]bool)

	for i, a := range c.Areas {
		prefix := fmt.Sprintf("areas[%d]", i)
		if a.ID != "" {
			prefix = fmt.Sprintf("area %s", a.ID)
		}

		if a.ID == "" {
			errs = append(errs, prefix+": id is required")
		} else if seen[a.ID] {
			errs = append(errs, prefix+": duplicate id")
		}
		seen[a.ID] = true

		switch area.PresenceMode(a.Presence.Mode) {
		case "", area.ModeAny, area.ModeAll:
		default:
			errs = append(errs, fmt.Sprintf("%s: presence mode must be any or all, got %q", prefix, a.Presence.Mode))
		}

		if negative(a.ClearTimeout) || negative(a.ExtendedTimeout) || a.UpdateInterval < 0 || a.Lights.ManualTimeout < 0 {
			errs = append(errs, prefix+": durations must not be negative")
		}

		minLux, maxLux := a.Lights.illuminanceRange()
		if minLux >= maxLux {
			errs = append(errs, fmt.Sprintf("%s: min_illuminance %v must be below max_illuminance %v", prefix, minLux, maxLux))
		}

		if (a.Humidity.Occupied == "") != (a.Humidity.Empty == "") {
			errs = append(errs, prefix+": humidity needs both occupied and empty sensors")
		}

		for j, s := range a.States {
			st, err := area.ParseState(s.State)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: states[%d]: %v", prefix, j, err))
				continue
			}
			if st.Secondary() && s.Entity == "" {
				errs = append(errs, fmt.Sprintf("%s: state %s needs a trigger entity", prefix, st))
			}
			if !st.Secondary() && s.Entity != "" {
				errs = append(errs, fmt.Sprintf("%s: state %s cannot have a trigger entity", prefix, st))
			}
			if s.DimLevel != nil && (*s.DimLevel < 0 || *s.DimLevel > 100) {
				errs = append(errs, fmt.Sprintf("%s: state %s dim_level must be between 0 and 100", prefix, st))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Build converts the config into runtime areas, applying defaults
func (c *AreasConfig) Build() ([]*area.Area, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	areas := make([]*area.Area, 0, len(c.Areas))
	for _, ac := range c.Areas {
		areas = append(areas, ac.build())
	}
	return areas, nil
}

func (ac AreaConfig) build() *area.Area {
	a := &area.Area{
		ID:       ac.ID,
		Name:     ac.Name,
		Entities: append([]string(nil), ac.Entities...),
		Presence: area.Presence{
			Platforms:     orDefault(ac.Presence.Platforms, defaultPlatforms),
			DeviceClasses: orDefault(ac.Presence.DeviceClasses, defaultDeviceClasses),
			OnStates:      orDefault(ac.Presence.OnStates, defaultOnStates),
			Mode:          area.ModeAny,
		},
		Humidity: area.Humidity{
			Occupied: ac.Humidity.Occupied,
			Empty:    ac.Humidity.Empty,
		},
		ClearTimeout:    timeoutOr(ac.ClearTimeout, DefaultClearTimeout),
		ExtendedTimeout: timeoutOr(ac.ExtendedTimeout, DefaultExtendedTimeout),
		UpdateInterval:  durationOr(ac.UpdateInterval, DefaultUpdateInterval),
		Lighting: area.Lighting{
			ControlEnabled:    ac.Lights.ControlEnabled == nil || *ac.Lights.ControlEnabled,
			ManualTimeout:     durationOr(ac.Lights.ManualTimeout, DefaultManualTimeout),
			IlluminanceSensor: ac.Lights.IlluminanceSensor,
		},
	}
	if a.Name == "" {
		a.Name = ac.ID
	}
	if ac.Presence.Mode != "" {
		a.Presence.Mode = area.PresenceMode(ac.Presence.Mode)
	}
	a.Lighting.MinIlluminance, a.Lighting.MaxIlluminance = ac.Lights.illuminanceRange()

	for _, s := range ac.States {
		st, _ := area.ParseState(s.State)
		onValue := strings.ToLower(s.OnValue)
		if onValue == "" {
			onValue = DefaultOnValue
		}
		dim := DefaultDimLevel
		if s.DimLevel != nil {
			dim = *s.DimLevel
		}
		a.States = append(a.States, area.StateConfig{
			State:    st,
			Entity:   s.Entity,
			OnValue:  onValue,
			Lights:   append([]string(nil), s.Lights...),
			DimLevel: dim,
		})
	}

	return a
}

func (lc LightsConfig) illuminanceRange() (float64, float64) {
	minLux, maxLux := DefaultMinIlluminance, DefaultMaxIlluminance
	if lc.MinIlluminance != nil {
		minLux = *lc.MinIlluminance
	}
	if lc.MaxIlluminance != nil {
		maxLux = *lc.MaxIlluminance
	}
	return minLux, maxLux
}

func orDefault(values, def []string) []string {
	if len(values) == 0 {
		return append([]string(nil), def...)
	}
	return append([]string(nil), values...)
}

// durationOr treats zero as unset. Used where a zero duration has no meaning.
func durationOr(d Duration, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d.Duration()
}

// timeoutOr only falls back when the key is absent, so an explicit 0 holds
func timeoutOr(d *Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.Duration()
}

func negative(d *Duration) bool {
	return d != nil && *d < 0
}
