package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SourceSynthetic = "synthetic"
	SourceSerial    = "serial"

	defaultSource            = SourceSynthetic
	defaultChannels          = 8
	defaultSampleRate        = 30000.0
	defaultBlockSize         = 1024
	defaultRetentionSeconds  = 10.0
	defaultSerialBaudRate    = 460800
	defaultSerialReadTimeout = 5 * time.Millisecond
	defaultPreMs             = 500.0
	defaultPostMs            = 2000.0
	defaultWaitTimeout       = 100 * time.Millisecond
	defaultRetryInterval     = 20 * time.Millisecond
	defaultRetryBudget       = 250
	defaultQueueCapacity     = 4096
	defaultKafkaTopic        = "triggers"
	defaultKafkaGroupID      = "triggeredavg-default-group"
	defaultTelemetryAddr     = ":9464"
	defaultLogLevel          = "info"
	defaultLogFormat         = "console"
	defaultLogFileEnabled    = false
	defaultLogDirectory      = "log"
	defaultLogFilename       = "app.log"
	defaultLogMaxSizeMB      = 100
	defaultLogMaxBackups     = 3
	defaultLogMaxAgeDays     = 7
	defaultLogCompress       = false

	// Environment variable prefix
	envPrefix = "TRIGAVG"
)

type Config struct {
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Window      WindowConfig      `mapstructure:"window"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Conditions  []ConditionConfig `mapstructure:"conditions"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Log         LogConfig         `mapstructure:"log"`
}

type AcquisitionConfig struct {
	Source           string          `mapstructure:"source"` // "synthetic" or "serial"
	Channels         int             `mapstructure:"channels"`
	SampleRate       float64         `mapstructure:"sampleRate"`
	BlockSize        int             `mapstructure:"blockSize"`
	RetentionSeconds float64         `mapstructure:"retentionSeconds"`
	CapacitySamples  int             `mapstructure:"capacitySamples"` // overrides retentionSeconds when set
	Synthetic        SyntheticConfig `mapstructure:"synthetic"`
	Serial           SerialConfig    `mapstructure:"serial"`
}

type SyntheticConfig struct {
	Frequency         float64       `mapstructure:"frequency"`
	Amplitude         float64       `mapstructure:"amplitude"`
	Noise             float64       `mapstructure:"noise"`
	TTLLine           int           `mapstructure:"ttlLine"`
	PulseInterval     time.Duration `mapstructure:"pulseInterval"` // 0 disables pulses
	PulseWidth        time.Duration `mapstructure:"pulseWidth"`
	ResponseAmplitude float64       `mapstructure:"responseAmplitude"`
	ResponseDuration  time.Duration `mapstructure:"responseDuration"`
	Seed              uint64        `mapstructure:"seed"`
}

type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baudRate"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type WindowConfig struct {
	PreMs  float64 `mapstructure:"preMs"`
	PostMs float64 `mapstructure:"postMs"`
}

type WorkerConfig struct {
	WaitTimeout   time.Duration `mapstructure:"waitTimeout"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
	RetryBudget   int           `mapstructure:"retryBudget"`
	QueueCapacity int           `mapstructure:"queueCapacity"` // 0 is unbounded
}

type ConditionConfig struct {
	Name string `mapstructure:"name"`
	Line int    `mapstructure:"line"` // -1 responds to every line
	Type string `mapstructure:"type"` // ttl, message, ttl_and_message; checked when the registry is built
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"groupID"`
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LogConfig struct {
	Level              string `mapstructure:"level"`
	Format             string `mapstructure:"format"`
	FileLoggingEnabled bool   `mapstructure:"fileLoggingEnabled"`
	Directory          string `mapstructure:"directory"`
	Filename           string `mapstructure:"filename"`
	MaxSize            int    `mapstructure:"maxSize"`    // Max size in MB
	MaxBackups         int    `mapstructure:"maxBackups"` // Max backup files
	MaxAge             int    `mapstructure:"maxAge"`     // Max days to retain
	Compress           bool   `mapstructure:"compress"`   // Compress rotated files?
}

// MsToSamples converts a duration in milliseconds to a whole number of samples, rounding to nearest.
func MsToSamples(ms, sampleRate float64) int {
	return int(math.Round(ms * sampleRate / 1000))
}

// Samples returns the window extents at the given sample rate.
func (w WindowConfig) Samples(sampleRate float64) (pre, post int) {
	return MsToSamples(w.PreMs, sampleRate), MsToSamples(w.PostMs, sampleRate)
}

// Capacity returns the ring buffer length in samples per channel.
func (a AcquisitionConfig) Capacity() int {
	if a.CapacitySamples > 0 {
		return a.CapacitySamples
	}
	return int(math.Ceil(a.SampleRate * a.RetentionSeconds))
}

// Load initializes viper, reads config, applies defaults, unmarshals, and validates.
// An empty configPath relies on defaults and environment variables only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	configureViper(v, configPath)

	// Set default values before reading config source .yaml
	setDefaults(v)

	if configPath != "" {
		if err := readConfigFile(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnmarshallingConfig, err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// configureViper sets up viper instance for file and environment variables.
func configureViper(v *viper.Viper, configPath string) {
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults applies default configuration values using Viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("acquisition.source", defaultSource)
	v.SetDefault("acquisition.channels", defaultChannels)
	v.SetDefault("acquisition.sampleRate", defaultSampleRate)
	v.SetDefault("acquisition.blockSize", defaultBlockSize)
	v.SetDefault("acquisition.retentionSeconds", defaultRetentionSeconds)
	v.SetDefault("acquisition.capacitySamples", 0)
	v.SetDefault("acquisition.synthetic.frequency", 10.0)
	v.SetDefault("acquisition.synthetic.amplitude", 50.0)
	v.SetDefault("acquisition.synthetic.noise", 10.0)
	v.SetDefault("acquisition.synthetic.ttlLine", 0)
	v.SetDefault("acquisition.synthetic.pulseInterval", time.Second)
	v.SetDefault("acquisition.synthetic.pulseWidth", 10*time.Millisecond)
	v.SetDefault("acquisition.synthetic.responseAmplitude", 100.0)
	v.SetDefault("acquisition.synthetic.responseDuration", 200*time.Millisecond)
	v.SetDefault("acquisition.synthetic.seed", 1)
	v.SetDefault("acquisition.serial.baudRate", defaultSerialBaudRate)
	v.SetDefault("acquisition.serial.readTimeout", defaultSerialReadTimeout)
	v.SetDefault("window.preMs", defaultPreMs)
	v.SetDefault("window.postMs", defaultPostMs)
	v.SetDefault("worker.waitTimeout", defaultWaitTimeout)
	v.SetDefault("worker.retryInterval", defaultRetryInterval)
	v.SetDefault("worker.retryBudget", defaultRetryBudget)
	v.SetDefault("worker.queueCapacity", defaultQueueCapacity)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", defaultKafkaTopic)
	v.SetDefault("kafka.groupID", defaultKafkaGroupID)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.addr", defaultTelemetryAddr)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.format", defaultLogFormat)
	v.SetDefault("log.fileLoggingEnabled", defaultLogFileEnabled)
	v.SetDefault("log.directory", defaultLogDirectory)
	v.SetDefault("log.filename", defaultLogFilename)
	v.SetDefault("log.maxSize", defaultLogMaxSizeMB)
	v.SetDefault("log.maxBackups", defaultLogMaxBackups)
	v.SetDefault("log.maxAge", defaultLogMaxAgeDays)
	v.SetDefault("log.compress", defaultLogCompress)
}

// readConfigFile attempts to read the configuration file specified in viper.
func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) || errors.Is(err, fs.ErrNotExist) {
			return ErrConfigFileMissing
		}
		return fmt.Errorf("%w: %w", ErrReadingConfigFile, err)
	}
	return nil
}

func validateConfig(cfg *Config) error {
	acq := cfg.Acquisition
	switch acq.Source {
	case SourceSynthetic:
	case SourceSerial:
		if acq.Serial.Port == "" {
			return ErrEmptySerialPort
		}
	default:
		return fmt.Errorf("%w: got %q", ErrUnknownSource, acq.Source)
	}
	if acq.Channels <= 0 {
		return ErrInvalidChannels
	}
	if acq.SampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	if acq.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}

	w := cfg.Window
	if w.PreMs < 0 || w.PostMs < 0 || w.PreMs+w.PostMs <= 0 {
		return ErrInvalidWindow
	}
	pre, post := w.Samples(acq.SampleRate)
	if pre+post <= 0 {
		return ErrInvalidWindow
	}
	if capacity := acq.Capacity(); capacity < acq.BlockSize || capacity < pre+post {
		return fmt.Errorf("%w: capacity %d samples, block %d, window %d",
			ErrInvalidRetention, capacity, acq.BlockSize, pre+post)
	}

	if cfg.Worker.WaitTimeout <= 0 || cfg.Worker.RetryInterval <= 0 {
		return ErrInvalidWorkerTimings
	}
	if cfg.Worker.RetryBudget <= 0 {
		return ErrInvalidRetryBudget
	}
	if cfg.Worker.QueueCapacity < 0 {
		return ErrInvalidQueueCapacity
	}

	for i, c := range cfg.Conditions {
		if c.Line < -1 {
			return fmt.Errorf("%w: conditions[%d] line %d", ErrInvalidCondition, i, c.Line)
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return ErrEmptyKafkaBrokers
		}
		if cfg.Kafka.Topic == "" {
			return ErrEmptyKafkaTopic
		}
		if cfg.Kafka.GroupID == "" {
			return ErrEmptyKafkaGroupID
		}
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.Addr == "" {
		return ErrEmptyTelemetryAddr
	}
	return nil
}
