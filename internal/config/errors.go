package config

import "errors"

var (
	ErrReadingConfigFile    = errors.New("failed to read config file")
	ErrUnmarshallingConfig  = errors.New("failed to unmarshal config")
	ErrConfigFileMissing    = errors.New("config file not found")
	ErrUnknownSource        = errors.New("acquisition source must be 'synthetic' or 'serial'")
	ErrInvalidChannels      = errors.New("acquisition channels must be positive")
	ErrInvalidSampleRate    = errors.New("acquisition sampleRate must be positive")
	ErrInvalidBlockSize     = errors.New("acquisition blockSize must be positive")
	ErrInvalidRetention     = errors.New("retention must hold at least one block and the capture window")
	ErrEmptySerialPort      = errors.New("serial port cannot be empty")
	ErrInvalidWindow        = errors.New("window preMs and postMs must be non-negative with a positive sum")
	ErrInvalidWorkerTimings = errors.New("worker waitTimeout and retryInterval must be positive")
	ErrInvalidRetryBudget   = errors.New("worker retryBudget must be positive")
	ErrInvalidQueueCapacity = errors.New("worker queueCapacity cannot be negative")
	ErrInvalidCondition     = errors.New("invalid trigger condition")
	ErrEmptyKafkaBrokers    = errors.New("kafka brokers list cannot be empty")
	ErrEmptyKafkaTopic      = errors.New("kafka topic cannot be empty")
	ErrEmptyKafkaGroupID    = errors.New("kafka groupID cannot be empty")
	ErrEmptyTelemetryAddr   = errors.New("telemetry addr cannot be empty")
)
