package pipeline

import "errors"

var (
	ErrInvalidKafkaConfig     = errors.New("invalid Kafka configuration provided")
	ErrKafkaFetchFailed       = errors.New("failed to fetch message from Kafka")
	ErrKafkaCommitFailed      = errors.New("failed to commit Kafka message")
	ErrConsumerCreationFailed = errors.New("failed to create consumer")
	ErrSourceCreationFailed   = errors.New("failed to create acquisition source")
	ErrBufferCreationFailed   = errors.New("failed to create ring buffer")
	ErrRegistryCreationFailed = errors.New("failed to build trigger conditions")
	ErrWorkerStartFailed      = errors.New("failed to start capture worker")
	ErrWorkerStopFailed       = errors.New("failed to stop capture worker")
	ErrConsumerRunFailed      = errors.New("consumer component failed")
	ErrAcquisitionRunFailed   = errors.New("acquisition component failed")
	ErrReporterRunFailed      = errors.New("reporter component failed")
	ErrTelemetryRunFailed     = errors.New("telemetry component failed")
	ErrWindowExceedsRetention = errors.New("capture window is longer than the ring buffer retention")
	ErrNoSampleClock          = errors.New("no samples acquired yet; cannot place message on the sample timeline")
)
