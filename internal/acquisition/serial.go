package acquisition

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// stopSequence terminates every packet.
var stopSequence = []byte("\r\n")

const packetHeaderSize = 8 // packet number + TTL word

// PacketSize returns the encoded length of one packet carrying the given number of channels.
func PacketSize(channels int) int {
	return packetHeaderSize + 4*channels + len(stopSequence)
}

// EncodePacket appends one little-endian packet to dst.
func EncodePacket(dst []byte, packetNumber, ttlWord uint32, readings []float32) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, packetNumber)
	dst = binary.LittleEndian.AppendUint32(dst, ttlWord)
	for _, r := range readings {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(r))
	}
	return append(dst, stopSequence...)
}

// SerialConfig describes the serial device and how its packets are grouped into blocks.
type SerialConfig struct {
	Port        string
	BaudRate    int
	Channels    int
	SampleRate  float64
	BlockSize   int
	ReadTimeout time.Duration
}

// PortOpener opens the device. OpenSerialPort is used unless another opener is supplied.
type PortOpener func(cfg SerialConfig) (io.ReadCloser, error)

// OpenSerialPort opens cfg.Port with a short read timeout so the read loop can observe cancellation.
func OpenSerialPort(cfg SerialConfig) (io.ReadCloser, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPortOpen, cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrPortOpen, cfg.Port, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrPortOpen, cfg.Port, err)
	}
	return port, nil
}

// Serial reads fixed-size packets from a serial device. Each packet carries one sample per channel
// and the state of 32 digital lines.
type Serial struct {
	cfg    SerialConfig
	open   PortOpener
	logger *zap.Logger

	packet  []byte
	block   *Block
	next    int64
	ttl     uint32
	started bool
	lastNum uint32

	dropped int
}

// SerialOption customizes a Serial source.
type SerialOption func(*Serial)

// WithPortOpener replaces OpenSerialPort, typically with an in-memory stream.
func WithPortOpener(open PortOpener) SerialOption {
	return func(s *Serial) { s.open = open }
}

// NewSerial validates cfg. The port is opened by Run.
func NewSerial(cfg SerialConfig, logger *zap.Logger, opts ...SerialOption) (*Serial, error) {
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: channels=%d sampleRate=%g blockSize=%d",
			ErrInvalidConfig, cfg.Channels, cfg.SampleRate, cfg.BlockSize)
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: serial port name is empty", ErrInvalidConfig)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Serial{
		cfg:    cfg,
		open:   OpenSerialPort,
		logger: logger,
		packet: make([]byte, PacketSize(cfg.Channels)),
		block:  newBlock(cfg.Channels, cfg.BlockSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Channels and SampleRate describe the packets the device is expected to send.
func (s *Serial) Channels() int       { return s.cfg.Channels }
func (s *Serial) SampleRate() float64 { return s.cfg.SampleRate }

// Dropped returns the number of packets discarded while resynchronising or missing from the
// packet-number sequence.
func (s *Serial) Dropped() int { return s.dropped }

// Run reads until ctx is cancelled or the port fails. Samples already gathered are delivered before
// a read error is returned.
func (s *Serial) Run(ctx context.Context, sink func(*Block)) error {
	port, err := s.open(s.cfg)
	if err != nil {
		return err
	}
	defer port.Close()

	sugar := s.logger.Sugar()
	sugar.Infow("Starting serial acquisition loop...", "port", s.cfg.Port, "baudRate", s.cfg.BaudRate)
	defer sugar.Infow("Serial acquisition loop stopped.", "port", s.cfg.Port, "samples", s.next, "dropped", s.dropped)

	s.block.reset(s.next)
	if err := s.sync(ctx, port); err != nil {
		return s.finish(ctx, sink, err)
	}

	for {
		err := s.readPacket(ctx, port)
		var oos *OutOfSyncError
		switch {
		case errors.As(err, &oos):
			s.dropped++
			s.logger.Warn("Error while attempting to read packet from serial",
				zap.Error(err), zap.String("portName", s.cfg.Port))
			if err := s.sync(ctx, port); err != nil {
				return s.finish(ctx, sink, err)
			}
			continue
		case err != nil:
			return s.finish(ctx, sink, err)
		}

		s.decode()
		if s.block.Count == s.cfg.BlockSize {
			sink(s.block)
			s.block.reset(s.next)
		}
	}
}

func (s *Serial) finish(ctx context.Context, sink func(*Block), err error) error {
	if s.block.Count > 0 {
		sink(s.block)
		s.block.reset(s.next)
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPortRead, s.cfg.Port, err)
}

func (s *Serial) readPacket(ctx context.Context, port io.Reader) error {
	if err := readFull(ctx, port, s.packet); err != nil {
		return err
	}
	if !bytes.Equal(s.packet[len(s.packet)-len(stopSequence):], stopSequence) {
		return &OutOfSyncError{ByteSequence: bytes.Clone(s.packet)}
	}
	return nil
}

// sync discards bytes up to and including the next stop sequence terminator.
func (s *Serial) sync(ctx context.Context, port io.Reader) error {
	s.logger.Warn("Resyncing serial port", zap.String("portName", s.cfg.Port))
	one := make([]byte, 1)
	last := stopSequence[len(stopSequence)-1]
	for {
		if err := readFull(ctx, port, one); err != nil {
			return err
		}
		if one[0] == last {
			return nil
		}
	}
}

// decode appends the current packet to the block.
func (s *Serial) decode() {
	num := binary.LittleEndian.Uint32(s.packet[0:4])
	word := binary.LittleEndian.Uint32(s.packet[4:8])

	sample := s.next
	if s.started {
		if gap := num - s.lastNum - 1; gap != 0 && gap < 1<<31 {
			s.dropped += int(gap)
			s.logger.Debug("Packet sequence gap",
				zap.Uint32("expected", s.lastNum+1), zap.Uint32("got", num))
		}
		for changed := word ^ s.ttl; changed != 0; changed &= changed - 1 {
			line := bits.TrailingZeros32(changed)
			s.block.Events = append(s.block.Events, TTLEvent{
				Line:         line,
				State:        word&(1<<line) != 0,
				SampleNumber: sample,
			})
		}
	}
	s.started = true
	s.lastNum = num
	s.ttl = word

	i := s.block.Count
	for ch := range s.block.Samples {
		off := packetHeaderSize + 4*ch
		s.block.Samples[ch][i] = math.Float32frombits(binary.LittleEndian.Uint32(s.packet[off : off+4]))
	}
	s.block.Count++
	s.next++
}

// readFull fills buf. A zero-length read is a port timeout and is retried until ctx is done.
func readFull(ctx context.Context, r io.Reader, buf []byte) error {
	count := 0
	for count < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(buf[count:])
		count += n
		if err != nil {
			if count == len(buf) && errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
