package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/mattn/go-shellwords"
)

const defaultStartTimeout = 2 * time.Second

// ExecSource runs an external capture command (arecord, parec, sox, ...) that
// writes raw signed 16-bit little-endian PCM to stdout.
//
// Open does not return until the command has produced its first frame, so a
// recorder that cannot acquire the device fails Open rather than the first
// Read.
type ExecSource struct {
	cmd          []string
	frameMS      int
	startTimeout time.Duration
	log          *slog.Logger
}

func NewExecSource(command string, frameMS int, log *slog.Logger) (*ExecSource, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if frameMS <= 0 {
		frameMS = 20
	}
	return &ExecSource{cmd: args, frameMS: frameMS, startTimeout: defaultStartTimeout, log: log}, nil
}

func (s *ExecSource) Name() string {
	return "exec:" + s.cmd[0]
}

func (s *ExecSource) Open(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, s.cmd[0], s.cmd[1:]...)
	cmd.WaitDelay = time.Second
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrDeviceUnavailable, s.cmd[0], err)
	}
	s.log.Debug("capture process started", slog.String("command", s.cmd[0]), slog.Int("pid", cmd.Process.Pid))

	frameBytes := format.SampleRate * s.frameMS / 1000 * format.Channels * 2
	if frameBytes <= 0 {
		frameBytes = format.Channels * 2
	}
	st := &execStream{
		cmd:    cmd,
		cancel: cancel,
		stdout: stdout,
		stderr: stderr,
		buf:    make([]byte, frameBytes),
		log:    s.log,
	}
	if err := st.prime(s.startTimeout); err != nil {
		_ = st.Stop()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, s.cmd[0], err)
	}
	return st, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr *tailBuffer
	buf    []byte
	log    *slog.Logger

	mu      sync.Mutex
	primed  []float32
	stopped bool
	waitErr error
	waited  bool
}

type frameResult struct {
	samples []float32
	err     error
}

// prime waits for the first frame and keeps it for the first Read.
func (s *execStream) prime(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	first := make(chan frameResult, 1)
	go func() {
		samples, err := s.readFrame()
		first <- frameResult{samples: samples, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-first:
		if len(res.samples) > 0 {
			s.mu.Lock()
			s.primed = res.samples
			s.mu.Unlock()
			return nil
		}
		if res.err == nil || errors.Is(res.err, io.EOF) {
			return s.withStderr(errors.New("exited before producing audio"))
		}
		return res.err
	case <-timer.C:
		_ = s.Stop()
		<-first
		return s.withStderr(fmt.Errorf("no audio within %s", timeout))
	}
}

func (s *execStream) withStderr(err error) error {
	if msg := s.stderr.String(); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

func (s *execStream) Read() ([]float32, error) {
	s.mu.Lock()
	primed := s.primed
	s.primed = nil
	s.mu.Unlock()
	if primed != nil {
		return primed, nil
	}
	return s.readFrame()
}

func (s *execStream) readFrame() ([]float32, error) {
	n, err := io.ReadFull(s.stdout, s.buf)
	// Keep whole samples only; a torn trailing byte is dropped.
	n -= n % 2
	if n > 0 {
		samples, convErr := audio.S16LEToFloat32(s.buf[:n])
		if convErr != nil {
			return nil, convErr
		}
		return samples, nil
	}
	if err == nil {
		return nil, nil
	}
	if s.isStopped() {
		return nil, io.EOF
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if waitErr := s.wait(); waitErr != nil {
			return nil, fmt.Errorf("capture process exited: %w", s.withStderr(waitErr))
		}
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read capture output: %w", err)
}

func (s *execStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *execStream) wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.waited {
		s.waited = true
		s.waitErr = s.cmd.Wait()
	}
	return s.waitErr
}

func (s *execStream) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	err := s.wait()
	if err != nil && s.cmd.ProcessState != nil && !s.cmd.ProcessState.Success() {
		// Killed by us; the exit status carries no information.
		s.log.Debug("capture process stopped", slog.String("state", s.cmd.ProcessState.String()))
		return nil
	}
	if err != nil {
		s.log.Warn("capture process stop failed", slogError(err))
	}
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
