package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-ime/internal/audio"
	"github.com/loqalabs/loqa-ime/internal/config"
	"github.com/mattn/go-shellwords"
)

// execLoader starts one recognizer process per session. The process speaks
// newline-delimited JSON: it first prints {"ready":true}, then answers every
// request line with exactly one response line, in order.
//
// A request that times out leaves its reply owed. The next call first waits
// for that reply; when the call repeats the same request, as an engine retry
// does, the late reply answers it instead of the chunk being sent twice. A
// recognizer that still does not answer is marked broken.
type execLoader struct {
	cmd        []string
	cfg        config.EngineConfig
	sampleRate int
	log        *slog.Logger
}

type execRequest struct {
	Type       string `json:"type"` // feed, flush, reset
	Sequence   uint64 `json:"sequence,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	PCMBase64  string `json:"pcm_base64,omitempty"`
	Padded     int    `json:"padded,omitempty"`
}

type execResponse struct {
	Ready          bool   `json:"ready"`
	Text           string `json:"text"`
	Final          bool   `json:"final"`
	EndOfUtterance bool   `json:"eou"`
	Error          string `json:"error"`
}

func NewExecLoader(cfg config.EngineConfig, sampleRate int, log *slog.Logger) (Loader, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execLoader{cmd: args, cfg: cfg, sampleRate: sampleRate, log: log}, nil
}

func (l *execLoader) Name() string { return "exec:" + l.cmd[0] }

func (l *execLoader) timeout() time.Duration {
	if l.cfg.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(l.cfg.TimeoutMS) * time.Millisecond
}

func (l *execLoader) Load(ctx context.Context) (Transcriber, error) {
	args := append([]string{}, l.cmd[1:]...)
	args = append(args, "--sample-rate", fmt.Sprint(l.sampleRate))
	for _, model := range l.cfg.ModelPaths {
		args = append(args, "--model", model)
	}
	if l.cfg.Language != "" {
		args = append(args, "--language", l.cfg.Language)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, l.cmd[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start %s: %v", ErrInitFailed, l.cmd[0], err)
	}

	t := &execTranscriber{
		cmd:        cmd,
		cancel:     cancel,
		stdin:      stdin,
		responses:  make(chan execResponse, 1),
		sampleRate: l.sampleRate,
		timeout:    l.timeout(),
		log:        l.log,
	}
	t.readerDone = make(chan struct{})
	t.stopCh = make(chan struct{})
	go t.readLoop(stdout)

	resp, err := t.await(ctx)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}
	if resp.Error != "" || !resp.Ready {
		t.Close()
		return nil, fmt.Errorf("%w: recognizer not ready: %s", ErrInitFailed, resp.Error)
	}
	l.log.Debug("recognizer process ready", slog.String("command", l.cmd[0]), slog.Int("pid", cmd.Process.Pid))
	return t, nil
}

type execTranscriber struct {
	cmd        *exec.Cmd
	cancel     context.CancelFunc
	stdin      io.WriteCloser
	responses  chan execResponse
	readerDone chan struct{}
	stopCh     chan struct{}
	readErr    error
	sampleRate int
	timeout    time.Duration
	log        *slog.Logger

	mu     sync.Mutex
	late   *execRequest
	broken error
	closed bool
}

func (t *execTranscriber) readLoop(stdout io.Reader) {
	defer close(t.readerDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.readErr = fmt.Errorf("decode recognizer response: %w", err)
			return
		}
		select {
		case t.responses <- resp:
		case <-t.stopCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		t.readErr = err
		return
	}
	t.readErr = io.EOF
}

func (t *execTranscriber) await(ctx context.Context) (execResponse, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	select {
	case resp := <-t.responses:
		return resp, nil
	case <-t.readerDone:
		// readErr is written before readerDone is closed.
		select {
		case resp := <-t.responses:
			return resp, nil
		default:
		}
		return execResponse{}, fmt.Errorf("recognizer exited: %w", t.readErr)
	case <-ctx.Done():
		return execResponse{}, ctx.Err()
	}
}

func (t *execTranscriber) roundTrip(ctx context.Context, req execRequest) (Output, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Output{}, ErrClosed
	}
	if t.broken != nil {
		return Output{}, t.broken
	}
	if t.late != nil {
		late := *t.late
		resp, err := t.await(ctx)
		if err != nil {
			t.broken = fmt.Errorf("recognizer never answered %s: %w", late.Type, err)
			return Output{}, t.broken
		}
		t.late = nil
		if late.Type == req.Type && late.Sequence == req.Sequence {
			t.log.Debug("recognizer caught up", slog.String("type", req.Type), slog.Uint64("sequence", req.Sequence))
			return responseOutput(resp)
		}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return Output{}, err
	}
	data = append(data, '\n')
	if _, err := t.stdin.Write(data); err != nil {
		t.broken = fmt.Errorf("write recognizer request: %w", err)
		return Output{}, t.broken
	}
	resp, err := t.await(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			t.late = &req
			return Output{}, fmt.Errorf("recognizer %s: %w", req.Type, err)
		}
		t.broken = fmt.Errorf("recognizer %s: %w", req.Type, err)
		return Output{}, t.broken
	}
	return responseOutput(resp)
}

func responseOutput(resp execResponse) (Output, error) {
	if resp.Error != "" {
		return Output{}, errors.New(resp.Error)
	}
	return Output{Text: resp.Text, Final: resp.Final, EndOfUtterance: resp.EndOfUtterance}, nil
}

func (t *execTranscriber) Feed(ctx context.Context, chunk audio.Chunk) (Output, error) {
	return t.roundTrip(ctx, execRequest{
		Type:       "feed",
		Sequence:   chunk.Seq,
		SampleRate: t.sampleRate,
		PCMBase64:  base64.StdEncoding.EncodeToString(audio.Float32ToS16LE(chunk.Samples)),
		Padded:     chunk.Padded,
	})
}

func (t *execTranscriber) Flush(ctx context.Context) (Output, error) {
	out, err := t.roundTrip(ctx, execRequest{Type: "flush"})
	if err != nil {
		return out, err
	}
	out.Final = true
	return out, nil
}

func (t *execTranscriber) Reset() error {
	_, err := t.roundTrip(context.Background(), execRequest{Type: "reset"})
	return err
}

func (t *execTranscriber) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)
	t.mu.Unlock()

	_ = t.stdin.Close()
	exited := make(chan error, 1)
	go func() { exited <- t.cmd.Wait() }()
	select {
	case err := <-exited:
		t.cancel()
		if err != nil {
			t.log.Debug("recognizer process exited", slogError(err))
		}
	case <-time.After(2 * time.Second):
		t.cancel()
		<-exited
	}
	return nil
}
