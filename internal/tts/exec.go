package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-shellwords"
	"github.com/tomesphere/voice-core/internal/config"
)

// AccessKeyEnv carries the engine credential to exec backends.
const AccessKeyEnv = "TTS_ACCESS_KEY"

type execEngine struct {
	cmd        []string
	accessKey  string
	voice      string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

// NewExecOpener returns an opener for an engine backed by an external command.
// The command receives one JSON request on stdin and answers with newline
// delimited JSON objects carrying base64 little-endian PCM.
func NewExecOpener(cfg config.TTSConfig) Opener {
	return func(_ context.Context, accessKey string) (Engine, error) {
		if accessKey == "" {
			return nil, ErrEmptyAccessKey
		}
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse tts command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("tts command empty")
		}
		if _, err := exec.LookPath(args[0]); err != nil {
			return nil, fmt.Errorf("tts command not found: %w", err)
		}
		return &execEngine{
			cmd:        args,
			accessKey:  accessKey,
			voice:      cfg.Voice,
			sampleRate: cfg.SampleRate,
			channels:   cfg.Channels,
		}, nil
	}
}

func (e *execEngine) Synthesize(ctx context.Context, text string) (PCM, error) {
	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      e.voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Env = append(os.Environ(), AccessKeyEnv+"="+e.accessKey)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var pcm PCM
	var decodeErr error
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			decodeErr = fmt.Errorf("decode tts response: %w", err)
			break
		}
		if resp.Error != "" {
			decodeErr = errors.New(resp.Error)
			break
		}
		raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			decodeErr = fmt.Errorf("decode tts pcm: %w", err)
			break
		}
		samples, err := DecodePCM(raw)
		if err != nil {
			decodeErr = err
			break
		}
		pcm = append(pcm, samples...)
	}
	if decodeErr == nil {
		decodeErr = scanner.Err()
	}
	if decodeErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, decodeErr
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("tts command failed: %w: %s", err, stderr.String())
	}
	return pcm, nil
}

func (e *execEngine) SampleRate() int { return e.sampleRate }

func (e *execEngine) Close() error { return nil }
