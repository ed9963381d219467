package tts

import (
	"context"
	"errors"
)

// PCM is a buffer of signed 16-bit samples at the engine's native sample rate.
type PCM []int16

// Engine is a native speech engine. Implementations are not assumed to be safe
// for concurrent use; Synthesizer serializes access to them.
type Engine interface {
	Synthesize(ctx context.Context, text string) (PCM, error)
	SampleRate() int
	Close() error
}

// Opener constructs an Engine authorized by accessKey.
type Opener func(ctx context.Context, accessKey string) (Engine, error)

var (
	// ErrEngineNotReady is returned when synthesis is requested before Init succeeded.
	ErrEngineNotReady = errors.New("tts engine is not initialized")
	// ErrEmptyAccessKey is returned by engines that require a credential.
	ErrEmptyAccessKey = errors.New("tts access key is empty")
	// ErrMisalignedPCM is returned when a byte payload is not a whole number of samples.
	ErrMisalignedPCM = errors.New("pcm payload not aligned to 16-bit samples")
)
