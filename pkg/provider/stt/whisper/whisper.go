// Package whisper provides an STT provider backed by a local whisper-server
// binary (the whisper.cpp REST server). It is the degraded-environment
// fallback for installations that cannot reach a streaming provider.
//
// whisper.cpp is a batch transcription engine, so the session simulates
// streaming: incoming PCM is buffered, an energy-based silence detector
// segments utterances, and each completed utterance is submitted as one
// inference request. True low-latency partials are not possible; each
// utterance yields a partial and a final carrying the same text.
//
// There is no provider-imposed session lifetime on a local server, so a
// whisper session never reports stt.ErrSessionDurationLimit.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/callpilot/callpilot/pkg/provider/stt"
	"github.com/callpilot/callpilot/pkg/types"
)

const (
	// bytesPerSample is fixed at 2 for 16-bit signed little-endian PCM.
	bytesPerSample = 2

	// defaultRMSThreshold is the root-mean-square energy (in 16-bit PCM
	// units) below which a chunk counts as silence. 300 of a possible
	// 32767 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage  = "en"
	defaultRate      = 16000
	defaultSilence   = 500 * time.Millisecond
	defaultMaxBuffer = 10 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper server
// (e.g., "base.en"). When empty the server uses whichever model it was
// started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the language code sent to the server. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceWindow sets the consecutive-silence duration that triggers a
// flush of the accumulated speech buffer. Shorter windows are more responsive
// but may split utterances. Defaults to 500ms.
func WithSilenceWindow(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// Provider implements stt.Provider against a whisper-server HTTP endpoint.
// Multiple sessions may be open simultaneously; each keeps its own buffer and
// goroutine.
type Provider struct {
	serverURL string
	model     string
	language  string
	silence   time.Duration
	maxBuffer time.Duration
	client    *http.Client
}

// New creates a Provider that connects to the whisper server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: serverURL,
		language:  defaultLanguage,
		silence:   defaultSilence,
		maxBuffer: defaultMaxBuffer,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// established until the first utterance flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = defaultRate
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	s := &session{
		provider: p,
		language: lang,
		rate:     rate,
		channels: channels,

		audio:    make(chan []byte, 256),
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// session simulates a streaming STT session on top of batch inference. All
// buffer state is confined to processLoop; no extra locking needed.
type session struct {
	provider *Provider
	language string
	rate     int
	channels int

	audio    chan []byte
	partials chan types.Transcript
	finals   chan types.Transcript
	errs     chan error

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw 16-bit little-endian PCM for silence
// analysis and buffering.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Err() <-chan error                 { return s.errs }

// Close flushes any buffered speech as a final inference, closes the output
// channels, and releases resources. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop owns silence detection, buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.errs)

	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
	)

	bytesPerMs := s.rate * s.channels * bytesPerSample / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz mono 16-bit
	}
	maxBufferBytes := int(s.provider.maxBuffer.Milliseconds()) * bytesPerMs

	flush := func(flushCtx context.Context) {
		pcm := buffer
		spoke := hadSpeech
		buffer, hadSpeech, silence = nil, false, 0
		if len(pcm) == 0 || !spoke {
			return
		}
		text, err := s.infer(flushCtx, pcm)
		if err != nil || text == "" {
			return
		}
		// Non-blocking sends: the channels are buffered, and losing a flush
		// during shutdown is preferable to deadlocking.
		t := types.Transcript{Text: text}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		default:
		}
	}

	finalFlush := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		flush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return
		case <-s.done:
			finalFlush()
			return
		case chunk, ok := <-s.audio:
			if !ok {
				finalFlush()
				return
			}
			chunkDur := time.Duration(len(chunk)/bytesPerMs) * time.Millisecond
			if rms(chunk) < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silence += chunkDur
					buffer = append(buffer, chunk...)
					if silence >= s.provider.silence {
						flush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silence = 0
				buffer = append(buffer, chunk...)
				if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
					flush(ctx)
				}
			}
		}
	}
}

// infer wraps pcm in a WAV container and POSTs it to /inference.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	wav := encodeWAV(pcm, s.rate, s.channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if s.language != "" {
		if err := mw.WriteField("language", s.language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if s.provider.model != "" {
		if err := mw.WriteField("model", s.provider.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.provider.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.provider.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return result.Text, nil
}

// encodeWAV wraps raw 16-bit little-endian PCM in a standard RIFF/WAV
// container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], 16) // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)
	return buf
}

// rms returns the root-mean-square energy of a 16-bit little-endian PCM
// buffer, in PCM sample units (0–32767).
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
