package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"sync"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamSampleRate = 16000
	micChunkSize     = 3200 // 100 ms of 16 kHz 16-bit mono
)

// StreamRecognizer is a speech-to-text backend speaking the common streaming
// WebSocket protocol (deepgram-style Results messages): microphone PCM goes
// up as binary frames, interim/final transcripts come back as JSON.
type StreamRecognizer struct {
	endpoint string
	apiKey   string
	micPath  string
	micArgs  []string
}

// NewStreamRecognizer builds a recognizer for endpoint. It is unsupported
// (Supported() == false) when the endpoint is empty or no microphone capture
// binary exists on this platform.
func NewStreamRecognizer(endpoint, apiKey string) *StreamRecognizer {
	r := &StreamRecognizer{endpoint: endpoint, apiKey: apiKey}
	r.micPath, r.micArgs = findMicCommand()
	return r
}

func (r *StreamRecognizer) Supported() bool {
	return r.endpoint != "" && r.micPath != ""
}

// Listen dials the streaming endpoint and starts pumping microphone audio.
func (r *StreamRecognizer) Listen(ctx context.Context, lang string) (RecognitionStream, error) {
	if !r.Supported() {
		return nil, fmt.Errorf("streaming recognizer not available")
	}

	wsURL, err := r.buildURL(lang)
	if err != nil {
		return nil, fmt.Errorf("capture: build URL: %w", err)
	}

	headers := http.Header{}
	if r.apiKey != "" {
		headers.Set("Authorization", "Token "+r.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("capture: dial: %w", err)
	}

	micCtx, cancel := context.WithCancel(ctx)
	mic := exec.CommandContext(micCtx, r.micPath, r.micArgs...)
	micOut, err := mic.StdoutPipe()
	if err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "mic pipe failed")
		return nil, fmt.Errorf("capture: mic pipe: %w", err)
	}
	if err := mic.Start(); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "mic start failed")
		return nil, fmt.Errorf("capture: mic start: %w", err)
	}

	st := &stream{
		conn:    conn,
		cancel:  cancel,
		mic:     mic,
		results: make(chan Result, 64),
		done:    make(chan struct{}),
	}
	st.wg.Add(2)
	go st.readLoop(ctx)
	go st.pumpMic(ctx, micOut)
	return st, nil
}

func (r *StreamRecognizer) buildURL(lang string) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	// Single utterance per session; the server finalizes on end-of-speech.
	q.Set("endpointing", "true")
	q.Set("sample_rate", strconv.Itoa(streamSampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// findMicCommand locates a PCM capture tool: 16 kHz, 16-bit, mono to stdout.
func findMicCommand() (string, []string) {
	if path, err := exec.LookPath("arecord"); err == nil {
		return path, []string{"-q", "-f", "S16_LE", "-r", strconv.Itoa(streamSampleRate), "-c", "1", "-t", "raw"}
	}
	if path, err := exec.LookPath("rec"); err == nil {
		return path, []string{"-q", "-t", "raw", "-b", "16", "-e", "signed", "-r", strconv.Itoa(streamSampleRate), "-c", "1", "-"}
	}
	return "", nil
}

// resultMessage is the JSON shape of a transcription event.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type stream struct {
	conn    *websocket.Conn
	cancel  context.CancelFunc
	mic     *exec.Cmd
	results chan Result

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *stream) Results() <-chan Result { return s.results }

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel() // kills the mic process
		// Ask the server to flush pending audio before closing.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
		_ = s.mic.Wait()
	})
	return nil
}

func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			// Normal close or cancellation; the session resolves with
			// whatever was heard.
			return
		}
		var rm resultMessage
		if err := json.Unmarshal(msg, &rm); err != nil || rm.Type != "Results" {
			continue
		}
		if len(rm.Channel.Alternatives) == 0 {
			continue
		}
		r := Result{Text: rm.Channel.Alternatives[0].Transcript, Final: rm.IsFinal}
		select {
		case s.results <- r:
		case <-s.done:
			return
		}
	}
}

func (s *stream) pumpMic(ctx context.Context, micOut io.Reader) {
	defer s.wg.Done()
	buf := make([]byte, micChunkSize)
	for {
		n, err := micOut.Read(buf)
		if n > 0 {
			if werr := s.conn.Write(ctx, websocket.MessageBinary, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logrus.WithError(err).Debug("microphone read ended")
			}
			return
		}
	}
}
