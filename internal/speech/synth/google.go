package synth

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "google.golang.org/genproto/googleapis/cloud/texttospeech/v1"
)

// chunkLimit stays a little under the API's 5000-byte input cap.
const chunkLimit = 4800

// GoogleSynthesizer is the cloud narration backend, speaking through the
// Google Cloud Text-to-Speech API.
type GoogleSynthesizer struct {
	client *texttospeech.Client

	mu     sync.Mutex
	voices map[string]struct{} // lazily populated known-voice set
}

// HasGoogleCredentials reports whether a service account key is configured.
func HasGoogleCredentials() bool {
	_, ok := os.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS")
	return ok
}

// NewGoogleSynthesizer dials the Text-to-Speech API.
func NewGoogleSynthesizer(ctx context.Context) (*GoogleSynthesizer, error) {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create TTS client: %w", err)
	}
	return &GoogleSynthesizer{client: client}, nil
}

// Synthesize returns MP3 bytes for text. Long texts are split into chunks and
// the encoded chunks concatenated; MP3 frames are self-contained so the
// result decodes as one clip.
func (g *GoogleSynthesizer) Synthesize(ctx context.Context, text, voice, _ string) ([]byte, error) {
	var out []byte
	for i, chunk := range splitIntoChunks(text, chunkLimit) {
		req := &texttospeechpb.SynthesizeSpeechRequest{
			Input: &texttospeechpb.SynthesisInput{
				InputSource: &texttospeechpb.SynthesisInput_Text{Text: chunk},
			},
			Voice: &texttospeechpb.VoiceSelectionParams{
				LanguageCode: languageFromVoice(voice),
				Name:         voice,
			},
			AudioConfig: &texttospeechpb.AudioConfig{
				AudioEncoding: texttospeechpb.AudioEncoding_MP3,
			},
		}
		resp, err := g.client.SynthesizeSpeech(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("synthesize chunk %d: %w", i, err)
		}
		out = append(out, resp.AudioContent...)
	}
	return out, nil
}

// KnownVoice reports whether voice is one of the backend's cloud voices.
// When the voice list cannot be fetched it falls back to a shape check, so a
// transient listing failure does not force every request onto the local voice.
func (g *GoogleSynthesizer) KnownVoice(voice string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.voices == nil {
		names, err := g.listVoices(context.Background())
		if err != nil {
			return looksLikeCloudVoice(voice)
		}
		g.voices = make(map[string]struct{}, len(names))
		for _, n := range names {
			g.voices[n] = struct{}{}
		}
	}
	_, ok := g.voices[voice]
	return ok
}

// Voices lists the cloud voice names.
func (g *GoogleSynthesizer) Voices(ctx context.Context) ([]string, error) {
	return g.listVoices(ctx)
}

func (g *GoogleSynthesizer) listVoices(ctx context.Context) ([]string, error) {
	resp, err := g.client.ListVoices(ctx, &texttospeechpb.ListVoicesRequest{})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Voices))
	for _, v := range resp.Voices {
		names = append(names, v.Name)
	}
	return names, nil
}

func (g *GoogleSynthesizer) Close() error { return g.client.Close() }

// languageFromVoice derives the BCP-47 code from a voice name like
// "en-US-Chirp3-HD-Charon".
func languageFromVoice(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) >= 2 {
		return parts[0] + "-" + parts[1]
	}
	return "en-US"
}

func looksLikeCloudVoice(voice string) bool {
	return strings.Count(voice, "-") >= 2
}

func splitIntoChunks(text string, limit int) []string {
	var chunks []string
	runes := []rune(text) // safe for UTF-8
	for i := 0; i < len(runes); i += limit {
		end := i + limit
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}
