// Package google adapts Google Cloud Speech-to-Text streaming recognition
// to the [asr.Provider] contract.
package google

import (
	"context"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"

	"github.com/libertycall/gateway/internal/asr"
)

// Config carries the recognition parameters for all streams of a process.
type Config struct {
	// Language is the BCP-47 recognition language, e.g. "ja-JP".
	Language string
	// PhraseHints bias recognition towards the telephony vocabulary.
	PhraseHints []string
	// CredentialsPath optionally points at a service-account JSON file.
	// When empty the default application credentials are used.
	CredentialsPath string
}

// Provider opens streaming-recognize sessions against one shared client.
type Provider struct {
	client *speech.Client
	cfg    Config
}

// New creates the provider and its underlying gRPC client.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Language == "" {
		cfg.Language = "ja-JP"
	}
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("asr/google: create client: %w", err)
	}
	return &Provider{client: client, cfg: cfg}, nil
}

// Close releases the shared client.
func (p *Provider) Close() error { return p.client.Close() }

// NewStream opens one streaming session and sends the recognition config.
func (p *Provider) NewStream(ctx context.Context) (asr.Stream, error) {
	sc, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("asr/google: open stream: %w", err)
	}

	cfg := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:   16000,
					AudioChannelCount: 1,
					LanguageCode:      p.cfg.Language,
					SpeechContexts: []*speechpb.SpeechContext{
						{Phrases: p.cfg.PhraseHints},
					},
				},
				InterimResults:  true,
				SingleUtterance: false,
			},
		},
	}
	if err := sc.Send(cfg); err != nil {
		sc.CloseSend()
		return nil, fmt.Errorf("asr/google: send config: %w", err)
	}
	return &stream{sc: sc}, nil
}

var _ asr.Provider = (*Provider)(nil)

// stream adapts one gRPC session. A single server response may carry several
// results; pending holds the surplus between Recv calls.
type stream struct {
	sc      speechpb.Speech_StreamingRecognizeClient
	pending []asr.Result
}

func (s *stream) Send(pcm []byte) error {
	return s.sc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
}

func (s *stream) CloseSend() error { return s.sc.CloseSend() }

func (s *stream) Recv() (asr.Result, error) {
	for len(s.pending) == 0 {
		resp, err := s.sc.Recv()
		if err != nil {
			return asr.Result{}, err
		}
		for _, res := range resp.Results {
			if len(res.Alternatives) == 0 {
				continue
			}
			s.pending = append(s.pending, asr.Result{
				Text:  res.Alternatives[0].Transcript,
				Final: res.IsFinal,
			})
		}
	}
	out := s.pending[0]
	s.pending = s.pending[1:]
	return out, nil
}

var _ asr.Stream = (*stream)(nil)
