package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"docdiff/config"
	"docdiff/domain"
	"docdiff/obs"
)

const visionSystemPrompt = "You are an OCR engine. You read document images and return every visible text span with its pixel position. Always answer with valid JSON only."

const visionPrompt = `List every text span visible in this %dx%d pixel image.
Answer with a JSON array only. Each element must be an object:
{"text": "<span text>", "x": <left px>, "y": <top px>, "width": <px>, "height": <px>}
Coordinates are integers in the image's own pixel space, origin at the top left.
Split text at cell and column boundaries; keep numbers with their thousands separators.`

// generator is the slice of llms.Model that Vision needs.
type generator interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

// Vision asks a remote vision model for positioned text.
type Vision struct {
	llm        generator
	model      string
	timeout    time.Duration
	maxRetries int
	maxTokens  int
	logger     *slog.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

func NewVision(llm generator, model string, timeout time.Duration, maxRetries, maxTokens int, logger *slog.Logger) *Vision {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vision{
		llm:          llm,
		model:        model,
		timeout:      timeout,
		maxRetries:   maxRetries,
		maxTokens:    maxTokens,
		logger:       logger,
		retryInitial: time.Second,
		retryMax:     60 * time.Second,
	}
}

// NewVisionFromConfig builds an OpenAI-compatible client.
func NewVisionFromConfig(cfg config.Config, logger *slog.Logger) (*Vision, error) {
	if strings.TrimSpace(cfg.VisionAPIKey) == "" {
		return nil, errors.New("vision extractor needs VISION_API_KEY or OPENAI_API_KEY")
	}
	opts := []openai.Option{
		openai.WithModel(cfg.VisionModel),
		openai.WithToken(cfg.VisionAPIKey),
	}
	if cfg.VisionBaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.VisionBaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init vision client: %w", err)
	}
	return NewVision(llm, cfg.VisionModel, cfg.VisionTimeout, cfg.VisionMaxRetries, cfg.VisionMaxTokens, logger), nil
}

func (v *Vision) Name() string { return "vision" }

func (v *Vision) Extract(ctx context.Context, imagePath string) ([]domain.Token, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NotFoundFailure("extract", imagePath)
		}
		return nil, domain.UnreadableFailure("extract", "read image", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, domain.UnreadableFailure("extract", "decode image header", err)
	}

	msgs := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(visionSystemPrompt)},
		},
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.ImageURLPart("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)),
				llms.TextPart(fmt.Sprintf(visionPrompt, cfg.Width, cfg.Height)),
			},
		},
	}

	attempt := 0
	op := func() ([]domain.Token, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		resp, err := v.llm.GenerateContent(callCtx, msgs,
			llms.WithTemperature(0.1),
			llms.WithMaxTokens(v.maxTokens),
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			return nil, err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return nil, errors.New("empty response")
		}
		// Model output is not deterministic; a malformed answer is worth another try.
		return ParseTokens(resp.Choices[0].Content)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.retryInitial
	b.MaxInterval = v.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.5

	tokens, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(v.maxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			obs.RecordExtractRetry(v.Name())
			v.logger.Warn("vision extract retry", "image", imagePath, "attempt", attempt, "wait", wait.String(), "err", err)
		}),
	)
	if err != nil {
		return nil, domain.RecognitionFailure(fmt.Sprintf("vision extract failed after %d attempts", attempt), err)
	}
	v.logger.Debug("vision extracted", "image", imagePath, "model", v.model, "tokens", len(tokens), "attempts", attempt)
	return tokens, nil
}

type visionSpan struct {
	Text   string  `json:"text"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ParseTokens decodes a model answer: a JSON array of spans, optionally wrapped in a
// fenced code block. Spans with blank text are dropped.
func ParseTokens(raw string) ([]domain.Token, error) {
	body := StripFence(raw)
	if start, end := strings.IndexByte(body, '['), strings.LastIndexByte(body, ']'); start >= 0 && end > start {
		body = body[start : end+1]
	}
	var spans []visionSpan
	if err := json.Unmarshal([]byte(body), &spans); err != nil {
		return nil, fmt.Errorf("decode spans: %w", err)
	}
	out := make([]domain.Token, 0, len(spans))
	for _, s := range spans {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		out = append(out, domain.Token{
			Text:   s.Text,
			X:      int(math.Round(s.X)),
			Y:      int(math.Round(s.Y)),
			Width:  int(math.Round(s.Width)),
			Height: int(math.Round(s.Height)),
		})
	}
	return out, nil
}

// StripFence removes a surrounding ``` or ```json fence.
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string ("json")
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
