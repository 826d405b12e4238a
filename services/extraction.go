package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	appContext "github.com/alphabatem/common/context"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	log "github.com/sirupsen/logrus"

	"github.com/studyforge-app/studyforge_api/dto"
)

// ExtractionService turns pasted study-note text into structured practice
// problems through the Anthropic API. Every call is billable, which is why
// the quota enforcer sits in front of it.
type ExtractionService struct {
	appContext.DefaultService

	client    anthropic.Client
	apiKey    string
	model     string
	maxTokens int64
	timeout   time.Duration
}

const EXTRACTION_SVC = "extraction_svc"

func (svc ExtractionService) Id() string {
	return EXTRACTION_SVC
}

func (svc *ExtractionService) Configure(ctx *appContext.Context) error {
	svc.apiKey = os.Getenv("ANTHROPIC_API_KEY")

	svc.model = os.Getenv("EXTRACTION_MODEL")
	if svc.model == "" {
		svc.model = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}

	svc.maxTokens = 2048
	if v := os.Getenv("EXTRACTION_MAX_TOKENS"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			svc.maxTokens = parsed
		}
	}

	svc.timeout = 60 * time.Second
	if v := os.Getenv("EXTRACTION_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			svc.timeout = parsed
		}
	}

	return svc.DefaultService.Configure(ctx)
}

func (svc *ExtractionService) Start() error {
	if svc.apiKey == "" {
		log.Warn("ANTHROPIC_API_KEY not set, extraction calls will fail")
	}
	svc.client = anthropic.NewClient(option.WithAPIKey(svc.apiKey))

	log.WithFields(log.Fields{
		"model":      svc.model,
		"max_tokens": svc.maxTokens,
	}).Info("Extraction service ready")
	return nil
}

// Extract performs one model call bounded by the configured timeout. The
// caller has already consumed quota for it.
func (svc *ExtractionService) Extract(ctx context.Context, req dto.ExtractionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, svc.timeout)
	defer cancel()

	start := time.Now()
	message, err := svc.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(svc.model),
		MaxTokens: svc.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(svc.buildPrompt(req.Text)),
			),
		},
	})
	if err != nil {
		RecordExtractionCall("error")
		return "", fmt.Errorf("extraction api call: %w", err)
	}

	if len(message.Content) == 0 {
		RecordExtractionCall("empty")
		return "", fmt.Errorf("extraction api returned empty response")
	}

	textBlock, ok := message.Content[0].AsAny().(anthropic.TextBlock)
	if !ok {
		RecordExtractionCall("unexpected")
		return "", fmt.Errorf("extraction api returned unexpected content type")
	}

	RecordExtractionCall("ok")
	log.WithFields(log.Fields{
		"duration": time.Since(start).String(),
		"input":    len(req.Text),
		"output":   len(textBlock.Text),
	}).Info("Extraction completed")

	return textBlock.Text, nil
}

func (svc *ExtractionService) buildPrompt(text string) string {
	return "Extract the individual practice problems from the following study notes. " +
		"Return a JSON array where each element has \"statement\", \"answer\" and " +
		"\"topic\" fields. Preserve mathematical notation verbatim. Notes:\n\n" + text
}
