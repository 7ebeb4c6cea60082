package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/emilyakhya/MMS/internal/types"
)

// Photo is a captured bottle image.
type Photo struct {
	Name        string
	ContentType string
	Data        []byte
}

// Estimator produces an AI pill count for a photo.
type Estimator interface {
	Estimate(ctx context.Context, photo Photo) (*types.PillCountResult, error)
	Name() string
}

// Compile-time interface checks
var (
	_ Estimator = (*BackendEstimator)(nil)
	_ Estimator = (*OpenAIEstimator)(nil)
)

// Uploader sends a photo to the backend detector. Implemented by
// backend.Client.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, image []byte) (*types.PillCountResult, error)
}

// BackendEstimator delegates counting to the backend's POST /upload.
type BackendEstimator struct {
	uploader Uploader
}

// NewBackendEstimator creates a BackendEstimator.
func NewBackendEstimator(u Uploader) *BackendEstimator {
	return &BackendEstimator{uploader: u}
}

// Estimate uploads the photo and returns the backend's result.
func (e *BackendEstimator) Estimate(ctx context.Context, photo Photo) (*types.PillCountResult, error) {
	return e.uploader.Upload(ctx, photo.Name, photo.ContentType, photo.Data)
}

// Name returns "backend".
func (e *BackendEstimator) Name() string { return "backend" }

// ChatCompletionsService is the slice of the OpenAI chat API used here.
// This abstraction enables testing without calling the real OpenAI API.
type ChatCompletionsService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

const countPrompt = `Count the pills visible in this photo of an open supplement bottle.
Reply with only a JSON object: {"pill_count": <integer>, "confidence": <number between 0 and 1>}.`

// OpenAIEstimator asks a vision-capable chat model for the count.
type OpenAIEstimator struct {
	completions ChatCompletionsService
	model       openai.ChatModel
}

// NewOpenAIEstimator creates an estimator using the OpenAI API.
func NewOpenAIEstimator(apiKey, model string) *OpenAIEstimator {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIEstimator{
		completions: client.Chat.Completions,
		model:       openai.ChatModel(model),
	}
}

// Estimate sends the photo as an inline data URL and parses the reply.
func (e *OpenAIEstimator) Estimate(ctx context.Context, photo Photo) (*types.PillCountResult, error) {
	dataURL := "data:" + photo.ContentType + ";base64," + base64.StdEncoding.EncodeToString(photo.Data)

	resp, err := e.completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessageParts(
				openai.TextPart(countPrompt),
				openai.ImagePart(dataURL),
			),
		}),
		Model: openai.F(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("pill count estimate failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("pill count estimate failed: no choices returned")
	}

	result, err := parseEstimate(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("pill count estimate failed: %w", err)
	}
	return result, nil
}

// Name returns the model name.
func (e *OpenAIEstimator) Name() string { return string(e.model) }

// parseEstimate extracts the JSON object from a model reply, tolerating
// surrounding prose or code fences.
func parseEstimate(reply string) (*types.PillCountResult, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in reply %q", reply)
	}

	var parsed struct {
		PillCount  *int     `json:"pill_count"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if parsed.PillCount == nil {
		return nil, errors.New("reply has no pill_count")
	}
	if *parsed.PillCount < 0 {
		return nil, fmt.Errorf("negative pill_count %d", *parsed.PillCount)
	}

	result := &types.PillCountResult{
		PillCount:     *parsed.PillCount,
		BoundingBoxes: []types.BoundingBox{},
	}
	if parsed.Confidence != nil {
		c := *parsed.Confidence
		if c < 0 || c > 1 {
			return nil, fmt.Errorf("confidence %v outside [0,1]", c)
		}
		result.Confidence = c
	}
	return result, nil
}
