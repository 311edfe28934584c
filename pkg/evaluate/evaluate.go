// Package evaluate grades a finished run by asking an LLM to compare
// the actual conversation against the golden path.
package evaluate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Kind selects which evaluation rubric applies.
type Kind string

const (
	// KindGolden compares the run against a recorded golden transcript.
	KindGolden Kind = "golden"
	// KindSynthetic grades quality without a golden transcript.
	KindSynthetic Kind = "synthetic"
	// KindScenario grades the run against a written scenario intent.
	KindScenario Kind = "scenario"
)

const systemPrompt = "You are an expert QA conversation analyst. Evaluate conversation paths " +
	"with precision and provide results in exact JSON format. Be strict but fair in your evaluation."

// Input carries everything the rubric needs.
type Input struct {
	TestID    string
	ChannelID string
	Kind      Kind
	Scenario  string
	Golden    string
	Actual    string
}

// Verdict is the graded outcome.
type Verdict struct {
	TestID        string `json:"test_id"`
	ChannelID     string `json:"channel_id"`
	Scenario      string `json:"scenario"`
	Result        string `json:"scenario_result"`
	Transcript    string `json:"transcript"`
	FailureReason string `json:"failure_reason"`
	WhatWentWell  string `json:"what_went_well"`
	WhatToImprove string `json:"what_to_improve"`
}

// Passed reports whether the run was graded a pass.
func (v Verdict) Passed() bool {
	return strings.EqualFold(v.Result, "pass")
}

// Config selects the grading model.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.1
	}
	return c
}

// Evaluator grades runs through the OpenAI chat API.
type Evaluator struct {
	cfg    Config
	client openai.Client
	logger *slog.Logger
}

// New builds an Evaluator. BaseURL is overridable for compatible
// endpoints and tests.
func New(cfg Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Evaluator{cfg: cfg, client: openai.NewClient(opts...), logger: logger}
}

// Evaluate runs the rubric and parses the model's JSON verdict. A
// response the model mangled beyond parsing yields a fail verdict, not
// an error, so the report still records the run.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	prompt := buildPrompt(in)

	e.logger.Info("evaluating conversation", "test_id", in.TestID, "kind", string(in.Kind))
	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(e.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(e.cfg.Temperature),
		MaxTokens:   openai.Int(1000),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluation request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("evaluation response has no choices")
	}

	verdict, ok := parseVerdict(resp.Choices[0].Message.Content)
	if !ok {
		e.logger.Warn("could not parse evaluation response", "test_id", in.TestID)
		return Verdict{
			TestID:        in.TestID,
			ChannelID:     in.ChannelID,
			Scenario:      "evaluation parsing failed",
			Result:        "fail",
			Transcript:    in.Actual,
			FailureReason: "model returned an unparseable verdict",
		}, nil
	}
	if verdict.TestID == "" {
		verdict.TestID = in.TestID
	}
	if verdict.ChannelID == "" {
		verdict.ChannelID = in.ChannelID
	}
	return verdict, nil
}

func buildPrompt(in Input) string {
	var b strings.Builder
	switch in.Kind {
	case KindSynthetic:
		fmt.Fprintf(&b, "ACTUAL CONVERSATION:\n%s\n\n", in.Actual)
		b.WriteString("Task: Evaluate the conversation quality without a golden transcript. " +
			"Focus on whether the conversation logically progressed and completed the user's request effectively.\n\n")
		b.WriteString(`STRICT EVALUATION CRITERIA:
1. Goal completion with required confirmations and information
2. Coherence and forward progression without loops or derailments
3. Politeness, appropriateness, and safety adherence
4. Efficiency, keeping unnecessary back-and-forth minimal
`)
	case KindScenario:
		fmt.Fprintf(&b, "SCENARIO: %s\n\nACTUAL CONVERSATION:\n%s\n\n", in.Scenario, in.Actual)
		b.WriteString("Task: Evaluate whether the conversation accomplished the scenario intent " +
			"using an efficient, natural dialog. No golden transcript exists.\n\n")
		b.WriteString(`STRICT EVALUATION CRITERIA:
1. Goal completion with required confirmations and information
2. Coherence and progression toward the scenario
3. Appropriateness and safety policy adherence
4. Minor deviations are still "pass" but major flow changes are "fail"
`)
	default:
		fmt.Fprintf(&b, "GOLDEN CONVERSATION (Expected Path):\n%s\n\nACTUAL CONVERSATION (Test Run):\n%s\n\n",
			in.Golden, in.Actual)
		b.WriteString("Task: Evaluate whether the test run followed the golden conversation path.\n\n")
		b.WriteString(`STRICT EVALUATION CRITERIA:
1. Logical sequence alignment with golden steps
2. Key information points requested and provided
3. Agent consistency with golden behavior
4. Critical steps missed or added unexpectedly
5. Minor deviations are still "pass" but major flow changes are "fail"
`)
	}
	b.WriteString(`
Return ONLY this JSON:
{
  "test_id": "` + in.TestID + `",
  "channel_id": "` + in.ChannelID + `",
  "scenario": "One-line summary",
  "scenario_result": "pass" if the conversation matched closely, "fail" if it deviated significantly,
  "transcript": "Copy the actual transcript here",
  "failure_reason": "Specific reason if failed, empty string if passed",
  "what_went_well": "What aspects of the conversation worked correctly",
  "what_to_improve": "Specific actionable improvements needed"
}`)
	return b.String()
}

var jsonBlock = regexp.MustCompile(`\{[\s\S]*\}`)

// parseVerdict tries the content as-is, then the first {...} block for
// models that wrap JSON in prose or fences.
func parseVerdict(content string) (Verdict, bool) {
	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err == nil && v.Result != "" {
		return v, true
	}
	block := jsonBlock.FindString(content)
	if block == "" {
		return Verdict{}, false
	}
	if err := json.Unmarshal([]byte(block), &v); err != nil || v.Result == "" {
		return Verdict{}, false
	}
	return v, true
}
