package main

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const narratorSystemPrompt = `You are the narrator of a parlor game of Mafia played in a dimly lit town hall. After each night you recount what happened in 2-3 noir-flavored sentences. Never reveal who holds which role.`

// Narrator turns the event journal into night narration.
// onChunk is called with each text chunk as it streams in.
type Narrator interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

type llmNarrator struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (n *llmNarrator) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, n.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman,
			"Game events so far:\n"+strings.Join(history, "\n")+
				"\n\nNarrate what the town wakes up to (2-3 sentences)."),
	}

	var fullText strings.Builder
	opts := append(n.callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := n.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.NarratorTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.NarratorTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Narrator: temperature=%.2f", f)
		} else {
			log.Printf("Narrator: invalid temperature %q: %v", cfg.NarratorTemperature, err)
		}
	}

	if cfg.NarratorThinking != "" {
		mode := llms.ThinkingMode(cfg.NarratorThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Narrator: thinking=%s", mode)
		default:
			log.Printf("Narrator: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.NarratorThinking)
		}
	}

	return opts
}

// initNarrator builds a narrator from config, or nil when no provider is set.
func initNarrator(cfg AppConfig) Narrator {
	provider := cfg.NarratorProvider
	model := cfg.NarratorModel
	callOpts := buildCallOpts(cfg)

	switch provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.NarratorOllamaURL))
		if err != nil {
			log.Printf("Narrator: failed to init Ollama (%s at %s): %v", model, cfg.NarratorOllamaURL, err)
			return nil
		}
		log.Printf("Narrator: Ollama model=%s url=%s", model, cfg.NarratorOllamaURL)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "openai":
		llm, err := openai.New(openai.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init OpenAI (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: OpenAI model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "claude":
		llm, err := anthropic.New(anthropic.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init Claude (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: Claude model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "gemini":
		llm, err := googleai.New(context.Background(), googleai.WithDefaultModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init Gemini (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: Gemini model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "groq":
		llm, err := openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
		if err != nil {
			log.Printf("Narrator: failed to init Groq (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: Groq model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "openai-compatible":
		if cfg.NarratorURL == "" {
			log.Printf("Narrator: narrator_url is required for openai-compatible provider")
			return nil
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.NarratorURL),
		}
		if cfg.NarratorAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.NarratorAPIKey))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			log.Printf("Narrator: failed to init openai-compatible (%s at %s): %v", model, cfg.NarratorURL, err)
			return nil
		}
		log.Printf("Narrator: openai-compatible model=%s url=%s", model, cfg.NarratorURL)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	default:
		log.Printf("Narrator: disabled (set narrator_provider to enable)")
		return nil
	}
}

// runNarration streams narration to the given connections. Tokens are buffered
// and flushed every 300ms so slow models still feel live without a frame per
// token.
func runNarration(n Narrator, hub *Hub, events []string, conns []*wsConn, names []string) {
	var mu sync.Mutex
	var buf strings.Builder
	var flushed int

	flush := func() {
		mu.Lock()
		text := buf.String()
		chunk := text[flushed:]
		flushed = len(text)
		mu.Unlock()
		if chunk == "" {
			return
		}
		frame := encodeFrame(actionNarration, nil, chunk)
		for i, c := range conns {
			hub.sendFrame(c, names[i], frame)
		}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(300 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flush()
			case <-done:
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := n.Tell(ctx, events, func(chunk string) {
		mu.Lock()
		buf.WriteString(chunk)
		mu.Unlock()
	})
	close(done)
	flush()

	if err != nil {
		log.Printf("Narrator error: %v", err)
	}
}
