package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agent-api/core/pkg/agent"
	"github.com/agent-api/core/types"
	"github.com/agent-api/ollama"
)

const systemPrompt = "You are a sports physiotherapist specialised in movement biomechanics. " +
	"You write assessment reports from measured joint-angle data and the reference passages you are given. " +
	"Never invent measurements that were not provided."

// AgentConfig locates the Ollama server and selects the narrative model
type AgentConfig struct {
	BaseURL string
	Port    int
	Model   string
}

func (c AgentConfig) withDefaults() AgentConfig {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost"
	}
	if c.Port == 0 {
		c.Port = 11434
	}
	if c.Model == "" {
		c.Model = "llama3.1:8b"
	}
	return c
}

func (c AgentConfig) endpoint() string {
	return strings.TrimRight(c.BaseURL, "/") + ":" + strconv.Itoa(c.Port)
}

// CheckOllama verifies that the Ollama server answers.
func CheckOllama(ctx context.Context, cfg AgentConfig) error {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.endpoint()+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama connection failed at %s: %w", cfg.endpoint(), err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %d at %s", resp.StatusCode, cfg.endpoint())
	}
	return nil
}

// AgentNarrator generates narratives with an Ollama-backed agent. Every call
// runs on a fresh agent so no conversation carries over between jobs.
type AgentNarrator struct {
	model    string
	newAgent func() *agent.DefaultAgent
}

// NewAgentNarrator sets up the Ollama provider and the narrative model.
func NewAgentNarrator(ctx context.Context, cfg AgentConfig, logger *slog.Logger) (*AgentNarrator, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "narrator")

	if err := CheckOllama(ctx, cfg); err != nil {
		return nil, err
	}

	provider := ollama.NewProvider(&ollama.ProviderOpts{
		Logger:  logger,
		BaseURL: cfg.BaseURL,
		Port:    cfg.Port,
	})
	provider.UseModel(ctx, &types.Model{ID: cfg.Model})

	return &AgentNarrator{
		model: cfg.Model,
		newAgent: func() *agent.DefaultAgent {
			return agent.NewAgent(&agent.NewAgentConfig{
				Provider:     provider,
				Logger:       logger,
				SystemPrompt: systemPrompt,
			})
		},
	}, nil
}

// Model returns the narrative model id.
func (n *AgentNarrator) Model() string {
	return n.model
}

// Narrate runs prompt through the agent and returns the model's reply.
func (n *AgentNarrator) Narrate(ctx context.Context, prompt string) (string, error) {
	response := n.newAgent().Run(ctx, agent.WithInput(prompt))
	if response.Err != nil {
		return "", fmt.Errorf("ollama generation failed: %w", response.Err)
	}
	if len(response.Messages) == 0 {
		return "", fmt.Errorf("no response messages received from model %s", n.model)
	}
	return response.Messages[len(response.Messages)-1].Content, nil
}
