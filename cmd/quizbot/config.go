package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/config"

	"github.com/vctt94/quizbot-bisonrelay/quizgame"
)

type QuizBotConfig struct {
	*config.BotConfig // Embed the base BotConfig

	// Additional quiz-specific fields
	FiberRPCURL     string
	LLMURL          string
	LLMKey          string
	LLMModel        string
	Knowledge       string
	RewardThreshold int
	ExtractTimeout  time.Duration
	PaymentTimeout  time.Duration
}

// LoadQuizBotConfig loads the base bot config plus the quiz-specific keys
// from ExtraConfig.
func LoadQuizBotConfig(dataDir, configFile string) (*QuizBotConfig, error) {
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	cfg := &QuizBotConfig{
		BotConfig:       baseConfig,
		FiberRPCURL:     baseConfig.ExtraConfig["fiberrpcurl"],
		LLMURL:          baseConfig.ExtraConfig["llmurl"],
		LLMKey:          baseConfig.ExtraConfig["llmkey"],
		LLMModel:        baseConfig.ExtraConfig["llmmodel"],
		RewardThreshold: quizgame.DefaultRewardThreshold,
		ExtractTimeout:  30 * time.Second,
		PaymentTimeout:  60 * time.Second,
	}

	if cfg.FiberRPCURL == "" {
		return nil, fmt.Errorf("missing fiberrpcurl in %s", configFile)
	}
	if cfg.LLMURL == "" {
		return nil, fmt.Errorf("missing llmurl in %s", configFile)
	}
	if cfg.LLMModel == "" {
		return nil, fmt.Errorf("missing llmmodel in %s", configFile)
	}

	if v := baseConfig.ExtraConfig["rewardthreshold"]; v != "" {
		threshold, err := strconv.Atoi(v)
		if err != nil || threshold < 0 || threshold > 100 {
			return nil, fmt.Errorf("invalid rewardthreshold: %q", v)
		}
		cfg.RewardThreshold = threshold
	}
	if v := baseConfig.ExtraConfig["extracttimeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid extracttimeout: %w", err)
		}
		cfg.ExtractTimeout = d
	}
	if v := baseConfig.ExtraConfig["paymenttimeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid paymenttimeout: %w", err)
		}
		cfg.PaymentTimeout = d
	}

	// Knowledge seeds question authoring; a file path keeps prompt content
	// out of the .conf.
	if path := baseConfig.ExtraConfig["knowledgefile"]; path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge file: %w", err)
		}
		cfg.Knowledge = string(raw)
	}

	return cfg, nil
}
