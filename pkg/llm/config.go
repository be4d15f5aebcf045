// Copyright 2025-2026 Beike Language and Intelligence (BLI).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llm

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxRetries is the number of chat attempts before giving up.
	DefaultMaxRetries = 10
	// DefaultRetrySleep is the fixed pause between chat attempts.
	DefaultRetrySleep = 5 * time.Second
	// DefaultTopP matches the sampling default used across the pipeline.
	DefaultTopP = 0.95
)

// ModelConfig describes one entry of the model registry. ExtraBody is merged
// verbatim into the top level of the request body, which is how
// provider-specific knobs (enable_thinking, repetition_penalty, ...) reach
// vLLM and DashScope deployments.
type ModelConfig struct {
	Name             string         `mapstructure:"name"`
	Model            string         `mapstructure:"model"`
	BaseURL          string         `mapstructure:"base_url"`
	APIKey           string         `mapstructure:"api_key"`
	Temperature      *float64       `mapstructure:"temperature"`
	TopP             *float64       `mapstructure:"top_p"`
	MaxTokens        int            `mapstructure:"max_tokens"`
	Stream           bool           `mapstructure:"stream"`
	ModelType        string         `mapstructure:"model_type"`         // oai, oss_vllm, mistral_vllm, azure, qwen_dashscope
	FncallPromptType string         `mapstructure:"fncall_prompt_type"` // native or prompt-based tool calling
	ExtraBody        map[string]any `mapstructure:"extra_body"`
	ContextWindow    int            `mapstructure:"context_window"`
	MaxRetries       int            `mapstructure:"max_retries"`
	RetrySleep       time.Duration  `mapstructure:"retry_sleep"`
	Timeout          time.Duration  `mapstructure:"timeout"`
}

func (c *ModelConfig) setDefaults() {
	if c.Model == "" {
		c.Model = c.Name
	}
	if c.TopP == nil {
		topP := DefaultTopP
		c.TopP = &topP
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetrySleep <= 0 {
		c.RetrySleep = DefaultRetrySleep
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	c.APIKey = os.ExpandEnv(c.APIKey)
	c.BaseURL = os.ExpandEnv(c.BaseURL)
}

// Validate reports configuration errors that would make every call fail.
func (c *ModelConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("model %q: base_url is required", c.Name)
	}
	if c.Model == "" {
		return fmt.Errorf("model %q: model is required", c.Name)
	}
	return nil
}

// Registry maps model names to their configs, loaded from a YAML file of the
// form:
//
//	models:
//	  judge-large:
//	    base_url: https://host/v1
//	    api_key: ${OPENAI_API_KEY}
//	    temperature: 0.2
//	    extra_body:
//	      enable_thinking: false
type Registry struct {
	models map[string]ModelConfig
}

type registryFile struct {
	Models map[string]map[string]any `yaml:"models"`
}

// LoadRegistry reads and validates a model registry YAML file. Entries are
// decoded loosely so numeric and duration fields tolerate string forms.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models config: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a Registry from raw YAML bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse models config: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("models config declares no models")
	}

	reg := &Registry{models: make(map[string]ModelConfig, len(file.Models))}
	for name, raw := range file.Models {
		var cfg ModelConfig
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		})
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		cfg.Name = name
		cfg.setDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		reg.models[name] = cfg
	}
	return reg, nil
}

// Get returns the config for name.
func (r *Registry) Get(name string) (ModelConfig, error) {
	cfg, ok := r.models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("model %q not found in registry (have: %v)", name, r.Names())
	}
	return cfg, nil
}

// Names lists registered model names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
