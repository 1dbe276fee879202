// Package models implements an optional multi-model/provider catalog read
// from models.json: named models, the provider serving each, and per-model
// tool allowlists.
package models

import (
	"encoding/json"
	"os"
)

// Info describes one selectable model: which provider serves it, which env
// var holds its API key, which tools it's trusted to use, and a short
// human label for what it's good at.
type Info struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	APIKeyEnv   string   `json:"api_key_env,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	Specialty   string   `json:"specialty,omitempty"`
}

// Registry is the parsed contents of models.json.
type Registry struct {
	DefaultModel string `json:"default_model"`
	Models       []Info `json:"models,omitempty"`
}

const fallbackDefaultModel = "gpt-4o-mini"

// Load reads the registry from the path in $MODEL_CONFIG, defaulting to
// "models.json" in the current directory. A missing or malformed file is
// never fatal — it yields an empty registry with a built-in default model,
// matching the original implementation's forgiving load behavior.
func Load() Registry {
	path := os.Getenv("MODEL_CONFIG")
	if path == "" {
		path = "models.json"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Registry{DefaultModel: fallbackDefaultModel}
	}
	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return Registry{DefaultModel: fallbackDefaultModel}
	}
	if reg.DefaultModel == "" {
		reg.DefaultModel = fallbackDefaultModel
	}
	return reg
}

// Get looks up a model by id, returning ok=false if absent.
func (r Registry) Get(id string) (Info, bool) {
	for _, m := range r.Models {
		if m.ID == id {
			return m, true
		}
	}
	return Info{}, false
}
