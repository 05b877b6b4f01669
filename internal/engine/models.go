package engine

import (
	"fmt"
	"strings"

	"github.com/hollowaylabs/docqd/internal/config"
	"github.com/hollowaylabs/docqd/internal/intent"
)

// contextLimits holds conservative per-family token limits for budgeting.
// Newer models advertise far larger windows; these values favor stability
// on constrained hardware.
var contextLimits = map[string]int{
	"mistral":  32768,
	"llama3":   32768,
	"llama3.1": 65536,
	"llama3.2": 65536,
	"llama3.3": 65536,
	"deepseek": 32768,
	"phi":      8192,
	"gradient": 131072,
}

const fallbackContextLimit = 2048

// contextLimit returns the token budget for a model, keyed by the base
// name before any ':' tag.
func contextLimit(model string) int {
	base := strings.ToLower(strings.SplitN(model, ":", 2)[0])
	if limit, ok := contextLimits[base]; ok {
		return limit
	}
	return fallbackContextLimit
}

// lookupParams resolves generation parameters for a model: exact name
// first, then base name, then substring match, finally the configured
// defaults. A model on the unsupported list fails fast.
func (e *Engine) lookupParams(model string) (config.ModelParams, error) {
	for _, name := range e.config.UnsupportedModels {
		if name == model {
			return config.ModelParams{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, model)
		}
	}

	for _, p := range e.config.Models {
		if p.Name == model {
			return withParamDefaults(p, e.config), nil
		}
	}

	base := strings.SplitN(model, ":", 2)[0]
	for _, p := range e.config.Models {
		if p.Name == base {
			return withParamDefaults(p, e.config), nil
		}
	}

	for _, p := range e.config.Models {
		if strings.Contains(model, p.Name) || strings.Contains(p.Name, model) {
			return withParamDefaults(p, e.config), nil
		}
	}

	return defaultParams(e.config), nil
}

func defaultParams(cfg config.LLMConfig) config.ModelParams {
	return config.ModelParams{
		NumCtx:        cfg.MaxContext,
		NumThread:     cfg.NumThreads,
		RepeatPenalty: 1.1,
		Stop:          []string{"Human:", "Question:"},
	}
}

func withParamDefaults(p config.ModelParams, cfg config.LLMConfig) config.ModelParams {
	if p.NumCtx == 0 {
		p.NumCtx = cfg.MaxContext
	}
	if p.NumThread == 0 {
		p.NumThread = cfg.NumThreads
	}
	if p.RepeatPenalty == 0 {
		p.RepeatPenalty = 1.1
	}
	return p
}

// minimalParams is the safe parameter set used for the one retry after a
// generation failure.
func minimalParams() config.ModelParams {
	return config.ModelParams{NumCtx: 1024, NumThread: 4}
}

// Temperature ceilings for intents that need deterministic output. The
// ceiling always applies, even when the caller explicitly asks for a
// higher temperature.
const (
	computationMaxTemperature = 0.3
	extractionMaxTemperature  = 0.2
)

// effectiveTemperature resolves the generation temperature from the
// request, the configured default, and the intent ceiling.
func effectiveTemperature(in intent.Intent, requested *float64, configured float64) float64 {
	temp := configured
	if requested != nil {
		temp = *requested
	}
	switch in {
	case intent.Computation:
		if temp > computationMaxTemperature {
			temp = computationMaxTemperature
		}
	case intent.DataExtraction:
		if temp > extractionMaxTemperature {
			temp = extractionMaxTemperature
		}
	}
	return temp
}
