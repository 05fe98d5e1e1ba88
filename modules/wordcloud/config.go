package wordcloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"wordtally/internal/renderer"
)

type fileConfig struct {
	Interpreter string `json:"interpreter"`
	Script      string `json:"script"`
	WorkingDir  string `json:"working_dir"`
	PythonPath  string `json:"python_path"`
	RequestPath string `json:"request_path"`
	OutputPath  string `json:"output_path"`
	StopTimeout string `json:"stop_timeout"`
}

// ParseConfig decodes the "renderer" configuration section.
//
// It reports false when the section is absent, in which case no renderer is
// launched.
func ParseConfig(raw []byte) (renderer.Config, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return renderer.Config{}, false, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var parsed fileConfig
	if err := decoder.Decode(&parsed); err != nil {
		return renderer.Config{}, false, fmt.Errorf("parse renderer config: %w", err)
	}

	cfg := renderer.Config{
		Interpreter: strings.TrimSpace(parsed.Interpreter),
		Script:      strings.TrimSpace(parsed.Script),
		WorkingDir:  strings.TrimSpace(parsed.WorkingDir),
		PythonPath:  strings.TrimSpace(parsed.PythonPath),
		RequestPath: strings.TrimSpace(parsed.RequestPath),
		OutputPath:  strings.TrimSpace(parsed.OutputPath),
	}
	if rawTimeout := strings.TrimSpace(parsed.StopTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return renderer.Config{}, false, fmt.Errorf("parse renderer config stop_timeout: %w", err)
		}
		cfg.StopTimeout = timeout
	}
	if err := cfg.Validate(); err != nil {
		return renderer.Config{}, false, fmt.Errorf("parse renderer config: %w", err)
	}

	return cfg, true, nil
}
