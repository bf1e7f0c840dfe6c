package caption

import (
	"encoding/json"
	"fmt"
	"os"
)

// CellType selects the recurrent cell variant.
type CellType string

const (
	RNN  CellType = "rnn"
	LSTM CellType = "lstm"
)

// ParseCellType accepts "rnn"/"plain" and "lstm"/"gated".
func ParseCellType(s string) (CellType, error) {
	switch s {
	case "rnn", "plain":
		return RNN, nil
	case "lstm", "gated":
		return LSTM, nil
	}
	return "", fmt.Errorf("invalid cell_type %q", s)
}

// Activation is the nonlinearity applied inside the attention scorer.
type Activation string

const (
	ReLU Activation = "relu"
	Tanh Activation = "tanh"
)

type Config struct {
	Locations  int `json:"locations"`
	FeatureDim int `json:"feature_dim"`
	EmbedDim   int `json:"embed_dim"`
	HiddenDim  int `json:"hidden_dim"`
	TimeSteps  int `json:"time_steps"`

	CellType            CellType   `json:"cell_type"`
	AttentionActivation Activation `json:"attention_activation"`

	Prev2Out bool    `json:"prev2out"`
	Ctx2Out  bool    `json:"ctx2out"`
	AlphaC   float32 `json:"alpha_c"`
	Selector bool    `json:"selector"`
	Dropout  bool    `json:"dropout"`
	KeepProb float32 `json:"keep_prob"`

	// Parallel is the number of workers used for per-example work.
	Parallel int `json:"parallel"`
}

// DefaultConfig mirrors the dimensions used with VGG conv5_3 features.
func DefaultConfig() *Config {
	return &Config{
		Locations:           196,
		FeatureDim:          512,
		EmbedDim:            512,
		HiddenDim:           1024,
		TimeSteps:           16,
		CellType:            RNN,
		AttentionActivation: ReLU,
		Prev2Out:            true,
		Ctx2Out:             true,
		AlphaC:              0.0,
		Selector:            true,
		Dropout:             true,
		KeepProb:            0.5,
		Parallel:            1,
	}
}

// Validate normalises cell_type aliases, defaults an empty
// attention_activation to relu and a zero parallel to 1.
func (c *Config) Validate() error {
	cellType, err := ParseCellType(string(c.CellType))
	if err != nil {
		return err
	}
	c.CellType = cellType

	dims := []struct {
		name string
		v    int
	}{
		{"locations", c.Locations},
		{"feature_dim", c.FeatureDim},
		{"embed_dim", c.EmbedDim},
		{"hidden_dim", c.HiddenDim},
		{"time_steps", c.TimeSteps},
	}
	for _, d := range dims {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", d.name, d.v)
		}
	}

	switch c.AttentionActivation {
	case "":
		c.AttentionActivation = ReLU
	case ReLU, Tanh:
	default:
		return fmt.Errorf("invalid attention_activation %q", c.AttentionActivation)
	}

	if c.AlphaC < 0 {
		return fmt.Errorf("alpha_c must not be negative, got %v", c.AlphaC)
	}

	// keep_prob is only read when dropout is on
	if c.Dropout && (c.KeepProb <= 0 || c.KeepProb > 1) {
		return fmt.Errorf("keep_prob must be in (0, 1] when dropout is enabled, got %v", c.KeepProb)
	}

	if c.Parallel == 0 {
		c.Parallel = 1
	}
	if c.Parallel < 0 {
		return fmt.Errorf("parallel must be positive, got %d", c.Parallel)
	}
	return nil
}

// LoadConfig reads a JSON config. Fields missing from the file keep the
// values of DefaultConfig; fields present are taken as written, so an
// explicit "keep_prob": 0 with dropout enabled is rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
