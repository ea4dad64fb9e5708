// Package cvae implements the conditional variational autoencoder that maps
// a (start, end) waypoint pair and a latent vector to a fixed-length 3D
// trajectory: a bidirectional LSTM encoder producing a latent distribution,
// a reparameterized sampler, an autoregressive LSTM decoder with scheduled
// teacher forcing, and the four-term composite training loss.
package cvae

import "fmt"

// ModelConfig enumerates every architectural option. All dimensions are
// fixed at construction; checkpoints and exported bundles carry the config
// so loads can reject mismatched weights up front.
type ModelConfig struct {
	InputDim    int     `json:"input_dim"`    // waypoint coordinates, 3
	LatentDim   int     `json:"latent_dim"`   // latent vector size
	HiddenDim   int     `json:"hidden_dim"`   // LSTM hidden units per direction
	NumLayers   int     `json:"num_layers"`   // stacked LSTM layers
	SeqLen      int     `json:"seq_len"`      // waypoints per trajectory
	LSTMDropout float64 `json:"lstm_dropout"` // between stacked LSTM layers, both stacks, training only
	HeadDropout float64 `json:"head_dropout"` // inside the decoder output head
}

// DefaultModelConfig mirrors the dimensions the model family was designed
// around: 64-d latent, 256 hidden units, 2 layers, 50-step trajectories.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		InputDim:    3,
		LatentDim:   64,
		HiddenDim:   256,
		NumLayers:   2,
		SeqLen:      50,
		LSTMDropout: 0.2,
		HeadDropout: 0.1,
	}
}

// CondDim is the width of the decoder condition: start and end concatenated.
func (c ModelConfig) CondDim() int { return 2 * c.InputDim }

// Validate fails fast on configurations that cannot train or decode.
func (c ModelConfig) Validate() error {
	if c.InputDim != 3 {
		return fmt.Errorf("input_dim must be 3 for 3D waypoints, got %d", c.InputDim)
	}
	if c.LatentDim < 1 {
		return fmt.Errorf("latent_dim must be positive, got %d", c.LatentDim)
	}
	if c.HiddenDim < 2 {
		return fmt.Errorf("hidden_dim must be at least 2, got %d", c.HiddenDim)
	}
	if c.NumLayers < 1 {
		return fmt.Errorf("num_layers must be at least 1, got %d", c.NumLayers)
	}
	if c.SeqLen < 2 {
		return fmt.Errorf("seq_len must be at least 2, got %d", c.SeqLen)
	}
	if c.LSTMDropout < 0 || c.LSTMDropout >= 1 {
		return fmt.Errorf("lstm_dropout must be in [0, 1), got %v", c.LSTMDropout)
	}
	if c.HeadDropout < 0 || c.HeadDropout >= 1 {
		return fmt.Errorf("head_dropout must be in [0, 1), got %v", c.HeadDropout)
	}
	return nil
}
