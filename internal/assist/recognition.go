package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Prediction is one recognizer result for a single frame of hand landmarks.
type Prediction struct {
	Letter     string  `json:"letter"`
	Confidence float64 `json:"confidence"`
}

// Recognizer turns a frame of hand landmarks into a letter prediction.
type Recognizer interface {
	Predict(ctx context.Context, landmarks []float64) (Prediction, error)
}

// HTTPRecognizer calls an external sign-recognition model service.
type HTTPRecognizer struct {
	base   string
	client *http.Client
}

// NewHTTPRecognizer builds a recognizer against the model service at base.
func NewHTTPRecognizer(base string, client *http.Client) *HTTPRecognizer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRecognizer{base: base, client: client}
}

func (r *HTTPRecognizer) Predict(ctx context.Context, landmarks []float64) (Prediction, error) {
	body, err := json.Marshal(struct {
		Landmarks []float64 `json:"landmarks"`
	}{landmarks})
	if err != nil {
		return Prediction{}, fmt.Errorf("encode landmarks: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("recognizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Prediction{}, fmt.Errorf("recognizer: unexpected status %d", resp.StatusCode)
	}
	var p Prediction
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	return p, nil
}

// DefaultConfidenceFloor is the minimum confidence for a prediction to be
// appended to the composition.
const DefaultConfidenceFloor = 0.8

// Composer accumulates recognized letters into the relay's composition.
// Predictions below the confidence floor are discarded rather than guessed.
type Composer struct {
	relay      *Relay
	recognizer Recognizer
	floor      float64
}

// NewComposer wires a recognizer to a relay. floor <= 0 selects the default.
func NewComposer(relay *Relay, recognizer Recognizer, floor float64) *Composer {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Composer{relay: relay, recognizer: recognizer, floor: floor}
}

// Observe recognizes one frame and appends the letter if confident enough.
// It reports whether the composition changed.
func (c *Composer) Observe(ctx context.Context, landmarks []float64) (bool, error) {
	p, err := c.recognizer.Predict(ctx, landmarks)
	if err != nil {
		return false, err
	}
	if p.Confidence < c.floor || p.Letter == "" {
		return false, nil
	}
	if err := c.relay.SetText(c.relay.Text() + p.Letter); err != nil {
		return false, err
	}
	return true, nil
}

// Backspace removes the last rune of the composition.
func (c *Composer) Backspace() error {
	text := []rune(c.relay.Text())
	if len(text) == 0 {
		return nil
	}
	return c.relay.SetText(string(text[:len(text)-1]))
}

// Space appends a word separator.
func (c *Composer) Space() error {
	return c.relay.SetText(c.relay.Text() + " ")
}
