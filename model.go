package goresample

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// Prediction is the model output for one sample vector.
type Prediction struct {
	Label      int
	Confidence float64
}

// Model classifies sample vectors. Evaluate and EvaluateBatch are called
// from several goroutines at once and must return the same prediction for
// the same vector whichever is used.
type Model interface {
	// CanLoad reports whether the file at path looks like a model of this
	// kind.
	CanLoad(path string) bool
	Evaluate(sample []float64) (label int, confidence float64)
	EvaluateBatch(samples [][]float64) []Prediction
}

const centroidModelKind = "centroid"

// CentroidModel labels a sample with the class of its nearest centroid in
// Euclidean distance. Confidence is the relative margin (d2-d1)/d2 between
// the nearest and the second nearest centroid: 1 when there is a single
// centroid, 0 when the two nearest are equally far.
type CentroidModel struct {
	Labels    []int
	Centroids [][]float64
}

type centroidModelFile struct {
	Kind      string      `json:"kind"`
	Labels    []int       `json:"labels"`
	Centroids [][]float64 `json:"centroids"`
}

// NewCentroidModel builds a model from parallel label and centroid lists.
func NewCentroidModel(labels []int, centroids [][]float64) (*CentroidModel, error) {
	m := &CentroidModel{Labels: labels, Centroids: centroids}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CentroidModel) validate() error {
	if len(m.Centroids) == 0 {
		return errors.New("model has no centroids")
	}
	if len(m.Labels) != len(m.Centroids) {
		return fmt.Errorf("model has %d labels for %d centroids", len(m.Labels), len(m.Centroids))
	}
	n := len(m.Centroids[0])
	for i, c := range m.Centroids {
		if len(c) != n || n == 0 {
			return fmt.Errorf("centroid %d has %d features, want %d", i, len(c), n)
		}
	}
	return nil
}

// Features returns the length of the sample vectors the model expects.
func (m *CentroidModel) Features() int {
	if len(m.Centroids) == 0 {
		return 0
	}
	return len(m.Centroids[0])
}

// CanLoad reports whether path is a JSON file declaring a centroid model.
func (m *CentroidModel) CanLoad(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var head struct {
		Kind string `json:"kind"`
	}
	return json.Unmarshal(data, &head) == nil && head.Kind == centroidModelKind
}

// Load replaces the model with the one stored at path.
func (m *CentroidModel) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ModelLoadError{Path: path, Err: err}
	}
	var f centroidModelFile
	if err := json.Unmarshal(data, &f); err != nil {
		return &ModelLoadError{Path: path, Err: err}
	}
	if f.Kind != centroidModelKind {
		return &ModelLoadError{Path: path, Err: fmt.Errorf("unknown model kind %q", f.Kind)}
	}
	next := CentroidModel{Labels: f.Labels, Centroids: f.Centroids}
	if err := next.validate(); err != nil {
		return &ModelLoadError{Path: path, Err: err}
	}
	*m = next
	return nil
}

// Save writes the model to path as JSON.
func (m *CentroidModel) Save(path string) error {
	if err := m.validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(centroidModelFile{
		Kind:      centroidModelKind,
		Labels:    m.Labels,
		Centroids: m.Centroids,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

func (m *CentroidModel) Evaluate(sample []float64) (int, float64) {
	best, second := math.Inf(1), math.Inf(1)
	label := m.Labels[0]
	for i, c := range m.Centroids {
		d := 0.0
		for j, v := range c {
			diff := sample[j] - v
			d += diff * diff
		}
		switch {
		case d < best:
			second = best
			best = d
			label = m.Labels[i]
		case d < second:
			second = d
		}
	}
	if math.IsInf(second, 1) {
		return label, 1
	}
	if best == second {
		return label, 0
	}
	d1, d2 := math.Sqrt(best), math.Sqrt(second)
	return label, (d2 - d1) / d2
}

func (m *CentroidModel) EvaluateBatch(samples [][]float64) []Prediction {
	out := make([]Prediction, len(samples))
	for i, s := range samples {
		out[i].Label, out[i].Confidence = m.Evaluate(s)
	}
	return out
}

// LoadModel reads the model stored at path. Every failure is a
// *ModelLoadError.
func LoadModel(path string) (Model, error) {
	m := &CentroidModel{}
	if !m.CanLoad(path) {
		return nil, &ModelLoadError{Path: path, Err: errors.New("no model kind can read this file")}
	}
	if err := m.Load(path); err != nil {
		return nil, err
	}
	return m, nil
}
