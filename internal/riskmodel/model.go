// Package riskmodel trains the severity classifier used as advisory input to
// risk aggregation. Training never fails from the caller's point of view: any
// problem yields the fixed fallback model with the reason recorded on it.
package riskmodel

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/mr1hm/go-disaster-risk/internal/features"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
)

var (
	ErrInsufficientData = errors.New("insufficient training data")
	ErrFitting          = errors.New("model fitting failed")
)

const (
	SourceTrained  = "trained"
	SourceFallback = "fallback"

	fallbackTrees = 10
	fallbackSeed  = 42
)

// Model is a fitted forest plus the column names it was fitted on. Predict
// aligns input tables by name.
type Model struct {
	Columns  []string
	Source   string
	Accuracy float64 // held-out accuracy, NaN when not evaluated
	Reason   error   // why the fallback was used, nil for trained models

	forest *forest
}

// Predict returns one label per row of t. Columns the model was fitted on but
// t lacks read as zero.
func (m *Model) Predict(t features.Table) []int {
	out := make([]int, t.Len())
	if t.Len() == 0 {
		return out
	}

	index := make([]int, len(m.Columns))
	for i, c := range m.Columns {
		index[i] = t.Column(c)
	}

	row := make([]float64, len(m.Columns))
	for r, src := range t.Rows {
		for i, c := range index {
			row[i] = 0
			if c >= 0 {
				row[i] = src[c]
			}
		}
		out[r] = m.forest.predict(row)
	}
	return out
}

type Trainer struct {
	trees        int
	seed         int64
	testFraction float64
	metrics      *observability.Metrics
}

func NewTrainer(trees int, seed int64, testFraction float64, metrics *observability.Metrics) *Trainer {
	return &Trainer{
		trees:        trees,
		seed:         seed,
		testFraction: testFraction,
		metrics:      metrics,
	}
}

// Train fits a forest on a seeded hold-out split and logs its accuracy.
// Accuracy is informational only. Nil or short labels, and any fitting error
// or panic, return the fallback model.
func (tr *Trainer) Train(t features.Table, labels []int) *Model {
	if len(labels) < features.MinRows {
		return tr.fallback(ErrInsufficientData, "insufficient_data")
	}

	m, err := tr.fit(t, labels)
	if err != nil {
		return tr.fallback(err, "fitting_failure")
	}

	slog.Info("model trained", "rows", t.Len(), "trees", len(m.forest.trees), "accuracy", m.Accuracy)
	if tr.metrics != nil {
		tr.metrics.ModelAccuracy.Set(m.Accuracy)
	}
	return m
}

func (tr *Trainer) fit(t features.Table, labels []int) (m *Model, err error) {
	defer func() {
		if r := recover(); r != nil {
			m, err = nil, fmt.Errorf("%w: panic: %v", ErrFitting, r)
		}
	}()

	if t.Len() != len(labels) {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrFitting, t.Len(), len(labels))
	}

	rng := rand.New(rand.NewPCG(uint64(tr.seed), uint64(tr.seed)))
	order := rng.Perm(t.Len())

	nTest := int(math.Ceil(tr.testFraction * float64(t.Len())))
	nTest = min(max(nTest, 1), t.Len()-1)
	testIdx, trainIdx := order[:nTest], order[nTest:]

	x := make([][]float64, len(trainIdx))
	y := make([]int, len(trainIdx))
	for i, r := range trainIdx {
		x[i], y[i] = t.Rows[r], labels[r]
	}

	f, err := fitForest(x, y, tr.trees, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFitting, err)
	}

	m = &Model{Columns: t.Columns, Source: SourceTrained, forest: f}
	correct := 0
	for _, r := range testIdx {
		if f.predict(t.Rows[r]) == labels[r] {
			correct++
		}
	}
	m.Accuracy = float64(correct) / float64(len(testIdx))
	return m, nil
}

func (tr *Trainer) fallback(reason error, label string) *Model {
	slog.Warn("using fallback model", "reason", reason)
	if tr.metrics != nil {
		tr.metrics.ModelFallbacks.WithLabelValues(label).Inc()
	}
	m := Fallback()
	m.Reason = reason
	return m
}

// Fallback returns the fixed minimal model: a small forest fitted on five
// synthetic rows spanning every severity label.
func Fallback() *Model {
	x := [][]float64{
		{1, 1, 0, 0},
		{2, 2, 1, 1},
		{3, 3, 0, 1},
		{4, 4, 1, 0},
		{5, 5, 0, 0},
	}
	y := []int{1, 2, 3, 4, 5}

	rng := rand.New(rand.NewPCG(fallbackSeed, fallbackSeed))
	f, err := fitForest(x, y, fallbackTrees, rng)
	if err != nil {
		panic(fmt.Sprintf("fitting fallback model: %v", err))
	}
	return &Model{
		Columns:  []string{features.ColHazardType, features.ColRegion, features.ColLatitude, features.ColLongitude},
		Source:   SourceFallback,
		Accuracy: math.NaN(),
		forest:   f,
	}
}
