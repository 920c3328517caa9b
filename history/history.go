// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package history records the per-epoch metrics of a training run and exports them as CSV or as
// a plot of the accuracy per epoch.
package history

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/go-gota/gota/dataframe"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Record of the metrics of one dataset at the end of an epoch.
type Record struct {
	Epoch        int     `dataframe:"epoch"`
	Step         int     `dataframe:"global_step"`
	LearningRate float64 `dataframe:"learning_rate"`
	Dataset      string  `dataframe:"dataset"`
	Loss         float64 `dataframe:"loss"`
	Accuracy     float64 `dataframe:"accuracy"`
}

// History of a training run. It is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	records []Record
}

// New creates an empty History.
func New() *History {
	return &History{}
}

// Add a record.
func (h *History) Add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
}

// Records returns a copy of the records, in the order they were added.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.records)
}

// Len returns the number of records.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Last returns the most recent record of the given dataset.
func (h *History) Last(dataset string) (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ii := len(h.records) - 1; ii >= 0; ii-- {
		if h.records[ii].Dataset == dataset {
			return h.records[ii], true
		}
	}
	return Record{}, false
}

// Datasets returns the names of the datasets recorded, in order of first appearance.
func (h *History) Datasets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var names []string
	for _, r := range h.records {
		if !slices.Contains(names, r.Dataset) {
			names = append(names, r.Dataset)
		}
	}
	return names
}

// DataFrame returns the records as a dataframe, one row per record.
func (h *History) DataFrame() dataframe.DataFrame {
	return dataframe.LoadStructs(h.Records())
}

// WriteCSV writes the records as CSV, with a header line.
func (h *History) WriteCSV(w io.Writer) error {
	if h.Len() == 0 {
		return errors.New("history has no records to write")
	}
	df := h.DataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "converting history to dataframe")
	}
	return errors.Wrap(df.WriteCSV(w), "writing history CSV")
}

// SaveCSV writes the records as CSV to filePath, creating its directory if needed.
func (h *History) SaveCSV(filePath string) (err error) {
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing %q", filePath)
		}
	}()
	return h.WriteCSV(f)
}

// ReadCSV reads records written by WriteCSV.
func ReadCSV(r io.Reader) (*History, error) {
	df := dataframe.ReadCSV(r)
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "parsing history CSV")
	}
	for _, name := range df.Names() {
		if col := df.Col(name); col.Err != nil {
			return nil, errors.Wrapf(col.Err, "history CSV column %q", name)
		}
	}
	for _, name := range []string{"epoch", "global_step", "learning_rate", "dataset", "loss", "accuracy"} {
		if !slices.Contains(df.Names(), name) {
			return nil, errors.Errorf("history CSV is missing column %q", name)
		}
	}
	epochs, err := df.Col("epoch").Int()
	if err != nil {
		return nil, errors.Wrap(err, "history CSV column \"epoch\"")
	}
	steps, err := df.Col("global_step").Int()
	if err != nil {
		return nil, errors.Wrap(err, "history CSV column \"global_step\"")
	}
	learningRates := df.Col("learning_rate").Float()
	datasets := df.Col("dataset").Records()
	losses := df.Col("loss").Float()
	accuracies := df.Col("accuracy").Float()

	h := New()
	for ii := range df.Nrow() {
		h.records = append(h.records, Record{
			Epoch:        epochs[ii],
			Step:         steps[ii],
			LearningRate: learningRates[ii],
			Dataset:      datasets[ii],
			Loss:         losses[ii],
			Accuracy:     accuracies[ii],
		})
	}
	return h, nil
}

// LoadCSV reads the records saved with SaveCSV.
func LoadCSV(filePath string) (*History, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", filePath)
	}
	defer func() { _ = f.Close() }()
	h, err := ReadCSV(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", filePath)
	}
	return h, nil
}

// DropAfter removes the records of global steps after step. Used when training restarts from a
// checkpoint older than the last records.
func (h *History) DropAfter(step int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = slices.DeleteFunc(h.records, func(r Record) bool { return r.Step > step })
}

// Plot returns a plot of the accuracy per epoch, one line per dataset.
func (h *History) Plot(title string) (*plot.Plot, error) {
	records := h.Records()
	if len(records) == 0 {
		return nil, errors.New("history has no records to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Epoch"
	p.Y.Label.Text = "Accuracy"
	p.Add(plotter.NewGrid())
	for ii, dataset := range h.Datasets() {
		var points plotter.XYs
		for _, r := range records {
			if r.Dataset == dataset {
				points = append(points, plotter.XY{X: float64(r.Epoch), Y: r.Accuracy})
			}
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return nil, errors.Wrapf(err, "plotting accuracy of %q", dataset)
		}
		line.Color = plotutil.Color(ii)
		p.Add(line)
		p.Legend.Add(dataset, line)
	}
	p.Legend.Top = false
	p.Legend.Left = false
	return p, nil
}

// SavePlot saves the accuracy plot to filePath. The format is given by the extension, e.g. ".png".
func (h *History) SavePlot(filePath, title string) error {
	p, err := h.Plot(title)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", filePath)
	}
	return errors.Wrapf(p.Save(8*vg.Inch, 5*vg.Inch, filePath), "saving plot to %q", filePath)
}

// String implements fmt.Stringer.
func (h *History) String() string {
	return fmt.Sprintf("History{%d records, datasets %q}", h.Len(), h.Datasets())
}
