// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package history

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory() *History {
	h := New()
	for epoch := 1; epoch <= 3; epoch++ {
		lr := 0.0125
		if epoch == 3 {
			lr = 0.00125
		}
		h.Add(Record{Epoch: epoch, Step: epoch * 100, LearningRate: lr, Dataset: "train",
			Loss: 2.0 / float64(epoch), Accuracy: 0.3 * float64(epoch)})
		h.Add(Record{Epoch: epoch, Step: epoch * 100, LearningRate: lr, Dataset: "test",
			Loss: 2.5 / float64(epoch), Accuracy: 0.25 * float64(epoch)})
	}
	return h
}

func TestHistory(t *testing.T) {
	h := newTestHistory()
	assert.Equal(t, 6, h.Len())
	assert.Equal(t, []string{"train", "test"}, h.Datasets())

	last, found := h.Last("test")
	require.True(t, found)
	assert.Equal(t, 3, last.Epoch)
	assert.InDelta(t, 0.75, last.Accuracy, 1e-9)
	_, found = h.Last("validation")
	assert.False(t, found)

	// Records returns a copy.
	records := h.Records()
	records[0].Epoch = 100
	assert.Equal(t, 1, h.Records()[0].Epoch)
}

func TestWriteCSV(t *testing.T) {
	h := newTestHistory()
	df := h.DataFrame()
	require.NoError(t, df.Err)
	assert.Equal(t, 6, df.Nrow())
	assert.ElementsMatch(t, []string{"epoch", "global_step", "learning_rate", "dataset", "loss", "accuracy"}, df.Names())

	var buf bytes.Buffer
	require.NoError(t, h.WriteCSV(&buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 7)
	assert.Contains(t, lines[0], "learning_rate")
	assert.Contains(t, lines[1], "train")
	assert.Contains(t, lines[2], "test")

	require.Error(t, New().WriteCSV(&buf))
}

func TestSave(t *testing.T) {
	h := newTestHistory()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "run", "history.csv")
	require.NoError(t, h.SaveCSV(csvPath))
	contents, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "accuracy")

	plotPath := filepath.Join(dir, "run", "accuracy.png")
	require.NoError(t, h.SavePlot(plotPath, "ResNeXt"))
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	require.Error(t, New().SavePlot(filepath.Join(dir, "empty.png"), "empty"))
}

func TestLoadCSV(t *testing.T) {
	h := newTestHistory()
	csvPath := filepath.Join(t.TempDir(), "history.csv")
	require.NoError(t, h.SaveCSV(csvPath))

	loaded, err := LoadCSV(csvPath)
	require.NoError(t, err)
	require.Equal(t, h.Len(), loaded.Len())
	for ii, want := range h.Records() {
		got := loaded.Records()[ii]
		assert.Equal(t, want.Epoch, got.Epoch)
		assert.Equal(t, want.Step, got.Step)
		assert.Equal(t, want.Dataset, got.Dataset)
		assert.InDelta(t, want.LearningRate, got.LearningRate, 1e-9)
		assert.InDelta(t, want.Loss, got.Loss, 1e-6)
		assert.InDelta(t, want.Accuracy, got.Accuracy, 1e-6)
	}

	// Restarting from the checkpoint of step 200 drops the records of epoch 3.
	loaded.DropAfter(200)
	assert.Equal(t, 4, loaded.Len())
	last, found := loaded.Last("test")
	require.True(t, found)
	assert.Equal(t, 2, last.Epoch)

	_, err = LoadCSV(filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	_, err = ReadCSV(strings.NewReader("epoch,dataset\n1,train\n"))
	require.Error(t, err)
}
