// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

const (
	// StatsScope holds the per-channel statistics of the training images, saved along the
	// checkpoints so images can be normalized the same way at inference.
	StatsScope = "/cifar_normalization"

	statsMean = "mean"
	statsStd  = "std"
)

// StoreChannelStats saves mean and std as non-trainable variables in StatsScope.
func StoreChannelStats(ctx *context.Context, mean, std []float64) {
	statsCtx := ctx.InAbsPath(StatsScope).Checked(false)
	statsCtx.VariableWithValue(statsMean, mean).SetTrainable(false).SetValue(tensors.FromValue(mean))
	statsCtx.VariableWithValue(statsStd, std).SetTrainable(false).SetValue(tensors.FromValue(std))
}

// ChannelStatsFromContext returns the per-channel statistics stored with StoreChannelStats, or
// loaded from a checkpoint.
func ChannelStatsFromContext(ctx *context.Context) (mean, std []float64, err error) {
	meanVar := ctx.GetVariableByScopeAndName(StatsScope, statsMean)
	stdVar := ctx.GetVariableByScopeAndName(StatsScope, statsStd)
	if meanVar == nil || stdVar == nil {
		err = errors.Errorf("channel statistics not found in scope %q, was the model trained with this program?", StatsScope)
		return
	}
	mean = tensors.CopyFlatData[float64](meanVar.Value())
	std = tensors.CopyFlatData[float64](stdVar.Value())
	if len(mean) != len(std) {
		err = errors.Errorf("channel statistics have %d means but %d standard deviations", len(mean), len(std))
	}
	return
}
