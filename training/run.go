// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"fmt"
	"math"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/resnext/augment"
	"github.com/gomlx/resnext/cifar"
	"github.com/gomlx/resnext/history"
	"github.com/gomlx/resnext/resnext"
	"github.com/gomlx/resnext/stepdecay"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelScope is the scope under which the model variables are created.
const ModelScope = "model"

// Options of a training run that are not hyperparameters: they are not saved with the checkpoints.
type Options struct {
	// DataDir where CIFAR-10 is downloaded to. It is also the base directory of relative checkpoint paths.
	DataDir string

	// Checkpoint directory to save to and restart from. If empty no checkpoints are saved.
	Checkpoint string

	// Eval runs a final evaluation on the train and test datasets.
	Eval bool

	// Verbosity: < 0 disables the progress bar, >= 1 prints the backend, the model summary and timings,
	// >= 2 prints the hyperparameters.
	Verbosity int

	// HistoryDir, if set, is where the history CSV and accuracy plot are saved. It defaults to the
	// checkpoint directory, if one is used.
	HistoryDir string

	// ParamsSet are the hyperparameters set in the command line, they take precedence over the values
	// loaded from a checkpoint.
	ParamsSet []string
}

// Datasets used during training.
type Datasets struct {
	// Train yields shuffled (and possibly augmented) batches forever.
	Train train.Dataset

	// TrainEval and TestEval go over their data once, for evaluation.
	TrainEval, TestEval train.Dataset

	// NumTrainExamples used to compute the number of steps per epoch.
	NumTrainExamples int

	// Mean and Std are the per-channel statistics of the training images.
	Mean, Std []float64
}

// CreateDatasets normalizes the train and test partitions, each with its own statistics, and creates
// the datasets. The partitions tensors are finalized.
func CreateDatasets(backend backends.Backend, partitioned cifar.PartitionedImagesAndLabels, cfg Config) (dss Datasets, err error) {
	trainData, testData := partitioned[cifar.Train], partitioned[cifar.Test]
	dss.NumTrainExamples = trainData.NumExamples()
	dss.Mean, dss.Std, err = cifar.ChannelStats(backend, trainData.Images)
	if err != nil {
		return
	}
	for _, il := range []*cifar.ImagesAndLabels{&trainData, &testData} {
		var normalized *tensors.Tensor
		normalized, err = cifar.Normalize(backend, il.Images)
		if err != nil {
			return
		}
		il.Images.FinalizeAll()
		il.Images = normalized
	}

	baseTrain, err := cifar.NewDataset(backend, "train", trainData)
	if err != nil {
		return
	}
	baseTest, err := cifar.NewDataset(backend, "test", testData)
	if err != nil {
		return
	}
	trainDS := baseTrain.Copy().BatchSize(cfg.BatchSize, true).Shuffle().Infinite(true)
	dss.Train = trainDS
	if cfg.Augment {
		augmenter := augment.New(cfg.AugmentConfig, cfg.Seed)
		dss.Train = augment.Prefetch(augment.NewDataset(trainDS, augmenter), cfg.AugmentParallelism, cfg.AugmentBuffer)
	}
	dss.TrainEval = baseTrain.BatchSize(cfg.EvalBatchSize, false)
	dss.TestEval = baseTest.BatchSize(cfg.EvalBatchSize, false)
	return
}

// Run trains the model with the hyperparameters in ctx, and returns the history of the per-epoch
// evaluations. It blocks until training is finished.
//
// If a checkpoint is given and already exists, training continues from it until the configured
// number of epochs.
func Run(backend backends.Backend, ctx *context.Context, opts Options) (hist *history.History, err error) {
	dataDir := data.ReplaceTildeInDir(opts.DataDir)
	if !data.FileExists(dataDir) {
		if err = os.MkdirAll(dataDir, 0777); err != nil {
			return nil, errors.Wrapf(err, "creating data directory %q", dataDir)
		}
	}
	if opts.Verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
		klog.Infof("CPU: %s, %d logical cores", cpuid.CPU.BrandName, cpuid.CPU.LogicalCores)
	}

	// Checkpoints saving: loading it restores the hyperparameters, so it comes before reading them.
	var checkpoint *checkpoints.Handler
	if opts.Checkpoint != "" {
		numCheckpoints := context.GetParamOr(ctx, ParamNumCheckpoints, 3)
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(opts.Checkpoint, dataDir).
			Keep(numCheckpoints).
			ExcludeParams(append(opts.ParamsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", opts.Checkpoint)
		}
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		if opts.HistoryDir == "" {
			opts.HistoryDir = checkpoint.Dir()
		}
	}
	if opts.Verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}

	partitioned, err := cifar.LoadCifar10(dataDir, DType)
	if err != nil {
		return nil, err
	}
	dss, err := CreateDatasets(backend, partitioned, cfg)
	if err != nil {
		return nil, err
	}
	StoreChannelStats(ctx, dss.Mean, dss.Std)
	klog.V(1).Infof("Training images channels mean=%v, std=%v", dss.Mean, dss.Std)

	hist, err = ResumeHistory(opts.HistoryDir, optimizers.GetGlobalStep(ctx.In(ModelScope)))
	if err != nil {
		return nil, err
	}
	err = exceptions.TryCatch[error](func() {
		trainModel(backend, ctx, cfg, dss, checkpoint, hist, opts)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "training ResNeXt")
	}
	if opts.HistoryDir != "" && hist.Len() > 0 {
		fmt.Printf("History saved to %q\n", opts.HistoryDir)
	}
	return
}

const (
	historyCSV  = "history.csv"
	historyPlot = "accuracy.png"
)

// ResumeHistory loads the history saved in dir by a previous training session, dropping the records
// after globalStep (the step of the checkpoint training restarts from). If there is no saved history,
// or dir is empty, it returns an empty History.
func ResumeHistory(dir string, globalStep int64) (*history.History, error) {
	if dir == "" {
		return history.New(), nil
	}
	csvPath := path.Join(dir, historyCSV)
	if !data.FileExists(csvPath) {
		return history.New(), nil
	}
	hist, err := history.LoadCSV(csvPath)
	if err != nil {
		return nil, err
	}
	hist.DropAfter(int(globalStep))
	klog.V(1).Infof("Resuming history with %d records from %q", hist.Len(), csvPath)
	return hist, nil
}

// saveHistory writes the history CSV to dir and, if withPlot, the accuracy plot.
func saveHistory(hist *history.History, dir string, withPlot bool) error {
	if dir == "" || hist.Len() == 0 {
		return nil
	}
	if err := hist.SaveCSV(path.Join(dir, historyCSV)); err != nil {
		return err
	}
	if withPlot {
		return hist.SavePlot(path.Join(dir, historyPlot), "ResNeXt CIFAR-10 accuracy")
	}
	return nil
}

// trainModel trains until the configured number of epochs, recording the evaluations in hist. It panics
// on errors, like the GoMLX trainer does.
func trainModel(backend backends.Backend, ctx *context.Context, cfg Config, dss Datasets,
	checkpoint *checkpoints.Handler, hist *history.History, opts Options) {
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	modelCtx := ctx.In(ModelScope)
	trainer := train.NewTrainer(backend, modelCtx, resnext.ModelGraph(cfg.Model),
		losses.SparseCategoricalCrossEntropyLogits,
		optimizers.FromContext(modelCtx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	loop := train.NewLoop(trainer)
	if opts.Verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	stepsPerEpoch := StepsPerEpoch(dss.NumTrainExamples, cfg.BatchSize)
	schedule := stepdecay.FromContext(modelCtx, stepsPerEpoch, DType)
	if err := stepdecay.Attach(loop, modelCtx, schedule); err != nil {
		panic(err)
	}

	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				if err := checkpoint.Save(); err != nil {
					return err
				}
				return saveHistory(hist, opts.HistoryDir, false)
			})
	}

	if opts.Verbosity >= 1 {
		summaryPrinted := false
		loop.OnStep("model summary", 200, func(_ *train.Loop, _ []*tensors.Tensor) error {
			if !summaryPrinted {
				summaryPrinted = true
				fmt.Println()
				fmt.Print(resnext.Summary(modelCtx, 3))
			}
			return nil
		})
	}

	if cfg.EvalEveryEpochs > 0 {
		recorder := &epochRecorder{
			trainer:       trainer,
			ctx:           modelCtx,
			schedule:      schedule,
			hist:          hist,
			testDS:        dss.TestEval,
			stepsPerEpoch: stepsPerEpoch,
			everyEpochs:   cfg.EvalEveryEpochs,
		}
		loop.OnStart("epoch evaluation", 150, recorder.onStart)
		loop.OnStep("epoch evaluation", 150, recorder.onStep)
	}

	numTrainSteps := cfg.NumEpochs * stepsPerEpoch
	globalStep := int(optimizers.GetGlobalStep(modelCtx))
	if globalStep > 0 {
		fmt.Printf("Restarting training from global_step=%d (epoch %d)\n", globalStep, globalStep/stepsPerEpoch)
		trainer.SetContext(modelCtx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err := loop.RunSteps(dss.Train, numTrainSteps-globalStep); err != nil {
			panic(err)
		}
		if opts.Verbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization averages with the final weights.
		if batchnorm.UpdateAverages(trainer, dss.TrainEval) {
			if opts.Verbosity >= 1 {
				fmt.Println("\tUpdated batch normalization mean/variances averages.")
			}
			if checkpoint != nil {
				if err := checkpoint.Save(); err != nil {
					panic(err)
				}
			}
		}
	} else {
		fmt.Printf("\t - target of %d epochs (%d steps) already reached. To train further, increase %q.\n",
			cfg.NumEpochs, numTrainSteps, ParamNumEpochs)
	}

	if opts.Eval {
		if opts.Verbosity >= 1 {
			fmt.Println()
		}
		if err := commandline.ReportEval(trainer, dss.TestEval, dss.TrainEval); err != nil {
			panic(err)
		}
	}
	if err := saveHistory(hist, opts.HistoryDir, true); err != nil {
		panic(err)
	}
}

// epochRecorder evaluates the test dataset at the end of every few epochs, and records it along
// with the training moving averages in the history.
type epochRecorder struct {
	trainer                    *train.Trainer
	ctx                        *context.Context
	schedule                   stepdecay.Config
	hist                       *history.History
	testDS                     train.Dataset
	stepsPerEpoch, everyEpochs int

	// step is the global step after the last train step.
	step int
}

func (r *epochRecorder) onStart(_ *train.Loop, _ train.Dataset) error {
	r.step = int(optimizers.GetGlobalStep(r.ctx))
	return nil
}

func (r *epochRecorder) onStep(_ *train.Loop, trainMetrics []*tensors.Tensor) error {
	r.step++
	step := r.step
	if step%r.stepsPerEpoch != 0 {
		return nil
	}
	epoch := step / r.stepsPerEpoch
	if epoch%r.everyEpochs != 0 {
		return nil
	}
	// Learning rate used during the epoch that just finished.
	lr := r.schedule.LearningRate(epoch - 1)

	trainRecord := history.Record{Epoch: epoch, Step: step, LearningRate: lr, Dataset: "train"}
	if len(trainMetrics) > 0 {
		// Batch loss, replaced by its moving average below.
		trainRecord.Loss = toFloat64(trainMetrics[0])
	}
	for ii, metric := range r.trainer.TrainMetrics() {
		if ii >= len(trainMetrics) {
			break
		}
		switch metric.ShortName() {
		case "~loss":
			trainRecord.Loss = toFloat64(trainMetrics[ii])
		case "~acc":
			trainRecord.Accuracy = toFloat64(trainMetrics[ii])
		}
	}
	r.hist.Add(trainRecord)

	var lossAndMetrics []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { lossAndMetrics = r.trainer.Eval(r.testDS) })
	if err != nil {
		return errors.WithMessagef(err, "evaluating epoch %d", epoch)
	}
	testRecord := history.Record{Epoch: epoch, Step: step, LearningRate: lr, Dataset: "test",
		Loss: toFloat64(lossAndMetrics[0]), Accuracy: toFloat64(lossAndMetrics[1])}
	r.hist.Add(testRecord)
	klog.V(1).Infof("Epoch %d: lr=%g train loss=%.4f acc=%.2f%%, test loss=%.4f acc=%.2f%%", epoch, lr,
		trainRecord.Loss, 100*trainRecord.Accuracy, testRecord.Loss, 100*testRecord.Accuracy)
	return nil
}

// toFloat64 converts a scalar metric to float64.
func toFloat64(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	default:
		return math.NaN()
	}
}
