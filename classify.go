package goresample

import (
	"context"
	"fmt"
	"log/slog"
)

// Classifier labels every output pixel of a resampling run. The resampled
// pixel (all bands) is the sample vector handed to Model; the label and the
// model's confidence are written to two single-band rasters on the output
// grid.
//
// Pixels that are masked or fall outside the interpolator's domain are never
// sent to the model: they get DefaultLabel and confidence 0.
type Classifier struct {
	Resampler *Resampler
	Model     Model
	// BatchMode collects the sample vectors of a work item and evaluates
	// them in a single EvaluateBatch call instead of one Evaluate per pixel.
	// Both modes produce the same rasters.
	BatchMode    bool
	DefaultLabel int
}

// featureCounter is implemented by models that know their input length.
type featureCounter interface {
	Features() int
}

// Classify runs the classification over region (zero Region means the whole
// output grid).
func (c *Classifier) Classify(ctx context.Context, input *Raster, region Region) (labels, confidence *Raster, err error) {
	if c.Resampler == nil || c.Model == nil {
		return nil, nil, ErrMissingInput
	}
	plan, region, err := c.Resampler.prepare(input, region)
	if err != nil {
		return nil, nil, err
	}
	if fc, ok := c.Model.(featureCounter); ok && fc.Features() != plan.bands {
		return nil, nil, fmt.Errorf("model expects %d features, input has %d bands", fc.Features(), plan.bands)
	}
	if labels, err = NewRaster(plan.out, region, 1); err != nil {
		return nil, nil, err
	}
	if confidence, err = NewRaster(plan.out, region, 1); err != nil {
		return nil, nil, err
	}
	def := float64(c.DefaultLabel)

	err = c.Resampler.dispatch(ctx, region, func(item Region) {
		if c.BatchMode {
			c.classifyBatch(plan, item, labels, confidence)
			return
		}
		plan.walk(item, func(idx []int, valid bool, value []float64) {
			off := labels.Offset(idx)
			if !valid {
				labels.Data[off], confidence.Data[off] = def, 0
				return
			}
			label, conf := c.Model.Evaluate(value)
			labels.Data[off], confidence.Data[off] = float64(label), conf
		})
	})
	if err != nil {
		return nil, nil, err
	}
	Logger().Debug("classification done", slog.Any("region", region), slog.Bool("batch", c.BatchMode))
	return labels, confidence, nil
}

func (c *Classifier) classifyBatch(plan *resamplePlan, item Region, labels, confidence *Raster) {
	block := getSampleBlock(item.NumberOfPixels(), plan.bands)
	defer putSampleBlock(block)

	def := float64(c.DefaultLabel)
	plan.walk(item, func(idx []int, valid bool, value []float64) {
		off := labels.Offset(idx)
		if !valid {
			labels.Data[off], confidence.Data[off] = def, 0
			return
		}
		block.add(off, value)
	})
	if len(block.offsets) == 0 {
		return
	}
	block.seal(plan.bands)
	preds := c.Model.EvaluateBatch(block.vectors)
	for i, off := range block.offsets {
		labels.Data[off] = float64(preds[i].Label)
		confidence.Data[off] = preds[i].Confidence
	}
}
