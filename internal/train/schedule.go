package train

import "math"

// TFRatio returns the teacher-forcing probability for an epoch. The
// schedule decays geometrically from TFStart and never drops below TFMin,
// so late epochs keep a floor of guided steps.
func (c Config) TFRatio(epoch int) float64 {
	return math.Max(c.TFStart*math.Pow(c.TFDecay, float64(epoch)), c.TFMin)
}

// PlateauScheduler reduces the learning rate when the observed validation
// loss stops improving. Improvement means strictly less than the best value
// seen so far; after more than patience consecutive epochs without one, the
// rate is multiplied by factor and the counter resets.
type PlateauScheduler struct {
	lr       float64
	factor   float64
	patience int
	best     float64
	bad      int
}

func NewPlateauScheduler(lr, factor float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		lr:       lr,
		factor:   factor,
		patience: patience,
		best:     math.Inf(1),
	}
}

// LR returns the current learning rate.
func (s *PlateauScheduler) LR() float64 { return s.lr }

// Observe feeds one epoch's validation loss and reports whether the rate
// was just reduced.
func (s *PlateauScheduler) Observe(val float64) bool {
	if val < s.best {
		s.best = val
		s.bad = 0
		return false
	}
	s.bad++
	if s.bad > s.patience {
		s.lr *= s.factor
		s.bad = 0
		return true
	}
	return false
}
