package queue

// ThrottleConfig bounds the advisory thinking-coefficient signal.
type ThrottleConfig struct {
	// CeilingTokensPerSecond is the sustainable backend throughput.
	CeilingTokensPerSecond float64
	// TargetUtilization is the load fraction the estimator steers towards.
	TargetUtilization float64
	// MinCoefficient is emitted when the backend must be protected.
	MinCoefficient float64
	// MaxCoefficient is emitted when there is plenty of headroom.
	MaxCoefficient float64
}

// DefaultThrottleConfig mirrors the tuning the decision pipeline expects.
func DefaultThrottleConfig() ThrottleConfig {
	return ThrottleConfig{
		CeilingTokensPerSecond: 400,
		TargetUtilization:      0.7,
		MinCoefficient:         0.25,
		MaxCoefficient:         2.0,
	}
}

// queuePressureDepth is the backlog depth treated as full pressure.
const queuePressureDepth = 10

// ThrottleEstimator converts recent throughput and queue depth into an
// advisory coefficient consumers use to scale their submission cadence. The
// queue itself never rejects work based on it.
type ThrottleEstimator struct {
	cfg ThrottleConfig
}

// NewThrottleEstimator validates and applies defaults to the configuration.
func NewThrottleEstimator(cfg ThrottleConfig) *ThrottleEstimator {
	defaults := DefaultThrottleConfig()
	if cfg.CeilingTokensPerSecond <= 0 {
		cfg.CeilingTokensPerSecond = defaults.CeilingTokensPerSecond
	}
	if cfg.TargetUtilization <= 0 || cfg.TargetUtilization > 1 {
		cfg.TargetUtilization = defaults.TargetUtilization
	}
	if cfg.MinCoefficient <= 0 {
		cfg.MinCoefficient = defaults.MinCoefficient
	}
	if cfg.MaxCoefficient < cfg.MinCoefficient {
		cfg.MaxCoefficient = defaults.MaxCoefficient
	}
	return &ThrottleEstimator{cfg: cfg}
}

// Config returns the effective configuration.
func (t *ThrottleEstimator) Config() ThrottleConfig {
	return t.cfg
}

// Utilization maps measured throughput onto [0,1] against the ceiling.
func (t *ThrottleEstimator) Utilization(tokensPerSecond float64) float64 {
	if tokensPerSecond <= 0 {
		return 0
	}
	utilization := tokensPerSecond / t.cfg.CeilingTokensPerSecond
	if utilization > 1 {
		return 1
	}
	return utilization
}

// loadFactor combines capacity utilization with queue pressure.
func loadFactor(utilization float64, queueDepth int) float64 {
	pressure := float64(queueDepth) / queuePressureDepth
	if pressure > 1 {
		pressure = 1
	}
	if pressure > utilization {
		return pressure
	}
	return utilization
}

// Coefficient maps a load factor onto the advisory throttle signal.
//
// Below half the target the backend has headroom and consumers are told to
// think more; approaching the target the signal eases down to neutral; past
// the target it ramps towards the minimum; at 0.9 and above it pins there.
func (t *ThrottleEstimator) Coefficient(load float64) float64 {
	if load < 0 {
		load = 0
	}
	target := t.cfg.TargetUtilization
	halfTarget := 0.5 * target

	switch {
	case load < halfTarget:
		return t.cfg.MaxCoefficient
	case load < target:
		span := target - halfTarget
		frac := (load - halfTarget) / span
		return t.cfg.MaxCoefficient - frac*(t.cfg.MaxCoefficient-1.0)
	case load < 0.9:
		span := 0.9 - target
		if span <= 0 {
			return t.cfg.MinCoefficient
		}
		frac := (load - target) / span
		return 1.0 - frac*(1.0-t.cfg.MinCoefficient)
	default:
		return t.cfg.MinCoefficient
	}
}
