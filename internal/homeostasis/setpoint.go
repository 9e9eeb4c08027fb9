package homeostasis

import "autognosis/internal/numeric"

// Setpoint is a PID-controlled target for one field.
type Setpoint struct {
	Name       string
	Field      Field
	Target     float64
	Current    float64
	Tolerance  float64
	Integral   float64
	LastError  float64
	Derivative float64
	Kp, Ki, Kd float64
}

// SetpointConfig is the serialized form of a setpoint.
type SetpointConfig struct {
	Name      string  `yaml:"name"`
	Target    float64 `yaml:"target"`
	Tolerance float64 `yaml:"tolerance"`
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	Kd        float64 `yaml:"kd"`
}

// PIDLimits bounds the integral and the auto-tuned gains.
type PIDLimits struct {
	IntegralLimit float64 `yaml:"integral_limit"`
	KpMin         float64 `yaml:"kp_min"`
	KpMax         float64 `yaml:"kp_max"`
	KiMin         float64 `yaml:"ki_min"`
	KiMax         float64 `yaml:"ki_max"`
	KdMin         float64 `yaml:"kd_min"`
	KdMax         float64 `yaml:"kd_max"`
}

// DefaultPIDLimits returns the reference bounds.
func DefaultPIDLimits() PIDLimits {
	return PIDLimits{IntegralLimit: 10, KpMin: 0.1, KpMax: 5, KiMin: 0.01, KiMax: 2, KdMin: 0.001, KdMax: 1}
}

// NewSetpoint creates a setpoint whose current value starts at its target.
func NewSetpoint(c SetpointConfig) (*Setpoint, bool) {
	f, ok := FieldForName(c.Name)
	if !ok {
		return nil, false
	}
	return &Setpoint{
		Name: c.Name, Field: f,
		Target: c.Target, Current: c.Target, Tolerance: c.Tolerance,
		Kp: c.Kp, Ki: c.Ki, Kd: c.Kd,
	}, true
}

// UpdateError records current and recomputes the error terms. The integral
// is clamped to ±limit.
func (s *Setpoint) UpdateError(current, limit float64) {
	s.Current = current
	e := s.Target - current
	s.Integral = numeric.Clamp(s.Integral+e, -limit, limit)
	s.Derivative = e - s.LastError
	s.LastError = e
}

// Control returns the PID output, saturated to [-1, 1].
func (s *Setpoint) Control() float64 {
	return numeric.Clamp(s.Kp*s.LastError+s.Ki*s.Integral+s.Kd*s.Derivative, -1, 1)
}

// WithinTolerance reports whether the current value is inside the band.
func (s *Setpoint) WithinTolerance() bool {
	e := s.Target - s.Current
	return e <= s.Tolerance && e >= -s.Tolerance
}

// Tune nudges the gains up under poor performance and down under very good
// performance, keeping each inside its bounds.
func (s *Setpoint) Tune(performance float64, l PIDLimits) {
	switch {
	case performance < 0.5:
		s.Kp *= 1.05
		s.Ki *= 1.02
		s.Kd *= 1.01
	case performance > 0.9:
		s.Kp *= 0.98
		s.Ki *= 0.99
		s.Kd *= 0.995
	}
	s.Kp = numeric.Clamp(s.Kp, l.KpMin, l.KpMax)
	s.Ki = numeric.Clamp(s.Ki, l.KiMin, l.KiMax)
	s.Kd = numeric.Clamp(s.Kd, l.KdMin, l.KdMax)
}
