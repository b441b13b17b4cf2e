package kernels

import (
	"math"

	"kinfu-scanner/internal/mathutil"
)

// LightConfig holds the Phong coefficients used by the render kernels.
// The light is white; intensities are in [0, 1].
type LightConfig struct {
	Ambient  float64
	Diffuse  float64
	Specular float64
	SpecPow  float64
}

// DefaultLightConfig returns the standard shading.
func DefaultLightConfig() LightConfig {
	return LightConfig{
		Ambient:  0.3,
		Diffuse:  0.5,
		Specular: 0.2,
		SpecPow:  20,
	}
}

// ComputeShade returns the gray level in [0, 1] of a surface point p with
// normal n, lit by a point light at light. The viewer sits at the origin.
func (lc *LightConfig) ComputeShade(p, n, light mathutil.Vec3) float64 {
	l := light.Sub(p).Normalize()
	v := p.Neg().Normalize()

	ndl := n.Dot(l)
	if ndl < 0 {
		ndl = 0
	}

	// Reflected light direction
	r := n.Scale(2 * n.Dot(l)).Sub(l).Normalize()
	rdv := r.Dot(v)
	if rdv < 0 {
		rdv = 0
	}
	highlight := math.Pow(rdv, lc.SpecPow) * lc.Specular

	return clamp01(lc.Ambient + lc.Diffuse*ndl + highlight)
}

// ComputeTint returns the factor a surface color is scaled by: ambient
// plus Lambertian falloff, without highlights.
func (lc *LightConfig) ComputeTint(p, n, light mathutil.Vec3) float64 {
	ndl := n.Dot(light.Sub(p).Normalize())
	if ndl < 0 {
		ndl = 0
	}
	return clamp01(lc.Ambient + (1-lc.Ambient)*ndl)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func toByte(x float64) uint8 {
	return uint8(clamp01(x)*255 + 0.5)
}
