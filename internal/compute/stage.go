// Package compute declares the numeric compute collaborator the scheduler
// drives. Kernels live outside the scheduler; Affine is a small reference
// stage used by the CLI simulation and tests.
package compute

import (
	"context"
	"fmt"
)

// Stage computes one pipeline partition
type Stage interface {
	// Forward computes the output of partition for input
	Forward(ctx context.Context, partition int, input any) (any, error)
	// Backward computes the gradient w.r.t. the input of partition, given the
	// gradient w.r.t. its output and the cached activations
	Backward(ctx context.Context, partition int, grad, input, output any) (any, error)
	// LossGradient seeds the reverse pass from the output of the last stage
	LossGradient(ctx context.Context, output any) (any, error)
}

// Affine computes y = W[p]*x + B[p] elementwise over float64 payloads.
// The loss is 0.5*sum(y^2), so its gradient is y.
type Affine struct {
	W []float64
	B []float64
}

// NewAffine builds an Affine stage with weight w and bias b on every partition
func NewAffine(partitions int, w, b float64) *Affine {
	a := &Affine{W: make([]float64, partitions), B: make([]float64, partitions)}
	for i := 0; i < partitions; i++ {
		a.W[i] = w
		a.B[i] = b
	}
	return a
}

func (a *Affine) params(partition int) (float64, float64, error) {
	if partition < 0 || partition >= len(a.W) || partition >= len(a.B) {
		return 0, 0, fmt.Errorf("no parameters for partition %d", partition)
	}
	return a.W[partition], a.B[partition], nil
}

func (a *Affine) Forward(ctx context.Context, partition int, input any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, b, err := a.params(partition)
	if err != nil {
		return nil, err
	}
	xs, err := AsVector(input)
	if err != nil {
		return nil, err
	}
	ys := make([]float64, len(xs))
	for i, x := range xs {
		ys[i] = w*x + b
	}
	return ys, nil
}

func (a *Affine) Backward(ctx context.Context, partition int, grad, input, output any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, _, err := a.params(partition)
	if err != nil {
		return nil, err
	}
	gs, err := AsVector(grad)
	if err != nil {
		return nil, err
	}
	xs, err := AsVector(input)
	if err != nil {
		return nil, err
	}
	if len(gs) != len(xs) {
		return nil, fmt.Errorf("gradient length %d does not match input length %d", len(gs), len(xs))
	}
	dx := make([]float64, len(gs))
	for i, g := range gs {
		dx[i] = w * g
	}
	return dx, nil
}

func (a *Affine) LossGradient(ctx context.Context, output any) (any, error) {
	ys, err := AsVector(output)
	if err != nil {
		return nil, err
	}
	grad := make([]float64, len(ys))
	copy(grad, ys)
	return grad, nil
}

// AsVector converts the payload shapes the scheduler carries into []float64.
// Payloads decoded from the wire arrive as []any of float64.
func AsVector(v any) ([]float64, error) {
	switch x := v.(type) {
	case []float64:
		return x, nil
	case float64:
		return []float64{x}, nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is %T, want float64", i, e)
			}
			out[i] = f
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("nil payload")
	}
	return nil, fmt.Errorf("unsupported payload type %T", v)
}
