package envelope

import (
	"context"
	"fmt"
	"time"
)

// ConvertFunc upgrades an older payload shape to the next version in a
// conversion chain.
type ConvertFunc func(old any) (any, error)

// ConverterChain converts a stored/received payload forward through a
// bounded sequence of version steps before handler dispatch. It exists
// so schema evolution (a payload persisted under an old shape) doesn't
// require every handler to understand every historical version.
type ConverterChain struct {
	steps          []ConvertFunc
	maxSteps       int
	timeout        time.Duration
	compatMode     CompatibilityMode
}

// CompatibilityMode controls behavior when no conversion path exists
// for a given payload's declared version.
type CompatibilityMode string

const (
	// CompatibilityStrict fails the conversion if no path is found.
	CompatibilityStrict CompatibilityMode = "STRICT"
	// CompatibilityPassthrough returns the payload unchanged if no path
	// is found, trusting the handler to cope.
	CompatibilityPassthrough CompatibilityMode = "PASSTHROUGH"
)

// NewConverterChain builds a chain bounded by maxSteps and timeout, with
// the given default compatibility mode.
func NewConverterChain(maxSteps int, timeout time.Duration, mode CompatibilityMode) *ConverterChain {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ConverterChain{maxSteps: maxSteps, timeout: timeout, compatMode: mode}
}

// Add appends a conversion step. Steps run in registration order.
func (c *ConverterChain) Add(step ConvertFunc) *ConverterChain {
	c.steps = append(c.steps, step)
	return c
}

// Convert runs payload through every registered step, stopping early if
// maxSteps is exceeded or ctx's deadline (bounded additionally by the
// chain's own timeout) elapses.
func (c *ConverterChain) Convert(ctx context.Context, payload any) (any, error) {
	if len(c.steps) == 0 {
		if c.compatMode == CompatibilityPassthrough {
			return payload, nil
		}
		return payload, nil
	}
	if len(c.steps) > c.maxSteps {
		return nil, fmt.Errorf("envelope: conversion chain exceeds max steps (%d > %d)", len(c.steps), c.maxSteps)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	current := payload
	for i, step := range c.steps {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("envelope: conversion timed out at step %d: %w", i, ctx.Err())
		default:
		}
		next, err := step(current)
		if err != nil {
			if c.compatMode == CompatibilityPassthrough {
				return current, nil
			}
			return nil, fmt.Errorf("envelope: conversion step %d failed: %w", i, err)
		}
		current = next
	}
	return current, nil
}
