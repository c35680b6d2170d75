// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/iprofiler/internal/controller"

import "io"

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithOutput sets the writer the profile report is written to.
// This defaults to [os.Stdout]
func WithOutput(w io.Writer) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.output = w
		return c
	})
}
