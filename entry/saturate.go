// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package entry // import "go.opentelemetry.io/iprofiler/entry"

import "golang.org/x/exp/constraints"

// satAdd returns v+d clamped to limit.
func satAdd[T constraints.Unsigned](v, d, limit T) T {
	if v >= limit || d >= limit-v {
		return limit
	}
	return v + d
}
