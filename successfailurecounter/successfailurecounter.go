// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package successfailurecounter counts the outcome of an operation exactly once.
//
// A SuccessFailureCounter must not be shared between goroutines. The counters it updates
// may be.
package successfailurecounter // import "go.opentelemetry.io/iprofiler/successfailurecounter"

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// SuccessFailureCounter increments exactly one of its outcome counters.
type SuccessFailureCounter struct {
	success, fail, badData *atomic.Uint64
	sealed                 bool
}

// New returns a SuccessFailureCounter that can be incremented exactly once.
func New(success, fail *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// NewWithBadData is New with a third outcome for results that were found but unusable.
func NewWithBadData(success, fail, badData *atomic.Uint64) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail, badData: badData}
}

func (sfc *SuccessFailureCounter) report(counter *atomic.Uint64, outcome string) {
	if sfc.sealed {
		log.Errorf("Attempted to report %s after the outcome was already reported.", outcome)
		return
	}
	sfc.sealed = true
	if counter != nil {
		counter.Add(1)
	}
}

// ReportSuccess increments the success counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	sfc.report(sfc.success, "success")
}

// ReportFailure increments the failure counter or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportFailure() {
	sfc.report(sfc.fail, "failure")
}

// ReportBadData increments the bad data counter, or the failure counter if the
// SuccessFailureCounter was created without one.
func (sfc *SuccessFailureCounter) ReportBadData() {
	if sfc.badData == nil {
		sfc.report(sfc.fail, "failure")
		return
	}
	sfc.report(sfc.badData, "bad data")
}

// DefaultToSuccess increments the success counter if no counter was updated before.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		sfc.ReportSuccess()
	}
}

// DefaultToFailure increments the failure counter if no counter was updated before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		sfc.ReportFailure()
	}
}
