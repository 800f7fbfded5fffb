// Package metrics exposes the service's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokensIssued counts QR tokens handed out to students.
	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_tokens_issued_total",
		Help: "Number of attendance tokens issued.",
	})

	// Validations counts scan attempts by outcome (ok, invalid_token,
	// token_expired, student_not_found, session_not_found, not_enrolled,
	// already_recorded, invalid_input, error).
	Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_validations_total",
		Help: "Number of attendance validations by outcome.",
	}, []string{"outcome"})
)
