// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package metrics defines prometheus collectors of the marketplace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric of the marketplace.
const namespace = "runemarket"

// Metrics holds marketplace collectors.
type Metrics struct {
	OffersCreated   prometheus.Counter
	OffersCancelled *prometheus.CounterVec // by reason.
	OffersFilled    prometheus.Counter
	Settlements     *prometheus.CounterVec // by result.
	ValidityChecks  *prometheus.CounterVec // by result.
}

// New creates collectors and registers them with the registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OffersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_created_total",
			Help:      "Number of created or relisted offers.",
		}),
		OffersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_cancelled_total",
			Help:      "Number of offers moved to cancelled state.",
		}, []string{"reason"}),
		OffersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_filled_total",
			Help:      "Number of offers filled by broadcast settlements.",
		}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Number of submitted settlements.",
		}, []string{"result"}),
		ValidityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validity_checks_total",
			Help:      "Number of offer validity checks.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.OffersCreated, m.OffersCancelled, m.OffersFilled, m.Settlements, m.ValidityChecks,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}
