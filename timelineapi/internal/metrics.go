// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pagesAppliedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cambium",
			Subsystem: "timelineapi",
			Name:      "pages_applied_total",
			Help:      "Number of pagination pages applied to the chunk store, by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)
	paginationDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cambium",
			Subsystem: "timelineapi",
			Name:      "pagination_duration_seconds",
			Help:      "Wall time of one pagination call including sparse-page retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(pagesAppliedCounter, paginationDurationHist)
}
