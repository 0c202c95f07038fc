// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	backupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codehealth_backup_total",
		Help: "Backups taken by result",
	}, []string{"result"})

	restoresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "codehealth_backup_restore_total",
		Help: "Restores performed by result",
	}, []string{"result"})

	prunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "codehealth_backup_pruned_total",
		Help: "Backup files removed by retention",
	})

	backupBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "codehealth_backup_bytes",
		Help:    "Size of snapshotted files in bytes",
		Buckets: prometheus.ExponentialBuckets(256, 4, 8), // 256B to ~4MB
	})
)
