// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk classifies a proposed change to one file.
//
// # Architecture
//
//	┌────────────────────────────────────────────────────────────────┐
//	│                   Risk Classifier Pipeline                     │
//	├────────────────────────────────────────────────────────────────┤
//	│                                                                │
//	│  Change (path, content, deps, embedding) + graph Snapshot      │
//	│         │                                                      │
//	│         ▼                                                      │
//	│  ┌──────────────┬──────────────┐                               │
//	│  │   Security   │   Circular   │   both always evaluated       │
//	│  └──────────────┴──────────────┘                               │
//	│         │ neither fired                                        │
//	│         ▼                                                      │
//	│  ┌──────────────┬──────────────┬──────────────┐   errgroup     │
//	│  │ Performance  │   Health     │   Semantic   │                │
//	│  │  heuristics  │  projection  │    impact    │                │
//	│  └──────────────┴──────────────┴──────────────┘                │
//	│                        │                                       │
//	│                        ▼                                       │
//	│               Classification + Impact                          │
//	│                                                                │
//	└────────────────────────────────────────────────────────────────┘
//
// # Priority
//
// SECURITY > CIRCULAR > PERFORMANCE > HEALTH > BREAKING/SEMANTIC >
// STRUCTURAL > SYNTAX_ONLY > MINOR. Each classification carries its own
// impact score in [0, 1]; see Validate.
//
// SECURITY and CIRCULAR are blocking: the change is invalid and must not
// be written.
//
// # Thread Safety
//
// Pipeline is safe for concurrent use. It never mutates the snapshot it is
// given.
package risk
