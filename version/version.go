// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package version

// Version is overridden at link time with -ldflags "-X".
var Version string = "0.0.0"
