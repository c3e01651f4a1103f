// Package prompts provides the orchestrator's versioned prompt
// templates. Templates are checked into the binary via embed.FS and
// are never synthesized at runtime (spec.md §4.D).
package prompts

import "embed"

//go:embed planner/*.md patcher/*.md critic/*.md schemas/*.json
var embeddedFS embed.FS
