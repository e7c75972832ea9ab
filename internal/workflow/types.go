// Package workflow records multi-step browsing sessions, replays them with
// variable substitution, and mines their traffic for shortcut optimizations.
// Workflows are tenant-owned and soft-deletable.
package workflow

import (
	"time"

	"github.com/skimmerhq/skimmer/internal/renderer"
)

// Action is one step's kind.
type Action string

const (
	ActionNavigate      Action = "navigate"
	ActionClick         Action = "click"
	ActionFill          Action = "fill"
	ActionSelect        Action = "select"
	ActionScroll        Action = "scroll"
	ActionWait          Action = "wait"
	ActionExtract       Action = "extract"
	ActionDismissBanner Action = "dismiss_banner"
)

// Importance grades a step for replay and abstraction.
type Importance string

const (
	ImportanceCritical  Importance = "critical"
	ImportanceImportant Importance = "important"
	ImportanceOptional  Importance = "optional"
)

// Step is one recorded action. URL may carry {{var}} placeholders.
type Step struct {
	StepNumber    int                       `json:"stepNumber"`
	Action        Action                    `json:"action"`
	URL           string                    `json:"url,omitempty"`
	Selector      string                    `json:"selector,omitempty"`
	Value         string                    `json:"value,omitempty"`
	Annotation    string                    `json:"annotation,omitempty"`
	Importance    Importance                `json:"importance,omitempty"`
	Duration      time.Duration             `json:"durationMs,omitempty"`
	Tier          string                    `json:"tier,omitempty"`
	Success       bool                      `json:"success"`
	ExtractedData map[string]any            `json:"extractedData,omitempty"`
	NetworkLog    []renderer.NetworkRequest `json:"networkLog,omitempty"`
}

// Workflow is a saved step sequence.
type Workflow struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Domain       string        `json:"domain"`
	Tags         []string      `json:"tags,omitempty"`
	TenantID     string        `json:"tenantId"`
	Steps        []Step        `json:"steps"`
	UsageCount   int           `json:"usageCount"`
	SuccessCount int           `json:"successCount"`
	SuccessRate  float64       `json:"successRate"`
	Version      int           `json:"version"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// StepResult is one step's replay outcome.
type StepResult struct {
	StepNumber int           `json:"stepNumber"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"durationMs"`
	Tier       string        `json:"tier,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReplayResult is a completed replay.
type ReplayResult struct {
	WorkflowID     string        `json:"workflowId"`
	ExecutedAt     time.Time     `json:"executedAt"`
	Results        []StepResult  `json:"results"`
	OverallSuccess bool          `json:"overallSuccess"`
	TotalDuration  time.Duration `json:"totalDuration"`
	UsedShortcut   bool          `json:"usedShortcut,omitempty"`
}
