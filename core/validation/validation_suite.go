package validation

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/Ramkumar137/DesignMate/core"
)

// StepStatus represents the status of a validation step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepPassed
	StepFailed
	StepWarning
	StepSkipped
)

// String returns the string representation of a step status.
func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepPassed:
		return "passed"
	case StepFailed:
		return "failed"
	case StepWarning:
		return "warning"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ValidationStep represents a single validation step with its status.
type ValidationStep struct {
	Name    string
	Status  StepStatus
	Message string
	Error   error
	Latency time.Duration
}

// SuiteResult represents the complete result of validation suite execution.
type SuiteResult struct {
	Steps       []ValidationStep
	TotalSteps  int
	PassedSteps int
	FailedSteps int
	Warnings    int
	Duration    time.Duration
	Success     bool
}

// Check is one startup check. Fatal checks fail the suite; the others only
// warn, because the backend degrades gracefully without them.
type Check struct {
	Name  string
	Fatal bool
	Run   func() (message string, err error)
}

// ValidationSuite runs the startup checks for the backend configuration and
// prints a colored summary.
type ValidationSuite struct {
	output       io.Writer
	cfg          *core.Config
	showProgress bool
	failFast     bool
	lookPath     func(string) (string, error)
}

// NewValidationSuite creates a suite for cfg writing to stdout.
func NewValidationSuite(cfg *core.Config) *ValidationSuite {
	return &ValidationSuite{
		output:       os.Stdout,
		cfg:          cfg,
		showProgress: true,
		lookPath:     defaultLookPath,
	}
}

// WithOutput sets the output writer for progress messages.
func (s *ValidationSuite) WithOutput(w io.Writer) *ValidationSuite {
	s.output = w
	return s
}

// WithShowProgress enables or disables progress output.
func (s *ValidationSuite) WithShowProgress(show bool) *ValidationSuite {
	s.showProgress = show
	return s
}

// WithFailFast stops validation on first fatal failure if enabled.
func (s *ValidationSuite) WithFailFast(failFast bool) *ValidationSuite {
	s.failFast = failFast
	return s
}

// Checks returns the ordered list of startup checks for the configuration.
func (s *ValidationSuite) Checks() []Check {
	cfg := s.cfg
	return []Check{
		{Name: "Output Directory", Fatal: true, Run: func() (string, error) {
			return CheckWritableDir(cfg.OutputPath)
		}},
		{Name: "Database Directory", Fatal: true, Run: func() (string, error) {
			return CheckWritableDir(parentDir(cfg.DatabasePath))
		}},
		{Name: "Token Secret", Fatal: true, Run: func() (string, error) {
			return CheckJWTSecret(cfg)
		}},
		{Name: "Generation Backend", Run: func() (string, error) {
			return CheckGenerationBackend(cfg, s.lookPath)
		}},
		{Name: "Assistant Provider", Run: func() (string, error) {
			return CheckAssistant(cfg)
		}},
		{Name: "Disk Space", Run: func() (string, error) {
			return CheckOutputDiskSpace(cfg.OutputPath)
		}},
	}
}

// Validate runs all checks in order with progress output.
func (s *ValidationSuite) Validate() SuiteResult {
	startTime := time.Now()
	checks := s.Checks()
	steps := make([]ValidationStep, 0, len(checks))

	if s.showProgress {
		s.printHeader("DesignMate Startup Checks")
	}

	for i, check := range checks {
		step := s.runStep(check)
		steps = append(steps, step)
		if s.failFast && step.Status == StepFailed {
			for _, rest := range checks[i+1:] {
				skipped := ValidationStep{Name: rest.Name, Status: StepSkipped, Message: "Skipped after failure"}
				if s.showProgress {
					s.printStep(skipped)
				}
				steps = append(steps, skipped)
			}
			break
		}
	}

	result := buildResult(steps, startTime)
	if s.showProgress {
		s.printSummary(result)
	}
	return result
}

func (s *ValidationSuite) runStep(check Check) ValidationStep {
	step := ValidationStep{Name: check.Name}

	start := time.Now()
	message, err := check.Run()
	step.Latency = time.Since(start)
	step.Message = message
	step.Error = err

	switch {
	case err == nil:
		step.Status = StepPassed
	case check.Fatal:
		step.Status = StepFailed
	default:
		step.Status = StepWarning
	}

	if s.showProgress {
		s.printStep(step)
	}
	return step
}

func buildResult(steps []ValidationStep, startTime time.Time) SuiteResult {
	result := SuiteResult{
		Steps:      steps,
		TotalSteps: len(steps),
		Duration:   time.Since(startTime),
		Success:    true,
	}

	for _, step := range steps {
		switch step.Status {
		case StepPassed:
			result.PassedSteps++
		case StepFailed:
			result.FailedSteps++
			result.Success = false
		case StepWarning:
			result.Warnings++
		}
	}
	return result
}

func (s *ValidationSuite) printHeader(title string) {
	fmt.Fprintln(s.output)
	color.New(color.FgCyan, color.Bold).Fprintf(s.output, "━━━ %s ━━━\n", title)
	fmt.Fprintln(s.output)
}

func (s *ValidationSuite) printStep(step ValidationStep) {
	var icon string
	var clr *color.Color

	switch step.Status {
	case StepPassed:
		icon = "✓"
		clr = color.New(color.FgGreen)
	case StepFailed:
		icon = "✗"
		clr = color.New(color.FgRed)
	case StepWarning:
		icon = "!"
		clr = color.New(color.FgYellow)
	case StepSkipped:
		icon = "○"
		clr = color.New(color.FgHiBlack)
	default:
		icon = "?"
		clr = color.New(color.FgWhite)
	}

	clr.Fprintf(s.output, "  %s %s", icon, step.Name)
	if step.Message != "" {
		color.New(color.FgHiBlack).Fprintf(s.output, " - %s", step.Message)
	}
	fmt.Fprintln(s.output)

	if step.Error != nil && (step.Status == StepFailed || step.Status == StepWarning) {
		clr.Fprintf(s.output, "    └─ %s\n", step.Error.Error())
	}
}

func (s *ValidationSuite) printSummary(result SuiteResult) {
	fmt.Fprintln(s.output)

	if result.Success {
		ok := color.New(color.FgGreen, color.Bold)
		ok.Fprintf(s.output, "━━━ Ready ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d/%d checks passed, %d warnings)",
			result.PassedSteps, result.TotalSteps, result.Warnings)
		ok.Fprintln(s.output, " ━━━")
	} else {
		fail := color.New(color.FgRed, color.Bold)
		fail.Fprintf(s.output, "━━━ Startup Blocked ")
		color.New(color.FgHiBlack).Fprintf(s.output, "(%d passed, %d failed)",
			result.PassedSteps, result.FailedSteps)
		fail.Fprintln(s.output, " ━━━")
	}

	fmt.Fprintln(s.output)
}

// GetFirstError returns the first error from failed steps, or nil if all passed.
func (r SuiteResult) GetFirstError() error {
	for _, step := range r.Steps {
		if step.Status == StepFailed && step.Error != nil {
			return step.Error
		}
	}
	return nil
}

// Summary returns a human-readable summary string.
func (r SuiteResult) Summary() string {
	var sb strings.Builder
	if r.Success {
		sb.WriteString("Startup checks passed: ")
	} else {
		sb.WriteString("Startup checks failed: ")
	}
	sb.WriteString(fmt.Sprintf("%d/%d checks passed", r.PassedSteps, r.TotalSteps))
	if r.FailedSteps > 0 {
		sb.WriteString(fmt.Sprintf(", %d failed", r.FailedSteps))
	}
	if r.Warnings > 0 {
		sb.WriteString(fmt.Sprintf(", %d warnings", r.Warnings))
	}
	sb.WriteString(fmt.Sprintf(" (took %v)", r.Duration.Round(time.Millisecond)))
	return sb.String()
}
