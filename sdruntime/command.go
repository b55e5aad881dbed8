package sdruntime

import (
	"strconv"
)

// BuildArgs renders the sd command line for one generation. controlPath is
// empty when no control image is used.
func BuildArgs(cfg RuntimeConfig, p GenerateParams, controlPath, outputPath string) []string {
	args := []string{"-m", cfg.ModelFile}

	if controlPath != "" && cfg.ControlNetFile != "" {
		args = append(args,
			"--control-net", cfg.ControlNetFile,
			"--control-image", controlPath,
			"--control-strength", formatFloat(p.ControlStrength),
		)
	}

	args = append(args, "-p", SanitizePrompt(p.Prompt))
	if neg := SanitizePrompt(p.NegativePrompt); neg != "" {
		args = append(args, "-n", neg)
	}

	args = append(args,
		"--cfg-scale", formatFloat(p.CFGScale),
		"--steps", strconv.Itoa(p.Steps),
		"-W", strconv.Itoa(p.Width),
		"-H", strconv.Itoa(p.Height),
		"-s", strconv.FormatInt(p.Seed, 10),
		"-o", outputPath,
		"--type", cfg.WeightType(),
	)
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if cfg.VAETiling {
		args = append(args, "--vae-tiling")
	}
	if cfg.Device == DeviceCPU {
		args = append(args, "--clip-on-cpu", "--control-net-cpu", "--vae-on-cpu")
	}
	return args
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
