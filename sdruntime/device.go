package sdruntime

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// DetectDevice returns override when it names a device. Otherwise it asks
// nvidia-smi -L for GPUs and answers cuda when at least one is listed.
func DetectDevice(ctx context.Context, nvidiaSMI, override string) string {
	switch strings.ToLower(override) {
	case DeviceCUDA:
		return DeviceCUDA
	case DeviceCPU:
		return DeviceCPU
	}
	if HasNvidiaGPU(ctx, nvidiaSMI) {
		return DeviceCUDA
	}
	return DeviceCPU
}

// HasNvidiaGPU reports whether nvidia-smi runs and lists a GPU.
func HasNvidiaGPU(ctx context.Context, nvidiaSMI string) bool {
	if nvidiaSMI == "" {
		nvidiaSMI = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, nvidiaSMI, "-L").Output()
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "GPU ") {
			return true
		}
	}
	return false
}
