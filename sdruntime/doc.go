// Package sdruntime runs stable-diffusion.cpp's sd executable with
// ControlNet conditioning.
//
// A Runner owns a ContextPool that bounds how many sd processes run at
// once. Each Generate call acquires a slot, writes the control image into
// the work directory, runs sd with a per-call timeout and returns the PNG
// it produced:
//
//	runner, err := sdruntime.NewRunner(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer runner.Close()
//
//	params := sdruntime.DefaultParams()
//	params.Prompt = "dashboard, photorealistic 3D product render"
//	params.Control = controlImage
//	result, err := runner.Generate(ctx, params)
//
// Failures are returned as *GenerationError, which wraps one of the package
// sentinels so callers can use errors.Is.
package sdruntime
