// Package trigger arms Linux pressure stall (PSI) triggers.
//
// A trigger is described by a Spec and armed by Build, which writes the
// command "<some|full> <stall us> <window us>" to the resource's control file
// and keeps the resulting descriptor as an owned Handle:
//
//	spec := trigger.NewSpec()
//	spec.Resource = trigger.CPU
//	spec.Stall = trigger.StallSome
//	spec.Amount = 150 * time.Millisecond
//	spec.Window = time.Second
//
//	h, err := trigger.Build(spec)
//	if err != nil {
//	    return err
//	}
//	defer h.Close()
//
// The descriptor becomes readable with priority data (EPOLLPRI) each time
// the kernel observes the configured stall within the window.
//
// # Control Files
//
// System-wide triggers use /proc/pressure/{cpu,memory,io,irq}. Setting
// Spec.Cgroup targets a cgroup v2 directory instead, using its
// {cpu,memory,io,irq}.pressure files.
//
// # Limits
//
// The kernel accepts windows between 500ms and 10s (WINDOW_MIN_US and
// WINDOW_MAX_US in kernel/sched/psi.c). Kernels since 6.5 additionally require
// unprivileged callers to use windows that are multiples of 2s; such triggers
// pass local validation and fail in Build with EINVAL. Spec.Limits narrows or
// widens the locally enforced bounds when a platform differs.
package trigger
