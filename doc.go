// Package psimon monitors Linux pressure stall information (PSI) triggers.
//
// A process arms kernel triggers such as "some CPU stall of 150ms within any
// 1s window" and receives an event each time the kernel reports the condition.
// This library does not measure pressure itself; it arms thresholds and
// observes them.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	psimon/         Root package with ID, Event, Entry and the Dispatcher interface
//	├── trigger/    Trigger specs, validation and owned kernel handles
//	├── registry/   Handle bookkeeping and conversion into a dispatcher
//	├── thread/     Dispatcher running a blocking epoll loop on its own OS thread
//	├── loop/       Cooperative single-goroutine epoll scheduler
//	├── task/       Dispatcher running as tasks on a shared loop
//	├── config/     YAML trigger configuration
//	└── errors/     Structured error types
//
// # Quick Start
//
// Arm a trigger and wait for it:
//
//	spec := trigger.NewSpec()
//	spec.Resource = trigger.CPU
//	spec.Stall = trigger.StallSome
//	spec.Amount = 500 * time.Microsecond
//	spec.Window = time.Second
//
//	h, err := trigger.Build(spec)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := registry.New()
//	id, _ := reg.Add(h)
//
//	d, err := reg.IntoThreadDispatcher()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	if err := d.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    ev, err := d.Receive(ctx)
//	    if err != nil {
//	        break // errors.IsClosed(err) after Close
//	    }
//	    fmt.Println(ev) // "ready 0"
//	}
//
// # Choosing a Dispatcher
//
// Both dispatchers implement Dispatcher and deliver the same events in the
// same order. The thread dispatcher owns an epoll instance and a pinned OS
// thread. Task dispatchers register their handles on a loop.Loop, so many of
// them share one goroutine and one epoll instance:
//
//	l, _ := loop.New()
//	go l.Run(ctx)
//	d, _ := reg.IntoTaskDispatcher(l)
//
// # Ownership
//
// Handles move linearly from Build to a Registry to a Dispatcher. Closing
// whichever of them currently owns the handles closes every descriptor.
// A failed readiness wait is delivered once as an EventFailure, after which the
// dispatcher has already released its handles. No retry is attempted.
//
// # Thread Safety
//
// Registry and both dispatchers are safe for concurrent use. Events are
// delivered to Receive callers in the order they were enqueued.
package psimon
