// Package scout provides quota-bounded research, synthesis and review
// sessions driven by an LLM oracle.
//
// A session researches by letting the oracle pick capabilities (web search,
// token lookups) one turn at a time, drafts a structured report from what it
// found, and has the oracle review the draft. The core, not the oracle,
// decides when the session ends: every capability has a per-session quota and
// every variant has a review iteration cap.
//
// # Core Types
//
//   - [Session] - Transcript, quota counters, draft and review state for one run
//   - [Variant] - Quotas, iteration cap, report shapes and instructions
//   - [Capability] - A named tool the oracle may call, held in a [Registry]
//   - [Artifact] - The report produced by synthesis
//
// # Running a Session
//
// Assemble a [Workflow] from its components and drive sessions with
// [Workflow.Run], or hand it to a [Manager] to run sessions in the background:
//
//	registry := scout.NewRegistry(search, deep, tokens)
//	router := scout.NewRouter(registry, scout.NewDispatcher(registry))
//	wf, err := scout.NewWorkflow(scout.AlphaScout(), router, scout.NewSynthesizer(), scout.NewReviewer())
//
//	mgr := scout.NewManager(wf).WithStore(store)
//	id, err := mgr.Start(ctx, scout.StartRequest{InitialMessages: []string{post}})
//	status, err := mgr.Await(ctx, id)
//
// # Control Flow
//
// Sessions move through the states in [Transitions]:
//
//	Researching → DispatchingCapability → Researching ...
//	Researching → AwaitingSynthesis → Synthesizing → Reviewing
//	Reviewing → Researching | Terminated
//
// A proposal naming any exhausted capability is overridden and synthesis is
// forced. A proposal that stays malformed after retries also forces
// synthesis. Synthesis that never fills exactly one report shape yields a
// fallback artifact. A session always terminates within [Variant.MaxSteps]
// transitions.
//
// # Provider
//
// Oracle access uses a resolution hierarchy:
//
//  1. Explicit parameter (.WithProvider(p))
//  2. Context value (scout.WithProvider(ctx, p))
//  3. Global default (scout.SetProvider(p))
//
// # Persistence
//
// The [SoyStore] implementation writes one checkpoint per terminated session
// to PostgreSQL through soy:
//
//	store, err := scout.NewSoyStore(db)
//
// # Observability
//
// Scout emits capitan signals throughout execution. See [Signals] for the
// complete list. [NewLogSink] writes them to zap and [MustNewMetrics] feeds
// them into Prometheus collectors.
package scout
