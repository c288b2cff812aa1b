package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/davidbarr/foreman/internal/artifact"
	"github.com/davidbarr/foreman/internal/backlog"
	"github.com/davidbarr/foreman/internal/gate"
	"github.com/davidbarr/foreman/internal/metrics"
	"github.com/davidbarr/foreman/internal/runpaths"
	"github.com/davidbarr/foreman/internal/state"
)

// itemFailure remembers why an item failed so the map node can surface the
// dominant category.
type itemFailure struct {
	itemID   string
	category string
	message  string
}

// runMapNode drives the work-item loop: for each ready backlog item, an
// implement/fix attempt followed by diff capture, guardrails, and the verify
// gates, bounded by run.max_fix_attempts.
func (e *Engine) runMapNode(ctx context.Context, node NodeDefinition, res *Result) *nodeError {
	if e.Backlog == nil {
		raw, ok := e.Artifacts.Get(artifact.KeyBacklog)
		if !ok {
			return nodeErr(CategoryParseError, "map node %s: no backlog available", node.ID)
		}
		bl, err := backlog.Parse(e.Paths.RunID, raw)
		if err != nil {
			return nodeErr(CategoryParseError, "%v", err)
		}
		e.Backlog = bl
	}

	applyNode, gateNode := splitItemPipeline(node.Config.ItemPipeline)
	if applyNode == nil {
		return nodeErr(CategoryUnknown, "map node %s: item_pipeline requires an llm_apply node", node.ID)
	}
	concurrency := node.Config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	if e.Cfg.Run.ParallelItems > concurrency {
		concurrency = e.Cfg.Run.ParallelItems
	}

	// Recover an item left in_progress by a dead process: it re-enters the
	// attempt loop with its attempt counter intact.
	var blMu sync.Mutex
	for _, item := range e.Backlog.Items {
		if item.Status == backlog.StatusInProgress {
			item.Status = backlog.StatusTodo
		}
	}
	e.persistBacklog(&blMu)

	todo := 0
	for _, item := range e.Backlog.Items {
		if item.Status == backlog.StatusTodo {
			todo++
		}
	}
	if concurrency > todo {
		concurrency = todo
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var failures []itemFailure
	stopped := false
	active := 0
	cond := sync.NewCond(&blMu)

	// Wake waiting workers when the context is cancelled.
	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			blMu.Lock()
			stopped = true
			cond.Broadcast()
			blMu.Unlock()
		case <-cancelWatch:
		}
	}()
	defer close(cancelWatch)

	worker := func() {
		for {
			blMu.Lock()
			var item *backlog.Item
			for {
				if stopped {
					blMu.Unlock()
					return
				}
				item = e.Backlog.NextTodo()
				if item != nil {
					break
				}
				if active == 0 {
					// Drained, or every remaining todo is permanently blocked.
					stopped = true
					cond.Broadcast()
					blMu.Unlock()
					return
				}
				cond.Wait()
			}
			item.Status = backlog.StatusInProgress
			active++
			e.persistBacklogLocked()
			blMu.Unlock()

			failure := e.runItem(ctx, item, applyNode, gateNode, &blMu)

			blMu.Lock()
			active--
			if failure != nil {
				failures = append(failures, *failure)
				if e.Cfg.Run.StopOnFirstFailure {
					stopped = true
				}
			}
			e.persistBacklogLocked()
			cond.Broadcast()
			blMu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker()
		}()
	}
	wg.Wait()

	total, done, failed := e.Backlog.Counts()
	res.ItemsTotal = total
	res.ItemsCompleted = done
	res.ItemsFailed = failed

	if ctx.Err() != nil {
		e.markInFlightCancelled(&blMu)
		return nodeErr(CategoryCancelled, "cancelled")
	}
	if len(failures) > 0 {
		last := failures[len(failures)-1]
		return nodeErr(last.category, "item %s failed: %s", last.itemID, last.message)
	}
	return nil
}

func splitItemPipeline(nodes []NodeDefinition) (apply *NodeDefinition, gateNode *NodeDefinition) {
	for i := range nodes {
		switch nodes[i].Type {
		case NodeLLMApply:
			if apply == nil {
				apply = &nodes[i]
			}
		case NodeGate:
			if gateNode == nil {
				gateNode = &nodes[i]
			}
		}
	}
	return apply, gateNode
}

func (e *Engine) persistBacklog(mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	e.persistBacklogLocked()
}

func (e *Engine) persistBacklogLocked() {
	y, err := e.Backlog.ToYAML()
	if err != nil {
		e.log().Printf("serialize backlog: %v", err)
		return
	}
	if err := runpaths.WriteFileAtomic(e.Paths.BacklogFile(), y); err != nil {
		e.log().Printf("persist backlog: %v", err)
	}
}

func (e *Engine) markInFlightCancelled(mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	for _, item := range e.Backlog.Items {
		if item.Status == backlog.StatusInProgress {
			item.Status = backlog.StatusFailed
			item.Notes = "cancelled"
		}
	}
	e.persistBacklogLocked()
	e.State.SetFailureEvidence(map[string]string{"cancelled": "true"})
}

// runItem executes the per-item implement→diff→guardrail→verify state
// machine with the fix-retry loop. Returns nil when the item went done.
func (e *Engine) runItem(ctx context.Context, item *backlog.Item, applyNode *NodeDefinition, gateNode *NodeDefinition, blMu *sync.Mutex) *itemFailure {
	e.State.SetCurrentItem(item.ID)
	if err := e.State.TransitionTo(state.StageImplementItem); err != nil {
		e.log().Printf("transition implement_item: %v", err)
	}
	e.Progress("item_started", map[string]any{"item_id": item.ID, "attempts_so_far": item.Attempts})

	evidence := e.State.State().LastFailureEvidence
	maxAttempts := e.Cfg.Run.MaxFixAttempts

	for item.Attempts < maxAttempts {
		if ctx.Err() != nil {
			return &itemFailure{itemID: item.ID, category: CategoryCancelled, message: "cancelled"}
		}
		blMu.Lock()
		item.Attempts++
		attempt := item.Attempts
		e.persistBacklogLocked()
		blMu.Unlock()
		if attempt > 1 {
			e.State.IncrementIteration()
		}

		stageName := applyNode.ID
		if attempt > 1 {
			stageName = "fix"
		}

		failure, done := e.runItemAttempt(ctx, item, attempt, stageName, applyNode, gateNode, evidence)
		if done {
			blMu.Lock()
			item.Status = backlog.StatusDone
			e.persistBacklogLocked()
			blMu.Unlock()
			e.State.ClearFailureEvidence()
			if err := e.State.TransitionTo(state.StageNextItem); err != nil {
				e.log().Printf("transition next_item: %v", err)
			}
			e.Progress("item_finished", map[string]any{"item_id": item.ID, "status": backlog.StatusDone, "attempts": item.Attempts})
			return nil
		}
		evidence = failure.evidence
		e.State.SetFailureEvidence(evidence)
		if failure.terminal {
			blMu.Lock()
			item.Status = backlog.StatusFailed
			item.Notes = failure.message
			e.persistBacklogLocked()
			blMu.Unlock()
			e.Progress("item_finished", map[string]any{"item_id": item.ID, "status": backlog.StatusFailed, "reason": failure.message})
			return &itemFailure{itemID: item.ID, category: failure.category, message: failure.message}
		}
		if err := e.State.TransitionTo(state.StageFixLoop); err != nil {
			e.log().Printf("transition fix_loop: %v", err)
		}
	}

	blMu.Lock()
	item.Status = backlog.StatusFailed
	item.Notes = fmt.Sprintf("max fix attempts (%d) exhausted", maxAttempts)
	e.persistBacklogLocked()
	blMu.Unlock()
	e.Progress("item_finished", map[string]any{"item_id": item.ID, "status": backlog.StatusFailed, "reason": "max attempts"})
	return &itemFailure{itemID: item.ID, category: CategoryGateFailure, message: item.Notes}
}

type attemptFailure struct {
	category string
	message  string
	evidence map[string]string
	terminal bool
}

// runItemAttempt performs one apply→diff→guardrail→gates cycle under the
// workspace mutex. The lock is taken before the agent call, so across items
// only prompt rendering overlaps; agent, diff, guardrails and gates run one
// item at a time.
func (e *Engine) runItemAttempt(ctx context.Context, item *backlog.Item, attempt int, stageName string, applyNode *NodeDefinition, gateNode *NodeDefinition, evidence map[string]string) (*attemptFailure, bool) {
	start := time.Now().UTC()

	vars := e.contextVars(applyNode.Inputs)
	vars["current_item"] = describeItem(item)
	vars["failure_evidence"] = formatEvidence(evidence)
	_ = e.Artifacts.Set(artifact.KeyCurrentItem, vars["current_item"], stageName)

	tplName := applyNode.Template
	if attempt > 1 {
		tplName = "fix"
	}
	text, err := e.Prompts.Render(tplName, vars)
	if err != nil {
		rec := e.baseRecord(stageName, item.ID, attempt, start, nil)
		nerr := nodeErr(CategoryUnknown, "render template: %v", err)
		e.finishRecord(&rec, start, nerr)
		return &attemptFailure{category: nerr.category, message: nerr.err.Error(), evidence: map[string]string{"error": nerr.err.Error()}}, false
	}
	promptPath := e.Paths.PromptFile(stageName, attempt)
	if err := runpaths.WriteFileAtomic(promptPath, []byte(text)); err != nil {
		rec := e.baseRecord(stageName, item.ID, attempt, start, nil)
		nerr := nodeErr(CategoryUnknown, "write prompt: %v", err)
		e.finishRecord(&rec, start, nerr)
		return &attemptFailure{category: nerr.category, message: nerr.err.Error(), evidence: map[string]string{"error": nerr.err.Error()}}, false
	}

	// Critical section: the workspace is shared across workers.
	wsMu := e.Workspace.Mutex()
	wsMu.Lock()
	defer wsMu.Unlock()

	inv, nerr := e.invokeAgent(ctx, stageName, item.ID, attempt, promptPath, true, "", applyNode.Config.TimeoutSeconds)
	rec := e.baseRecord(stageName, item.ID, attempt, start, inv)
	rec.InputsFingerprint = metrics.Fingerprint(text)

	if nerr == nil && inv.result.Failed() {
		nerr = classifyResult(inv.result)
	}
	if nerr != nil {
		e.finishRecord(&rec, start, nerr)
		return &attemptFailure{
			category: nerr.category,
			message:  nerr.err.Error(),
			evidence: map[string]string{"error": firstLine(nerr.err.Error())},
			terminal: nerr.category == CategoryCancelled,
		}, false
	}

	// Diff capture.
	if err := e.State.TransitionTo(state.StageCaptureDiff); err != nil {
		e.log().Printf("transition capture_diff: %v", err)
	}
	if cerr := e.captureAndGuard(stageName, &rec); cerr != nil {
		e.finishRecord(&rec, start, cerr)
		switch cerr.category {
		case CategoryEmptyDiff:
			return &attemptFailure{
				category: cerr.category,
				message:  cerr.err.Error(),
				evidence: map[string]string{"diff_empty": "true"},
			}, false
		case CategoryGuardrailViolation:
			// Not retried: the agent is not trusted to walk back a policy
			// breach within the same item.
			return &attemptFailure{
				category: cerr.category,
				message:  cerr.err.Error(),
				evidence: map[string]string{"guardrail": cerr.err.Error()},
				terminal: true,
			}, false
		default:
			return &attemptFailure{
				category: cerr.category,
				message:  cerr.err.Error(),
				evidence: map[string]string{"error": cerr.err.Error()},
			}, false
		}
	}

	// Verification gates.
	if err := e.State.TransitionTo(state.StageVerify); err != nil {
		e.log().Printf("transition verify: %v", err)
	}
	gates, skippedGates := e.itemGates(gateNode, item)
	verifyStart := time.Now()
	var results []gate.Result
	for _, g := range gates {
		r, err := e.Gates.Run(ctx, g, e.Workspace.Dir, e.Paths.GateLogFile(g.Name, item.ID, attempt))
		if err != nil {
			nerr := nodeErr(CategoryExecutorError, "%v", err)
			e.finishRecord(&rec, start, nerr)
			return &attemptFailure{category: nerr.category, message: nerr.err.Error(), evidence: map[string]string{"error": nerr.err.Error()}, terminal: true}, false
		}
		results = append(results, r)
		if ctx.Err() != nil {
			nerr := nodeErr(CategoryCancelled, "cancelled")
			e.finishRecord(&rec, start, nerr)
			return &attemptFailure{category: CategoryCancelled, message: "cancelled", evidence: map[string]string{"cancelled": "true"}, terminal: true}, false
		}
	}
	rec.Gates = gateRecords(results)
	for _, skipped := range skippedGates {
		rec.Gates = append(rec.Gates, metrics.GateRecord{Name: skipped, Passed: true, ExitCode: 0})
	}
	rec.VerifyDurationMS = time.Since(verifyStart).Milliseconds()

	// The gate execution gets its own verify record alongside the
	// implement/fix record for the attempt.
	vrec := metrics.StageRecord{
		RunID:            e.Paths.RunID,
		Stage:            "verify",
		ItemID:           item.ID,
		Attempt:          attempt,
		StartTS:          verifyStart.UTC().Format(time.RFC3339Nano),
		Gates:            rec.Gates,
		VerifyDurationMS: rec.VerifyDurationMS,
		AgentInvocations: 0,
	}

	if !gate.AllRequiredPassed(gates, results) {
		failed := gate.FirstFailure(results)
		nerr := nodeErr(CategoryGateFailure, "gate %s failed (exit %d)", failed.Name, failed.ReturnCode)
		e.finishRecord(&vrec, verifyStart, nerr)
		e.finishRecord(&rec, start, nerr)
		return &attemptFailure{
			category: CategoryGateFailure,
			message:  nerr.err.Error(),
			evidence: map[string]string{
				"gate": failed.Name,
				"log":  gate.Tail(failed.LogPath, 30),
			},
		}, false
	}

	e.finishRecord(&vrec, verifyStart, nil)
	e.finishRecord(&rec, start, nil)
	return nil, true
}

// itemGates returns the gate set for one item's verify step, applying fast
// per-item verification when configured: the pytest gate is narrowed to the
// changed test targets or skipped entirely when none exist.
func (e *Engine) itemGates(gateNode *NodeDefinition, item *backlog.Item) ([]gate.Gate, []string) {
	var names []string
	if gateNode != nil {
		names = gateNode.Config.Gates
	}
	gates := e.Gates.Subset(names)
	if e.Cfg.Run.PerItemVerify != "fast" {
		return gates, nil
	}

	changed, err := e.Workspace.ChangedFiles()
	if err != nil {
		return gates, nil
	}
	var targets []string
	for _, f := range changed {
		base := filepath.Base(f)
		if strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py") ||
			strings.HasSuffix(base, "_test.py") {
			targets = append(targets, f)
		}
	}
	if len(targets) > e.Cfg.Run.FastVerifyMaxPytestTargets {
		targets = targets[:e.Cfg.Run.FastVerifyMaxPytestTargets]
	}

	var out []gate.Gate
	var skipped []string
	for _, g := range gates {
		if !strings.Contains(strings.ToLower(g.Name), "pytest") {
			out = append(out, g)
			continue
		}
		if len(targets) == 0 {
			if e.Cfg.Run.FastVerifySkipPytestNoTargets == nil || *e.Cfg.Run.FastVerifySkipPytestNoTargets {
				skipped = append(skipped, g.Name)
				continue
			}
			out = append(out, g)
			continue
		}
		narrowed := g
		narrowed.Args = append(append([]string{}, g.Args...), targets...)
		out = append(out, narrowed)
	}
	return out, skipped
}

func describeItem(item *backlog.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n\nObjective: %s\n", item.ID, item.Title, item.Objective)
	if len(item.Acceptance) > 0 {
		b.WriteString("\nAcceptance:\n")
		for _, a := range item.Acceptance {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(item.FilesHint) > 0 {
		fmt.Fprintf(&b, "\nLikely files: %s\n", strings.Join(item.FilesHint, ", "))
	}
	return b.String()
}

func formatEvidence(evidence map[string]string) string {
	if len(evidence) == 0 {
		return "(none)"
	}
	var keys []string
	for k := range evidence {
		keys = append(keys, k)
	}
	// Deterministic rendering keeps fix prompts reproducible.
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:\n%s\n\n", k, evidence[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
