package metrics

import (
	"sync"
	"time"
)

// Collector accumulates stage records in-process and forwards each to the
// writer as it finishes. It also tracks the timestamps the aggregator needs
// (first green verify, ship completion).
type Collector struct {
	writer *Writer

	mu        sync.Mutex
	records   []StageRecord
	startedAt time.Time
	firstPass *time.Time
	shipEnd   *time.Time
}

func NewCollector(writer *Writer) *Collector {
	return &Collector{writer: writer, startedAt: time.Now().UTC()}
}

// Record finalizes one stage attempt: appends it to stages.jsonl and keeps
// it for aggregation.
func (c *Collector) Record(rec StageRecord) {
	end := parseTS(rec.EndTS)
	c.mu.Lock()
	c.records = append(c.records, rec)
	if rec.Stage == "verify" && rec.Status == StatusSuccess && c.firstPass == nil {
		t := end
		c.firstPass = &t
	}
	if rec.Stage == "ship" && rec.Status == StatusSuccess {
		t := end
		c.shipEnd = &t
	}
	c.mu.Unlock()
	if c.writer != nil {
		c.writer.WriteStage(rec)
	}
}

// Records returns a copy of everything recorded so far.
func (c *Collector) Records() []StageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StageRecord{}, c.records...)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// AggregateInput carries the run-level facts the stage records alone cannot
// provide.
type AggregateInput struct {
	RunID          string
	TaskText       string
	Engine         string
	Model          string
	BaseBranch     string
	FinalStatus    string
	FailureReason  string
	ItemsTotal     int
	ItemsCompleted int
	ItemsFailed    int
	FinalDiffStats *DiffStats
	EndTS          time.Time
}

// Aggregate folds the collected stage records into the run record.
func (c *Collector) Aggregate(in AggregateInput) RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := RunRecord{
		RunID:              in.RunID,
		StartTS:            c.startedAt.Format(time.RFC3339Nano),
		EndTS:              in.EndTS.Format(time.RFC3339Nano),
		TotalDurationMS:    in.EndTS.Sub(c.startedAt).Milliseconds(),
		FinalStatus:        in.FinalStatus,
		FinalFailureReason: in.FailureReason,
		Engine:             in.Engine,
		Model:              in.Model,
		BaseBranch:         in.BaseBranch,
		ItemsTotal:         in.ItemsTotal,
		ItemsCompleted:     in.ItemsCompleted,
		ItemsFailed:        in.ItemsFailed,
		FinalDiffStats:     in.FinalDiffStats,
		StageBreakdown:     map[string]int64{},
	}
	if in.TaskText != "" {
		rec.TaskFingerprint = Fingerprint(in.TaskText)
	}

	seen := map[string]bool{}
	for _, r := range c.records {
		if !seen[r.Stage] {
			seen[r.Stage] = true
			rec.StagesExecuted++
		}
		if r.Status == StatusFail || r.Status == StatusTimeout {
			rec.StagesFailed++
		}
		if r.Status != StatusSkip {
			rec.TotalStageTimeMS += r.DurationMS
			rec.StageBreakdown[r.Stage] += r.DurationMS
		}
		rec.TotalLLMTimeMS += r.LLMDurationMS
		rec.TotalVerifyTimeMS += r.VerifyDurationMS
		if (r.Stage == "fix" || r.Stage == "implement") && r.Attempt > 1 {
			rec.FixAttemptsTotal++
		}
	}
	if rec.ItemsTotal > 0 {
		rec.ReworkRatio = float64(rec.FixAttemptsTotal) / float64(rec.ItemsTotal)
	}
	if c.firstPass != nil {
		ms := c.firstPass.Sub(c.startedAt).Milliseconds()
		rec.TimeToGreenMS = &ms
	}
	if c.shipEnd != nil {
		ms := c.shipEnd.Sub(c.startedAt).Milliseconds()
		rec.TimeToPRMS = &ms
	}
	return rec
}
