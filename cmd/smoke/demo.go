package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"veriops/internal/events"
)

const demoRunbook = `allowed_tools: [llm, web_search]
required_steps: [plan, search, answer]
budgets:
  max_total_tokens: 500
  max_total_cost_usd: 0.10
`

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Emit a sample run with out-of-order and duplicate events, then validate it",
	RunE:  runDemo,
}

func init() {
	rootCmd.AddCommand(demoCmd)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c := newClient()
	runbook := demoRunbook
	run, err := c.StartRun(ctx, &runbook)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	fmt.Printf("started run %s\n", run.ID)

	plan, err := run.Step(ctx, "plan", "llm", map[string]any{"question": "what is veriops?"})
	if err != nil {
		return err
	}
	plan.Output = map[string]any{"plan": "search then answer"}
	plan.Tokens, plan.CostUSD = 120, 0.01
	if err := plan.End(ctx, nil); err != nil {
		return err
	}

	// search: step.end is delivered before step.start
	searchID := uuid.New()
	now := time.Now().UTC()
	outOfOrder := []events.Event{
		events.StepEnd{RunID: run.ID, StepID: searchID, TS: now.Add(time.Second), LatencyMS: 900, Tokens: 80, CostUSD: 0.02,
			Output: map[string]any{"hits": 3}},
		events.StepStart{RunID: run.ID, StepID: searchID, TS: now, Index: run.ReserveIndex(), Name: "search", Tool: "web_search"},
	}
	for _, ev := range outOfOrder {
		if _, err := c.Enqueue(ctx, ev); err != nil {
			return err
		}
	}
	res, err := c.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("out-of-order flush: status=%s ingested=%d warnings=%d\n", res.Status, res.Ingested, len(res.Warnings))

	answer, err := run.Step(ctx, "answer", "llm", nil)
	if err != nil {
		return err
	}
	answer.Output = map[string]any{"answer": "an agent run verifier"}
	answer.Tokens, answer.CostUSD = 150, 0.03
	if err := answer.End(ctx, nil); err != nil {
		return err
	}
	// duplicate delivery of the same step.end
	if err := answer.End(ctx, nil); err != nil {
		return err
	}

	tokens, cost := int64(350), 0.06
	run.SetTotals(&tokens, &cost)
	res, err = run.End(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("final flush: status=%s ingested=%d failed=%d\n", res.Status, res.Ingested, res.Failed)

	verdict, err := c.ValidateRun(ctx, run.ID, nil)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return printJSON(verdict)
}
