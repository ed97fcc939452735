package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepchain"
)

// sampleWorkflows are the workflows the CLI can run.
func sampleWorkflows() []*stepchain.Chain {
	return []*stepchain.Chain{
		greetingWorkflow(),
		approvalWorkflow(),
		orderWorkflow(),
	}
}

func field(data any, key string) any {
	if m, ok := data.(map[string]any); ok {
		return m[key]
	}
	return nil
}

func greetingWorkflow() *stepchain.Chain {
	return stepchain.New("greeting").
		Describe("Greets a name and decorates the message.").
		WithInputSchema(stepchain.RequiredFields("name")).
		AndThen("say-hello", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return fmt.Sprintf("hello, %v", field(sc.Data, "name")), nil
		}).
		AndThen("decorate", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return "*** " + sc.Data.(string) + " ***", nil
		})
}

// approvalWorkflow suspends until it is resumed with {"approved": true}.
func approvalWorkflow() *stepchain.Chain {
	approved := func(data any) bool {
		ok, _ := field(data, "approved").(bool)
		return ok
	}
	return stepchain.New("approval").
		Describe("Drafts a text and publishes it once a reviewer approves.").
		WithInputSchema(stepchain.RequiredFields("text")).
		AndThen("draft", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return map[string]any{
				"draft": strings.TrimSpace(fmt.Sprint(field(sc.Data, "text"))),
			}, nil
		}).
		AndSuspendUnless("review", "waiting for approval", approved,
			func(data any) any { return field(data, "draft") },
			stepchain.WithResumeSchema(stepchain.RequiredFields("approved"))).
		AndWhen("rejected",
			stepchain.NewCondition("not-approved", func(data any) bool { return !approved(data) }),
			stepchain.Then("discard", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
				return nil, fmt.Errorf("draft rejected by reviewer")
			})).
		AndThen("publish", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return fmt.Sprintf("published: %v", field(sc.Data, "draft")), nil
		})
}

func orderWorkflow() *stepchain.Chain {
	price := func(id string, factor float64) stepchain.Step {
		return stepchain.Then(id, func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			qty, _ := field(sc.Data, "qty").(float64)
			return qty * factor, nil
		})
	}
	return stepchain.New("order").
		Describe("Quotes an order from two suppliers and applies a VIP discount.").
		WithInputSchema(stepchain.RequiredFields("qty", "tier")).
		AndTap("remember-tier", func(ctx context.Context, sc *stepchain.StepContext) error {
			sc.State.Set("tier", field(sc.Data, "tier"))
			return nil
		}).
		AndAll("quote", price("supplier-a", 9.5), price("supplier-b", 10)).
		AndThen("cheapest", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			quotes := sc.Data.([]any)
			best := quotes[0].(float64)
			for _, q := range quotes[1:] {
				best = min(best, q.(float64))
			}
			tier, _ := sc.State.Get("tier")
			return map[string]any{"total": best, "tier": tier}, nil
		}).
		AndWhen("vip-discount", stepchain.JSONPathEquals("tier", "vip"),
			stepchain.Then("discount", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
				m := sc.Data.(map[string]any)
				return map[string]any{"total": m["total"].(float64) * 0.9, "tier": m["tier"]}, nil
			})).
		AndRace("ship", stepchain.Then("courier", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return sc.Data, nil
		}), stepchain.Sleep("freight", time.Second))
}
