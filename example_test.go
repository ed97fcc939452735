package stepchain_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/petrijr/stepchain"
)

// Example_chain demonstrates defining and running a simple workflow
// using the Chain builder and an in-memory registry.
func Example_chain() {
	ctx := context.Background()

	reg := stepchain.NewInMemoryEngine()
	defer reg.Close(ctx)

	res, err := stepchain.New("greeting").
		AndThen("say-hello", sayHello).
		AndThen("decorate", decorateMessage).
		Run(ctx, reg, "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("%s: %v\n", res.Status, res.Result)
	// Output: completed: *** hello, Gopher ***
}

// Example_suspendResume demonstrates pausing an execution for human input
// and continuing it with the answer.
func Example_suspendResume() {
	ctx := context.Background()

	reg := stepchain.NewInMemoryEngine()
	defer reg.Close(ctx)

	approved := func(data any) bool {
		ok, _ := data.(map[string]any)["approved"].(bool)
		return ok
	}

	chain := stepchain.New("approval").
		AndThen("draft", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			return map[string]any{"text": sc.Data}, nil
		}).
		AndSuspendUnless("review", "waiting for approval", approved, nil).
		AndThen("publish", func(ctx context.Context, sc *stepchain.StepContext) (any, error) {
			m := sc.Data.(map[string]any)
			return fmt.Sprintf("published %q (approved=%v)", m["text"], m["approved"]), nil
		})

	res, err := chain.Run(ctx, reg, "release notes")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Status, "-", res.Suspension.Reason)

	res, err = res.Resume(ctx, map[string]any{"approved": true})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Status, "-", res.Result)
	// Output:
	// suspended - waiting for approval
	// completed - published "release notes" (approved=true)
}

func sayHello(ctx context.Context, sc *stepchain.StepContext) (any, error) {
	name, ok := sc.Data.(string)
	if !ok {
		return nil, fmt.Errorf("sayHello: expected string input, got %T", sc.Data)
	}
	return fmt.Sprintf("hello, %s", name), nil
}

func decorateMessage(ctx context.Context, sc *stepchain.StepContext) (any, error) {
	msg, ok := sc.Data.(string)
	if !ok {
		return nil, fmt.Errorf("decorateMessage: expected string input, got %T", sc.Data)
	}
	return "*** " + strings.TrimSpace(msg) + " ***", nil
}
