// Package composite executes multi-step tools: a DAG of upstream calls whose
// results accumulate in a shared result object under dot-path keys. Steps
// with satisfied dependencies run concurrently; failures either abort the
// whole tool or, with partial results enabled, surface alongside the steps
// that succeeded.
package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/apibridge/apibridge/pkg/apierror"
	"github.com/apibridge/apibridge/pkg/logger"
	"github.com/apibridge/apibridge/pkg/openapi"
	"github.com/apibridge/apibridge/pkg/profile"
	"github.com/apibridge/apibridge/pkg/request"
	"github.com/apibridge/apibridge/pkg/upstream"
)

// StepError records one failed or skipped step.
type StepError struct {
	StepIndex int    `json:"step_index"`
	StepCall  string `json:"step_call"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Result is the aggregate outcome of a composite tool run.
type Result struct {
	Data           map[string]any `json:"data"`
	CompletedSteps int            `json:"completed_steps"`
	TotalSteps     int            `json:"total_steps"`
	Errors         []StepError    `json:"errors,omitempty"`
}

// Executor runs composite tools against an operation index.
type Executor struct {
	index   *openapi.Index
	builder *request.Builder
}

// NewExecutor returns an executor resolving step calls through the index.
func NewExecutor(index *openapi.Index, builder *request.Builder) *Executor {
	return &Executor{index: index, builder: builder}
}

type stepOutcome struct {
	index int
	value any
	err   error
}

// Execute runs the tool's steps level by level: a level holds every step
// whose dependencies completed in earlier levels, and its steps run
// concurrently. Results are committed to the data object between levels so
// storage never races.
func (e *Executor) Execute(ctx context.Context, tool *profile.Tool, args map[string]any, client *upstream.Client) (*Result, error) {
	levels := groupByDepth(tool.Steps)
	total := len(tool.Steps)

	result := &Result{
		Data:       make(map[string]any),
		TotalSteps: total,
	}
	failed := make(map[string]bool)

	for _, level := range levels {
		outcomes := make([]stepOutcome, 0, len(level))
		var mu sync.Mutex

		g, gctx := errgroup.WithContext(ctx)
		for _, idx := range level {
			step := tool.Steps[idx]

			if dep := failedDependency(step, failed); dep != "" {
				failed[step.StoreAs] = true
				result.Errors = append(result.Errors, newStepError(idx, step.Call,
					fmt.Sprintf("skipped: dependency %q failed", dep)))
				continue
			}

			g.Go(func() error {
				value, err := e.runStep(gctx, tool, step, args, client)
				mu.Lock()
				outcomes = append(outcomes, stepOutcome{index: idx, value: value, err: err})
				mu.Unlock()
				if err != nil && !tool.PartialResults {
					return err
				}
				return nil
			})
		}
		levelErr := g.Wait()

		for _, o := range outcomes {
			step := tool.Steps[o.index]
			if o.err != nil {
				failed[step.StoreAs] = true
				stepErr := newStepError(o.index, step.Call, apierror.FormatForClient(o.err))
				result.Errors = append(result.Errors, stepErr)
				if storeErr := storeAt(result.Data, errorPath(step.StoreAs), stepErr.asMap()); storeErr != nil {
					logger.Warnf("composite %s: %v", tool.Name, storeErr)
				}
				continue
			}
			if err := storeAt(result.Data, step.StoreAs, o.value); err != nil {
				failed[step.StoreAs] = true
				result.Errors = append(result.Errors, newStepError(o.index, step.Call, err.Error()))
				continue
			}
			result.CompletedSteps++
		}

		if levelErr != nil && !tool.PartialResults {
			first := result.Errors[len(result.Errors)-1]
			return result, apierror.NewValidation("Composite step %d/%d failed: %s",
				first.StepIndex+1, total, first.Message)
		}
	}

	return result, nil
}

// runStep resolves the step's operation, builds the request, and executes it.
// The response body is decoded as JSON when possible, otherwise kept as a
// string.
func (e *Executor) runStep(ctx context.Context, tool *profile.Tool, step profile.CompositeStep, args map[string]any, client *upstream.Client) (any, error) {
	method, path, ok := profile.SplitCall(step.Call)
	if !ok {
		return nil, apierror.NewValidation("step call %q must be \"METHOD /path\"", step.Call)
	}
	methods := e.index.Path(path)
	if methods == nil || methods[method] == nil {
		return nil, apierror.NewOperationNotFound("no operation for %s %s", method, path)
	}
	op := methods[method]

	req, err := e.builder.Build(op, tool, args)
	if err != nil {
		return nil, err
	}
	// Composite tools share one argument map across steps, so read-style
	// steps must not inherit a body assembled for another step's benefit.
	switch method {
	case "GET", "HEAD", "DELETE":
		req.Body = nil
	}

	resp, err := client.Execute(ctx, req)
	if err != nil {
		return nil, err
	}

	var decoded any
	if len(resp.Body) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return string(resp.Body), nil
	}
	return decoded, nil
}

// groupByDepth buckets step indices by dependency depth. Validation already
// guarantees the graph is acyclic with resolvable dependencies.
func groupByDepth(steps []profile.CompositeStep) [][]int {
	byID := make(map[string]int, len(steps))
	for i, s := range steps {
		byID[s.StoreAs] = i
	}

	depths := make([]int, len(steps))
	for i := range depths {
		depths[i] = -1
	}
	var depthOf func(i int) int
	depthOf = func(i int) int {
		if depths[i] >= 0 {
			return depths[i]
		}
		d := 0
		for _, dep := range steps[i].DependsOn {
			if j, ok := byID[dep]; ok {
				if dd := depthOf(j) + 1; dd > d {
					d = dd
				}
			}
		}
		depths[i] = d
		return d
	}

	maxDepth := 0
	for i := range steps {
		if d := depthOf(i); d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]int, maxDepth+1)
	for i, d := range depths {
		levels[d] = append(levels[d], i)
	}
	return levels
}

func failedDependency(step profile.CompositeStep, failed map[string]bool) string {
	for _, dep := range step.DependsOn {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

// storeAt writes value into data under a dot path, creating intermediate
// objects as needed. An intermediate that exists but is not an object is a
// storage error.
func storeAt(data map[string]any, path string, value any) error {
	segments := strings.Split(path, ".")
	current := data
	for i, seg := range segments[:len(segments)-1] {
		existing, ok := current[seg]
		if !ok {
			next := make(map[string]any)
			current[seg] = next
			current = next
			continue
		}
		obj, ok := existing.(map[string]any)
		if !ok {
			prefix := strings.Join(segments[:i+1], ".")
			return apierror.NewStorage("cannot store at %q: %q is %s, not an object",
				path, prefix, jsonKind(existing))
		}
		current = obj
	}
	current[segments[len(segments)-1]] = value
	return nil
}

// errorPath derives the "<store_as>_error" sibling path.
func errorPath(storeAs string) string {
	return storeAs + "_error"
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "a string"
	case bool:
		return "a boolean"
	case float64, int, int64, json.Number:
		return "a number"
	case []any:
		return "an array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func newStepError(index int, call, message string) StepError {
	return StepError{
		StepIndex: index,
		StepCall:  call,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// asMap is the JSON-shaped form stored at the "<store_as>_error" sibling, so
// the error object reads the same as the rest of the data tree.
func (e StepError) asMap() map[string]any {
	return map[string]any{
		"step_index": e.StepIndex,
		"step_call":  e.StepCall,
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
}
