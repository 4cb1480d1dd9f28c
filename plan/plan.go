package plan

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/gogpu/semshare/driver"
)

// ErrInvalid is returned for plan files that decode but do not describe a
// usable plan.
var ErrInvalid = errors.New("plan: invalid plan")

//go:embed reference.hcl
var referenceHCL []byte

// File is a decoded plan file.
type File struct {
	Contexts  []*ContextBlock `hcl:"context,block"`
	Shared    []*SharedBlock  `hcl:"shared,block"`
	Rounds    []*RoundBlock   `hcl:"round,block"`
	PassCount *int            `hcl:"passes,optional"`
}

// ContextBlock declares the resources of one execution context.
type ContextBlock struct {
	Name           string   `hcl:"name,label"`
	CommandBuffers int      `hcl:"command_buffers"`
	Semaphores     []string `hcl:"semaphores,optional"`
	Fences         []string `hcl:"fences,optional"`
}

// SharedBlock declares a semaphore shared from Exporter to Importer.
type SharedBlock struct {
	Name     string `hcl:"name,label"`
	Exporter string `hcl:"exporter"`
	Importer string `hcl:"importer"`
}

// RoundBlock is one round of a pass.
type RoundBlock struct {
	Label   string         `hcl:"label,label"`
	Submits []*SubmitBlock `hcl:"submit,block"`
}

// SubmitBlock is one submission of a round.
type SubmitBlock struct {
	Context       string       `hcl:"context,label"`
	CommandBuffer *int         `hcl:"command_buffer,optional"`
	Waits         []*WaitBlock `hcl:"wait,block"`
	Signals       []string     `hcl:"signals,optional"`
	Fence         *string      `hcl:"fence,optional"`
}

// WaitBlock is a semaphore wait. The stage mask is the union of Stages.
type WaitBlock struct {
	Semaphore string   `hcl:"semaphore,label"`
	Stages    []uint32 `hcl:"stages"`
}

// Stage returns the combined stage mask.
func (w *WaitBlock) Stage() driver.PipelineStage {
	var s driver.PipelineStage
	for _, v := range w.Stages {
		s |= driver.PipelineStage(v)
	}
	return s
}

// index returns the command buffer index, 0 when omitted.
func (s *SubmitBlock) index() int {
	if s.CommandBuffer == nil {
		return 0
	}
	return *s.CommandBuffer
}

// Passes returns the number of passes the file asks for, 1 when omitted.
func (f *File) Passes() int {
	if f.PassCount == nil {
		return 1
	}
	return *f.PassCount
}

// ContextNames returns the declared context names in file order.
func (f *File) ContextNames() []string {
	names := make([]string, 0, len(f.Contexts))
	for _, c := range f.Contexts {
		names = append(names, c.Name)
	}
	return names
}

// EvalContext returns the evaluation context plan files are decoded with.
// It defines stage.<name> for every pipeline stage.
func EvalContext() *hcl.EvalContext {
	stages := make(map[string]cty.Value)
	for name, st := range driver.StageNames() {
		stages[name] = cty.NumberUIntVal(uint64(st))
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"stage": cty.ObjectVal(stages),
		},
	}
}

// Parse decodes and checks a plan file held in src. filename is used in
// diagnostics only.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("plan: parse %s: %w", filename, diags)
	}
	return decode(hclFile, filename)
}

// ParseFile reads, decodes and checks the plan file at path.
func ParseFile(path string) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("plan: parse %s: %w", path, diags)
	}
	return decode(hclFile, path)
}

// Reference returns the built-in two-device plan: B signals a shared
// semaphore in the first round, and A waits on it in the second.
func Reference() (*File, error) {
	return Parse(referenceHCL, "reference.hcl")
}

func decode(hclFile *hcl.File, filename string) (*File, error) {
	var f File
	if diags := gohcl.DecodeBody(hclFile.Body, EvalContext(), &f); diags.HasErrors() {
		return nil, fmt.Errorf("plan: decode %s: %w", filename, diags)
	}
	if err := f.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &f, nil
}

// check verifies that every name used in the file is declared.
func (f *File) check() error {
	if f.Passes() < 1 {
		return fmt.Errorf("%w: passes must be at least 1, got %d", ErrInvalid, f.Passes())
	}
	contexts := make(map[string]*ContextBlock, len(f.Contexts))
	for _, c := range f.Contexts {
		if _, dup := contexts[c.Name]; dup {
			return fmt.Errorf("%w: context %q declared twice", ErrInvalid, c.Name)
		}
		if c.CommandBuffers < 1 {
			return fmt.Errorf("%w: context %q: command_buffers must be at least 1", ErrInvalid, c.Name)
		}
		if name, ok := firstDuplicate(c.Semaphores); ok {
			return fmt.Errorf("%w: context %q: semaphore %q declared twice", ErrInvalid, c.Name, name)
		}
		if name, ok := firstDuplicate(c.Fences); ok {
			return fmt.Errorf("%w: context %q: fence %q declared twice", ErrInvalid, c.Name, name)
		}
		contexts[c.Name] = c
	}

	shared := make(map[string]*SharedBlock, len(f.Shared))
	for _, s := range f.Shared {
		if _, dup := shared[s.Name]; dup {
			return fmt.Errorf("%w: shared %q declared twice", ErrInvalid, s.Name)
		}
		for _, side := range []string{s.Exporter, s.Importer} {
			c, ok := contexts[side]
			if !ok {
				return fmt.Errorf("%w: shared %q: unknown context %q", ErrInvalid, s.Name, side)
			}
			if slices.Contains(c.Semaphores, s.Name) {
				return fmt.Errorf("%w: shared %q: name also used by a semaphore of context %q", ErrInvalid, s.Name, side)
			}
		}
		if s.Exporter == s.Importer {
			return fmt.Errorf("%w: shared %q: exporter and importer are both %q", ErrInvalid, s.Name, s.Exporter)
		}
		shared[s.Name] = s
	}

	semaphoreOn := func(ctx, name string) bool {
		if slices.Contains(contexts[ctx].Semaphores, name) {
			return true
		}
		s, ok := shared[name]
		return ok && (s.Exporter == ctx || s.Importer == ctx)
	}
	for _, r := range f.Rounds {
		for i, sub := range r.Submits {
			where := fmt.Sprintf("round %q submit %d (%s)", r.Label, i, sub.Context)
			c, ok := contexts[sub.Context]
			if !ok {
				return fmt.Errorf("%w: %s: unknown context", ErrInvalid, where)
			}
			if n := sub.index(); n < 0 || n >= c.CommandBuffers {
				return fmt.Errorf("%w: %s: command_buffer %d out of range [0, %d)", ErrInvalid, where, n, c.CommandBuffers)
			}
			for _, w := range sub.Waits {
				if !semaphoreOn(c.Name, w.Semaphore) {
					return fmt.Errorf("%w: %s: wait on unknown semaphore %q", ErrInvalid, where, w.Semaphore)
				}
				if w.Stage() == 0 {
					return fmt.Errorf("%w: %s: wait on %q has an empty stage mask", ErrInvalid, where, w.Semaphore)
				}
			}
			for _, name := range sub.Signals {
				if !semaphoreOn(c.Name, name) {
					return fmt.Errorf("%w: %s: signal of unknown semaphore %q", ErrInvalid, where, name)
				}
			}
			if sub.Fence != nil && !slices.Contains(c.Fences, *sub.Fence) {
				return fmt.Errorf("%w: %s: unknown fence %q", ErrInvalid, where, *sub.Fence)
			}
		}
	}
	return nil
}

func firstDuplicate(names []string) (string, bool) {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return n, true
		}
		seen[n] = true
	}
	return "", false
}
