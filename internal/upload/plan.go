package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	// MaxFileSize is the largest file accepted into a batch (4 GiB).
	MaxFileSize int64 = 4294967296
	// MaxBatch is the largest number of files accepted in one batch.
	MaxBatch = 50
)

var (
	ErrBatchDeclined    = errors.New("upload batch declined")
	ErrDecisionRequired = errors.New("a decision is required before uploading")
)

// Source opens the bytes of a picked file.
type Source interface {
	Open() (io.ReadCloser, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (io.ReadCloser, error)

func (f SourceFunc) Open() (io.ReadCloser, error) { return f() }

// FileSource reads from the local filesystem.
type FileSource string

func (p FileSource) Open() (io.ReadCloser, error) { return os.Open(string(p)) }

// Releaser is implemented by sources that hold resources, such as a
// spooled temp file, until their item leaves the queue. Failed items keep
// their source so they can be retried.
type Releaser interface {
	Release() error
}

func release(f File) {
	if r, ok := f.Source.(Releaser); ok {
		_ = r.Release()
	}
}

// File is one picked file.
type File struct {
	Name   string
	Size   int64
	Source Source
}

// Limits records which ceilings a batch hit.
type Limits struct {
	TooBig  bool `json:"tooBig"`
	TooMany bool `json:"tooMany"`
	// Oversized and Truncated count the files left out for each reason.
	Oversized int `json:"oversized"`
	Truncated int `json:"truncated"`
}

// Hit reports whether any ceiling was reached.
func (l Limits) Hit() bool {
	return l.TooBig || l.TooMany
}

// Message summarizes both conditions for a single confirmation.
func (l Limits) Message() string {
	var parts []string
	if l.TooBig {
		parts = append(parts, fmt.Sprintf("Files larger than %s are not uploaded.", humanize.IBytes(uint64(MaxFileSize))))
	}
	if l.TooMany {
		parts = append(parts, fmt.Sprintf("Only the first %d files are uploaded.", MaxBatch))
	}
	return strings.Join(parts, " ")
}

// Action resolves a name conflict.
type Action int

const (
	Replace Action = iota
	Skip
)

func (a Action) String() string {
	if a == Skip {
		return "skip"
	}
	return "replace"
}

// ParseAction reads "replace" or "skip".
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(s) {
	case "replace":
		return Replace, nil
	case "skip":
		return Skip, nil
	}
	return Replace, fmt.Errorf("unknown conflict action %q", s)
}

// Decision is the answer to one conflict prompt.
type Decision struct {
	Action     Action
	ApplyToAll bool
}

// Prompter asks the user about a batch.
type Prompter interface {
	ConfirmLimits(ctx context.Context, l Limits) (bool, error)
	ResolveConflict(ctx context.Context, name string) (Decision, error)
}

// Batch is the outcome of planning.
type Batch struct {
	Files    []File
	Replaced []string
	Skipped  []string
	Limits   Limits
}

// Plan applies the size and batch ceilings and the conflict protocol to a
// picked set of files. existing holds the names already in the target
// folder. Oversized files are dropped first, then the rest is truncated
// to MaxBatch; if either happened the prompter is asked once. Conflicts
// are resolved per file until the user picks apply-to-all.
func Plan(ctx context.Context, files []File, existing []string, p Prompter) (Batch, error) {
	var b Batch

	accepted := make([]File, 0, len(files))
	for _, f := range files {
		if f.Size > MaxFileSize {
			b.Limits.TooBig = true
			b.Limits.Oversized++
			continue
		}
		accepted = append(accepted, f)
	}
	if len(accepted) > MaxBatch {
		b.Limits.TooMany = true
		b.Limits.Truncated = len(accepted) - MaxBatch
		accepted = accepted[:MaxBatch]
	}

	if b.Limits.Hit() {
		ok, err := p.ConfirmLimits(ctx, b.Limits)
		if err != nil {
			return b, err
		}
		if !ok {
			return b, ErrBatchDeclined
		}
	}

	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	var all *Decision
	for _, f := range accepted {
		if !present[f.Name] {
			b.Files = append(b.Files, f)
			continue
		}
		d := all
		if d == nil {
			got, err := p.ResolveConflict(ctx, f.Name)
			if err != nil {
				return b, err
			}
			if got.ApplyToAll {
				all = &got
			}
			d = &got
		}
		if d.Action == Skip {
			b.Skipped = append(b.Skipped, f.Name)
			continue
		}
		b.Replaced = append(b.Replaced, f.Name)
		b.Files = append(b.Files, f)
	}
	return b, nil
}

// Conflicts lists the names in files that already exist.
func Conflicts(files []File, existing []string) []string {
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}
	var out []string
	for _, f := range files {
		if present[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// PresetPrompter answers from decisions made up front, as an HTTP client
// sends them with the request. A missing answer is ErrDecisionRequired.
type PresetPrompter struct {
	AcceptLimits *bool
	Decisions    map[string]Decision
	All          *Decision
}

func (p PresetPrompter) ConfirmLimits(_ context.Context, _ Limits) (bool, error) {
	if p.AcceptLimits == nil {
		return false, ErrDecisionRequired
	}
	return *p.AcceptLimits, nil
}

func (p PresetPrompter) ResolveConflict(_ context.Context, name string) (Decision, error) {
	if d, ok := p.Decisions[name]; ok {
		return d, nil
	}
	if p.All != nil {
		return Decision{Action: p.All.Action, ApplyToAll: true}, nil
	}
	return Decision{}, fmt.Errorf("%q: %w", name, ErrDecisionRequired)
}
