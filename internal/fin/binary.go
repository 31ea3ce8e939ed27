package fin

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/google/uuid"

	"gridtune/internal/remote"
)

// DefaultPath is where the ROCm install places the binary.
const DefaultPath = "/opt/rocm/bin/fin"

// Binary runs the tuning binary on a machine through a remote executor.
type Binary struct {
	Exec remote.Executor
	// Path of the binary on the machine. Empty means DefaultPath.
	Path string
	// WorkDir holds the per-invocation input and output files. Empty means /tmp.
	WorkDir string
}

// Run writes req to a uniquely named input file, invokes the binary with
// -i/-o, reads the output file back, and parses it. Input and output files
// are removed afterwards on a best-effort basis.
func (b *Binary) Run(ctx context.Context, req Request) (Output, error) {
	bin := b.Path
	if bin == "" {
		bin = DefaultPath
	}
	dir := b.WorkDir
	if dir == "" {
		dir = "/tmp"
	}

	doc, err := json.Marshal([]Request{req})
	if err != nil {
		return Output{}, fmt.Errorf("fin: marshal request: %w", err)
	}

	id := uuid.NewString()
	in := path.Join(dir, "fin_input_"+id+".json")
	out := path.Join(dir, "fin_output_"+id+".json")
	if err := b.Exec.WriteFile(ctx, in, doc, 0o644); err != nil {
		return Output{}, fmt.Errorf("fin: stage input: %w", err)
	}
	defer b.Exec.Exec(context.WithoutCancel(ctx), "rm -f "+in+" "+out)

	cmd := fmt.Sprintf("%s -i %s -o %s", bin, in, out)
	if execOut, err := b.Exec.Exec(ctx, cmd); err != nil {
		return Output{}, fmt.Errorf("fin: run: %w: %s", err, firstLine(execOut))
	}

	data, err := b.Exec.ReadFile(ctx, out)
	if err != nil {
		return Output{}, fmt.Errorf("fin: fetch output: %w", err)
	}
	return ParseOutput(data)
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
