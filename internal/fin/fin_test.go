package fin_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gridtune/internal/fin"
	"gridtune/internal/remote"
)

const sampleOutput = `[
  {"miopen_version": "3.0.0", "rocm_version": "6.0"},
  {
    "miopen_find_compile_result": [
      {
        "solver_name": "ConvAsm1x1U",
        "find_compiled": true,
        "reason": "",
        "kernel_objects": [
          {"kernel_file": "conv1x1u.s", "comp_options": "-Wa", "blob": "q80=",
           "md5_sum": "abc", "uncompressed_size": 1024}
        ],
        "params": "1,16,1,64",
        "time": 0,
        "workspace_sz": 0
      },
      {
        "solver_name": "ConvOclDirectFwd",
        "find_compiled": false,
        "reason": "Builds failed",
        "kernel_objects": [],
        "params": "",
        "time": 0,
        "workspace_sz": 0
      }
    ]
  }
]`

func TestParseOutputStripsEnv(t *testing.T) {
	out, err := fin.ParseOutput([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(out.CompileResults) != 2 {
		t.Fatalf("compile results = %d, want 2", len(out.CompileResults))
	}
	got := out.CompileResults[0]
	if got.SolverName != "ConvAsm1x1U" || !got.FindCompiled {
		t.Errorf("first result = %+v, want compiled ConvAsm1x1U", got)
	}
	if len(got.KernelObjects) != 1 || got.KernelObjects[0].UncompressedSize != 1024 {
		t.Errorf("kernel objects = %+v", got.KernelObjects)
	}
}

func TestParseOutputRejectsEnvOnly(t *testing.T) {
	if _, err := fin.ParseOutput([]byte(`[{"miopen_version": "3.0.0"}]`)); err == nil {
		t.Fatalf("ParseOutput accepted env-only document")
	}
}

func TestSucceededLegacyReason(t *testing.T) {
	r := fin.SolverResult{SolverName: "ConvOclDirectFwd", Reason: "Legacy"}
	if !r.Succeeded(fin.StepFindCompile) {
		t.Errorf("legacy solver not treated as success")
	}
	if !r.Succeeded(fin.StepFindEval) {
		t.Errorf("legacy solver not treated as success for eval")
	}
}

func TestSummarize(t *testing.T) {
	cases := []struct {
		name    string
		results []fin.SolverResult
		wantOK  bool
		want    string
	}{
		{
			name: "unanimous success",
			results: []fin.SolverResult{
				{SolverName: "A", FindCompiled: true},
				{SolverName: "B", FindCompiled: true},
			},
			wantOK: true,
			want:   "success",
		},
		{
			name: "mixed lists per solver",
			results: []fin.SolverResult{
				{SolverName: "A", FindCompiled: true},
				{SolverName: "B", Reason: "Builds failed"},
			},
			wantOK: false,
			want:   "A: success; B: Builds failed",
		},
		{
			name:   "empty",
			wantOK: false,
			want:   "no solver results",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ok, got := fin.Summarize(c.results, fin.StepFindCompile)
			if ok != c.wantOK || got != c.want {
				t.Fatalf("Summarize = (%v, %q), want (%v, %q)", ok, got, c.wantOK, c.want)
			}
		})
	}
}

// TestBinaryRoundTrip runs a stand-in script that echoes a canned document,
// exercising the stage-invoke-fetch cycle over the local executor.
func TestBinaryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fin")
	payload := `#!/bin/sh
while [ "$1" != "-o" ]; do shift; done
cat > "$2" <<'EOF'
` + sampleOutput + `
EOF
`
	if err := os.WriteFile(script, []byte(payload), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	b := &fin.Binary{Exec: remote.Local{}, Path: script, WorkDir: dir}
	out, err := b.Run(context.Background(), fin.Request{
		Steps:        []string{fin.StepFindCompile},
		Arch:         "gfx90a",
		NumCU:        104,
		Config:       json.RawMessage(`{"cmd":"conv"}`),
		ConfigTunaID: 1,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(out.CompileResults) != 2 {
		t.Fatalf("compile results = %d, want 2", len(out.CompileResults))
	}
}
